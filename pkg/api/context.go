package api

import (
	"time"
)

// LogLevel is the severity of a run log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogEntry is one line of a run's log. Entries are append-only during a run
// and flushed to the run store when the run terminates.
type LogEntry struct {
	At      time.Time      `json:"at"`
	StepID  string         `json:"stepId,omitempty"`
	Level   LogLevel       `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ExecutionContext is the mutable per-run state threaded through every step
// invocation. It is owned by a single run and must not be shared across runs.
type ExecutionContext struct {
	WorkflowID string
	RunID      string
	UserID     string

	// Data is shared by all steps of the run. Handlers read it; they add to
	// it only through StepResult.Data.
	Data map[string]any

	Logs []LogEntry

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// NewExecutionContext builds a context whose Data is a copy of initial.
func NewExecutionContext(workflowID, runID, userID string, initial map[string]any, clock func() time.Time) *ExecutionContext {
	if clock == nil {
		clock = time.Now
	}
	return &ExecutionContext{
		WorkflowID: workflowID,
		RunID:      runID,
		UserID:     userID,
		Data:       CopyData(initial),
		Logs:       make([]LogEntry, 0, 8),
		Clock:      clock,
	}
}

// Now returns the context's clock reading.
func (c *ExecutionContext) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// Log appends an entry to the run log.
func (c *ExecutionContext) Log(level LogLevel, stepID, message string, meta map[string]any) {
	c.Logs = append(c.Logs, LogEntry{
		At:      c.Now(),
		StepID:  stepID,
		Level:   level,
		Message: message,
		Meta:    meta,
	})
}

// Merge copies the top-level keys of data into the run data, last writer wins.
func (c *ExecutionContext) Merge(data map[string]any) {
	if c.Data == nil {
		c.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		c.Data[k] = v
	}
}

// LogSnapshot returns a copy of the log so far.
func (c *ExecutionContext) LogSnapshot() []LogEntry {
	out := make([]LogEntry, len(c.Logs))
	copy(out, c.Logs)
	return out
}
