package api

import (
	"time"
)

// StepKind distinguishes entry-point steps from steps that perform work.
type StepKind string

const (
	StepKindTrigger StepKind = "TRIGGER"
	StepKindAction  StepKind = "ACTION"
)

// RetryPolicy controls how a step is retried when its handler faults.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// Backoff is a fixed delay between failed attempts. It is not applied
// before the first attempt nor after the last one.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
}

// DefaultRetryPolicy is used for steps that do not declare one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// StepConfig describes a single node of a workflow's step chain.
type StepConfig struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind StepKind `json:"kind" yaml:"kind"`

	// Ref is the Registry key of the handler that executes this step.
	Ref string `json:"ref" yaml:"ref"`

	// Next is the id of the successor step. Empty means terminal.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`

	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// StopOnFailure defaults to true when nil. When false, a step that
	// exhausts its retries is skipped and the run continues with Next.
	StopOnFailure *bool `json:"stopOnFailure,omitempty" yaml:"stopOnFailure,omitempty"`

	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Outputs, when non-empty, lists the only data keys this step may merge
	// into the run data.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Timeout bounds a single handler attempt. Zero falls back to the
	// engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RetryOrDefault returns the effective retry policy of the step.
func (s StepConfig) RetryOrDefault() RetryPolicy {
	if s.Retry == nil {
		return DefaultRetryPolicy
	}
	p := *s.Retry
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// ShouldStopOnFailure returns the effective StopOnFailure flag.
func (s StepConfig) ShouldStopOnFailure() bool {
	if s.StopOnFailure == nil {
		return true
	}
	return *s.StopOnFailure
}

// Workflow is a user-defined automation: a chain of steps plus an entry point.
type Workflow struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Owner       string       `json:"owner" yaml:"owner"`
	Steps       []StepConfig `json:"steps" yaml:"steps"`
	EntryStepID string       `json:"entryStepId" yaml:"entryStepId"`

	// ScheduleCron is a standard 5-field cron expression. Empty means the
	// workflow is not scheduled.
	ScheduleCron string `json:"scheduleCron,omitempty" yaml:"scheduleCron,omitempty"`

	// DataSchema optionally types the keys of the run data.
	DataSchema DataSchema `json:"dataSchema,omitempty" yaml:"dataSchema,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// StepIndex maps step ids to their configuration.
func (w Workflow) StepIndex() map[string]StepConfig {
	idx := make(map[string]StepConfig, len(w.Steps))
	for _, s := range w.Steps {
		idx[s.ID] = s
	}
	return idx
}

// EntryStep returns the entry step, if it exists.
func (w Workflow) EntryStep() (StepConfig, bool) {
	for _, s := range w.Steps {
		if s.ID == w.EntryStepID {
			return s, true
		}
	}
	return StepConfig{}, false
}

// StepResult is a handler's verdict plus optional data to merge.
type StepResult struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Succeeded builds an OK result carrying data.
func Succeeded(data map[string]any) StepResult {
	return StepResult{OK: true, Data: data}
}

// Failed builds a non-OK result with the given message.
func Failed(msg string) StepResult {
	return StepResult{OK: false, Error: msg}
}

// RunOutcome is what callers of RunWorkflow get back.
type RunOutcome struct {
	OK    bool           `json:"ok"`
	RunID string         `json:"runId"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`

	// Err is the failure cause, for errors.Is checks by in-process callers.
	Err error `json:"-"`
}

// CopyData returns a shallow copy of m. A nil map yields an empty map.
func CopyData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
