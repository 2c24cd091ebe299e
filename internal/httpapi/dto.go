package httpapi

import (
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// workflowBody is the wire form of a workflow. Durations are milliseconds.
type workflowBody struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name" binding:"required"`
	Description  string         `json:"description,omitempty"`
	Owner        string         `json:"owner,omitempty"`
	EntryStepID  string         `json:"entryStepId" binding:"required"`
	Steps        []stepBody     `json:"steps" binding:"required,min=1,dive"`
	ScheduleCron string         `json:"scheduleCron,omitempty"`
	DataSchema   api.DataSchema `json:"dataSchema,omitempty"`
	CreatedAt    *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
}

type stepBody struct {
	ID            string         `json:"id" binding:"required"`
	Name          string         `json:"name,omitempty"`
	Kind          api.StepKind   `json:"kind" binding:"required,oneof=TRIGGER ACTION"`
	Ref           string         `json:"ref" binding:"required"`
	Next          string         `json:"next,omitempty"`
	StopOnFailure *bool          `json:"stopOnFailure,omitempty"`
	Retry         *retryBody     `json:"retry,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Outputs       []string       `json:"outputs,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty" binding:"min=0"`
}

type retryBody struct {
	MaxAttempts int   `json:"maxAttempts" binding:"required,min=1"`
	BackoffMs   int64 `json:"backoffMs" binding:"min=0"`
}

type executeBody struct {
	Data map[string]any `json:"data"`
}

type retryResponse struct {
	Retried bool           `json:"retried"`
	Result  api.RunOutcome `json:"result"`
}

func (b workflowBody) toWorkflow() api.Workflow {
	wf := api.Workflow{
		ID:           b.ID,
		Name:         b.Name,
		Description:  b.Description,
		Owner:        b.Owner,
		EntryStepID:  b.EntryStepID,
		ScheduleCron: b.ScheduleCron,
		DataSchema:   b.DataSchema,
		Steps:        make([]api.StepConfig, 0, len(b.Steps)),
	}
	for _, s := range b.Steps {
		step := api.StepConfig{
			ID:            s.ID,
			Name:          s.Name,
			Kind:          s.Kind,
			Ref:           s.Ref,
			Next:          s.Next,
			StopOnFailure: s.StopOnFailure,
			Params:        s.Params,
			Outputs:       s.Outputs,
			Timeout:       time.Duration(s.TimeoutMs) * time.Millisecond,
		}
		if s.Retry != nil {
			step.Retry = &api.RetryPolicy{
				MaxAttempts: s.Retry.MaxAttempts,
				Backoff:     time.Duration(s.Retry.BackoffMs) * time.Millisecond,
			}
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf
}

func workflowToBody(wf api.Workflow) workflowBody {
	b := workflowBody{
		ID:           wf.ID,
		Name:         wf.Name,
		Description:  wf.Description,
		Owner:        wf.Owner,
		EntryStepID:  wf.EntryStepID,
		ScheduleCron: wf.ScheduleCron,
		DataSchema:   wf.DataSchema,
		Steps:        make([]stepBody, 0, len(wf.Steps)),
	}
	if !wf.CreatedAt.IsZero() {
		b.CreatedAt = &wf.CreatedAt
	}
	if !wf.UpdatedAt.IsZero() {
		b.UpdatedAt = &wf.UpdatedAt
	}
	for _, s := range wf.Steps {
		sb := stepBody{
			ID:            s.ID,
			Name:          s.Name,
			Kind:          s.Kind,
			Ref:           s.Ref,
			Next:          s.Next,
			StopOnFailure: s.StopOnFailure,
			Params:        s.Params,
			Outputs:       s.Outputs,
			TimeoutMs:     s.Timeout.Milliseconds(),
		}
		if s.Retry != nil {
			sb.Retry = &retryBody{
				MaxAttempts: s.Retry.MaxAttempts,
				BackoffMs:   s.Retry.Backoff.Milliseconds(),
			}
		}
		b.Steps = append(b.Steps, sb)
	}
	return b
}
