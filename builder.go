package stepflow

import (
	"context"
	"fmt"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows:
//
//	wf := stepflow.New("notify-signup").
//	    Trigger("hook", "http.webhook").
//	    Step("greet", "data.merge", stepflow.Params(map[string]any{
//	        "items": map[string]any{"greeting": "hello"},
//	    })).
//	    StepWithRetry("post", "http.request", stepflow.Retry(3).WithBackoff(time.Second).Policy(),
//	        stepflow.Params(map[string]any{"url": "https://example.com/{{greeting}}"})).
//	    MustBuild()
//
// Steps are chained in the order they are added unless a step sets Next
// explicitly. The first step added is the entry step.
type FlowBuilder struct {
	wf api.Workflow

	// explicitNext marks steps whose Next was set by the caller.
	explicitNext map[string]bool
}

// New creates a new workflow builder. id is also used as the name until
// Named is called.
func New(id string) *FlowBuilder {
	if id == "" {
		panic("stepflow: workflow id must not be empty")
	}
	return &FlowBuilder{
		wf: api.Workflow{
			ID:    id,
			Name:  id,
			Steps: make([]api.StepConfig, 0),
		},
		explicitNext: make(map[string]bool),
	}
}

// ID returns the workflow id.
func (b *FlowBuilder) ID() string {
	return b.wf.ID
}

func (b *FlowBuilder) Named(name string) *FlowBuilder {
	b.wf.Name = name
	return b
}

func (b *FlowBuilder) Describe(description string) *FlowBuilder {
	b.wf.Description = description
	return b
}

// OwnedBy sets the user scheduled and webhook runs execute as.
func (b *FlowBuilder) OwnedBy(owner string) *FlowBuilder {
	b.wf.Owner = owner
	return b
}

// Schedule sets a standard 5-field cron expression.
func (b *FlowBuilder) Schedule(cron string) *FlowBuilder {
	b.wf.ScheduleCron = cron
	return b
}

// Typed declares the type of a run data key.
func (b *FlowBuilder) Typed(key string, t DataType) *FlowBuilder {
	if b.wf.DataSchema == nil {
		b.wf.DataSchema = make(api.DataSchema)
	}
	b.wf.DataSchema[key] = t
	return b
}

// Trigger appends a TRIGGER step.
func (b *FlowBuilder) Trigger(id, ref string, opts ...StepOption) *FlowBuilder {
	return b.add(api.StepKindTrigger, id, ref, nil, opts)
}

// Step appends an ACTION step.
func (b *FlowBuilder) Step(id, ref string, opts ...StepOption) *FlowBuilder {
	return b.add(api.StepKindAction, id, ref, nil, opts)
}

// StepWithRetry appends an ACTION step that uses the given retry policy.
func (b *FlowBuilder) StepWithRetry(id, ref string, retry RetryPolicy, opts ...StepOption) *FlowBuilder {
	// Copy so later changes to the caller's policy do not leak in.
	r := retry
	return b.add(api.StepKindAction, id, ref, &r, opts)
}

func (b *FlowBuilder) add(kind api.StepKind, id, ref string, retry *api.RetryPolicy, opts []StepOption) *FlowBuilder {
	if id == "" {
		panic("stepflow: step id must not be empty")
	}
	if ref == "" {
		panic(fmt.Sprintf("stepflow: step %q has no handler ref", id))
	}

	step := api.StepConfig{ID: id, Kind: kind, Ref: ref, Retry: retry}
	for _, opt := range opts {
		opt(&step)
	}
	if step.Next != "" {
		b.explicitNext[id] = true
	}

	if n := len(b.wf.Steps); n > 0 {
		prev := &b.wf.Steps[n-1]
		if !b.explicitNext[prev.ID] {
			prev.Next = id
		}
	} else {
		b.wf.EntryStepID = id
	}

	b.wf.Steps = append(b.wf.Steps, step)
	return b
}

// Build validates the chain and returns a copy of the workflow. Handler
// refs are not checked; use ValidateWorkflow against a Registry for that.
func (b *FlowBuilder) Build() (Workflow, error) {
	wf := b.wf
	wf.Steps = append([]api.StepConfig(nil), b.wf.Steps...)
	if b.wf.DataSchema != nil {
		wf.DataSchema = make(api.DataSchema, len(b.wf.DataSchema))
		for k, v := range b.wf.DataSchema {
			wf.DataSchema[k] = v
		}
	}
	if err := engine.ValidateWorkflow(wf, nil); err != nil {
		return Workflow{}, fmt.Errorf("stepflow: workflow %q: %w", wf.ID, err)
	}
	return wf, nil
}

// MustBuild is like Build but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustBuild() Workflow {
	wf, err := b.Build()
	if err != nil {
		panic(err)
	}
	return wf
}

// Save builds the workflow and stores it.
func (b *FlowBuilder) Save(ctx context.Context, p Persistence) (Workflow, error) {
	wf, err := b.Build()
	if err != nil {
		return Workflow{}, err
	}
	if err := p.Workflows.SaveWorkflow(ctx, wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}
