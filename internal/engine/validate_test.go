package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepflow/pkg/api"
)

func TestValidateChain(t *testing.T) {
	acyclic := chain("wf", api.StepConfig{ID: "a"}, api.StepConfig{ID: "b"})
	assert.NoError(t, ValidateChain(acyclic))

	selfLoop := chain("wf", api.StepConfig{ID: "a", Next: "a"})
	assert.ErrorIs(t, ValidateChain(selfLoop), api.ErrCycleDetected)

	longLoop := chain("wf", api.StepConfig{ID: "a"}, api.StepConfig{ID: "b"}, api.StepConfig{ID: "c", Next: "b"})
	assert.ErrorIs(t, ValidateChain(longLoop), api.ErrCycleDetected)

	dangling := chain("wf", api.StepConfig{ID: "a", Next: "ghost"})
	assert.NoError(t, ValidateChain(dangling), "dangling pointers are reported at run time")
}

func TestValidateWorkflow(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("http.webhook", noop())
	reg.MustRegister("utils.log", noop())

	valid := chain("wf",
		api.StepConfig{ID: "hook", Kind: api.StepKindTrigger, Ref: "http.webhook"},
		api.StepConfig{ID: "log", Ref: "utils.log"},
	)
	valid.ScheduleCron = "*/5 * * * *"
	require.NoError(t, ValidateWorkflow(valid, reg))

	bad := api.Workflow{
		EntryStepID:  "missing",
		ScheduleCron: "not a cron",
		Steps: []api.StepConfig{
			{ID: "a", Kind: api.StepKindAction, Ref: "unknown", Next: "ghost"},
			{ID: "a", Kind: "WEIRD", Ref: "utils.log", Retry: &api.RetryPolicy{MaxAttempts: 0}},
		},
	}
	err := ValidateWorkflow(bad, reg)
	require.Error(t, err)

	assert.True(t, errors.Is(err, api.ErrHandlerNotFound))
	assert.True(t, errors.Is(err, api.ErrStepNotFound))
	for _, want := range []string{"workflow id is required", "duplicate id", "unknown kind", "maxAttempts", "scheduleCron"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateWorkflow_WithoutRegistrySkipsRefs(t *testing.T) {
	wf := chain("wf", api.StepConfig{ID: "a", Ref: "whatever"})
	assert.NoError(t, ValidateWorkflow(wf, nil))
}
