package builtin

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// WebhookTrigger is the entry step of webhook-triggered workflows. The
// request body is already the run's initial data, so it does nothing.
type WebhookTrigger struct{}

func (WebhookTrigger) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	return api.Succeeded(nil), nil
}

// Delay waits for params.ms milliseconds.
type Delay struct{}

func (Delay) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	ms, err := paramNumber(params, "ms")
	if err != nil {
		return api.Failed(err.Error()), nil
	}
	if ms <= 0 {
		return api.Succeeded(nil), nil
	}

	t := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return api.StepResult{}, ctx.Err()
	case <-t.C:
		return api.Succeeded(nil), nil
	}
}

// Log appends params.message to the run log along with a snapshot of the
// run data.
type Log struct{}

func (Log) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	msg := paramString(params, "message", "log")
	ec.Log(api.LevelInfo, "", msg, map[string]any{"data": api.CopyData(ec.Data)})
	return api.Succeeded(nil), nil
}

// DataMerge merges params.items into the run data.
type DataMerge struct{}

func (DataMerge) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	raw, ok := params["items"]
	if !ok || raw == nil {
		return api.Succeeded(nil), nil
	}
	items, ok := raw.(map[string]any)
	if !ok {
		return api.Failed(fmt.Sprintf("items must be an object, got %T", raw)), nil
	}
	return api.Succeeded(api.CopyData(items)), nil
}

// Conditional succeeds iff data[params.field] equals params.equals. Combine
// it with stopOnFailure=false to skip a branch instead of failing the run.
type Conditional struct{}

func (Conditional) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	field := paramString(params, "field", "")
	actual := ec.Data[field]
	if !equalValues(actual, params["equals"]) {
		return api.StepResult{OK: false, Error: fmt.Sprintf("%s is %v, want %v", field, actual, params["equals"])}, nil
	}
	return api.Succeeded(nil), nil
}

// equalValues compares numbers by value whatever their Go type, since data
// decoded from JSON holds float64 while params may hold ints.
func equalValues(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}
