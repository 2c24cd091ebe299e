package stepflow

import (
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// StepOption customizes a step added through FlowBuilder.
type StepOption func(*api.StepConfig)

// Params sets the handler parameters. String values may use templates
// such as {{key}} for handlers that render them.
func Params(params map[string]any) StepOption {
	return func(s *api.StepConfig) {
		s.Params = params
	}
}

// Name sets the display name of the step.
func Name(name string) StepOption {
	return func(s *api.StepConfig) {
		s.Name = name
	}
}

// Next points the step at a successor other than the next one added.
func Next(id string) StepOption {
	return func(s *api.StepConfig) {
		s.Next = id
	}
}

// ContinueOnFailure lets the run skip the step once its retries are
// exhausted.
func ContinueOnFailure() StepOption {
	return func(s *api.StepConfig) {
		f := false
		s.StopOnFailure = &f
	}
}

// Timeout bounds every attempt of the step.
func Timeout(d time.Duration) StepOption {
	return func(s *api.StepConfig) {
		s.Timeout = d
	}
}

// Outputs restricts the data keys the step may write.
func Outputs(keys ...string) StepOption {
	return func(s *api.StepConfig) {
		s.Outputs = append([]string(nil), keys...)
	}
}

// WithRetry sets the retry policy; equivalent to StepWithRetry.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *api.StepConfig) {
		r := p
		s.Retry = &r
	}
}
