package builtin

import (
	"context"
	"log/slog"

	"github.com/petrijr/stepflow/pkg/api"
)

// EmailStub pretends to send an email by logging it. params: to, subject,
// body.
type EmailStub struct {
	Logger *slog.Logger
}

func (e EmailStub) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	to := paramString(params, "to", "")
	if to == "" {
		return api.Failed("missing to"), nil
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("run_id", ec.RunID),
		slog.String("to", to),
		slog.String("subject", paramString(params, "subject", "")),
		slog.String("body", paramString(params, "body", "")),
	)
	return api.Succeeded(nil), nil
}
