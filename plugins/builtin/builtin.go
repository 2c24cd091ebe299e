// Package builtin provides the step handlers every stepflow deployment
// registers at startup.
package builtin

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// Refs of the builtin handlers.
const (
	RefWebhook     = "http.webhook"
	RefDelay       = "utils.delay"
	RefLog         = "utils.log"
	RefDataMerge   = "data.merge"
	RefConditional = "flow.conditional"
	RefEmailStub   = "email.stub"
	RefHTTPRequest = "http.request"
	RefSlack       = "slack.webhook"
)

const (
	httpRequestTimeout = 10 * time.Second
	slackTimeout       = 7 * time.Second
)

// Registrar is the part of the engine registry Register needs.
type Registrar interface {
	Register(ref string, h api.StepHandler) error
}

// Options tunes the builtin handlers.
type Options struct {
	// HTTPClient is used by http.request and slack.webhook. Per-handler
	// timeouts are applied on top of it.
	HTTPClient *http.Client

	// Logger receives email.stub output.
	Logger *slog.Logger
}

// Register binds every builtin handler on reg.
func Register(reg Registrar) error {
	return RegisterWith(reg, Options{})
}

// RegisterWith is Register with explicit options.
func RegisterWith(reg Registrar, opts Options) error {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	handlers := []struct {
		ref string
		h   api.StepHandler
	}{
		{RefWebhook, WebhookTrigger{}},
		{RefDelay, Delay{}},
		{RefLog, Log{}},
		{RefDataMerge, DataMerge{}},
		{RefConditional, Conditional{}},
		{RefEmailStub, EmailStub{Logger: opts.Logger}},
		{RefHTTPRequest, HTTPRequest{Client: opts.HTTPClient, Timeout: httpRequestTimeout}},
		{RefSlack, SlackWebhook{Client: opts.HTTPClient, Timeout: slackTimeout}},
	}
	for _, b := range handlers {
		if err := reg.Register(b.ref, b.h); err != nil {
			return fmt.Errorf("register builtin %s: %w", b.ref, err)
		}
	}
	return nil
}

func paramString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// paramNumber reads a numeric param given as a number or a numeric string.
func paramNumber(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("param %q: expected a number, got %T", key, v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
