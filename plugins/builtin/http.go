package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/stepflow/internal/template"
	"github.com/petrijr/stepflow/pkg/api"
)

// maxResponseBody caps how much of a response body is read into the run
// data.
const maxResponseBody = 1 << 20

// HTTPRequest calls an HTTP endpoint. params: method (default GET), url,
// headers, body. String params are rendered against the run data. The
// result carries httpStatus and httpData.
type HTTPRequest struct {
	Client  *http.Client
	Timeout time.Duration
}

func (h HTTPRequest) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	p, err := template.RenderMap(params, ec.Data)
	if err != nil {
		return api.Failed(err.Error()), nil
	}

	method := strings.ToUpper(paramString(p, "method", http.MethodGet))
	url := paramString(p, "url", "")
	if url == "" {
		return api.Failed("missing url"), nil
	}

	body, contentType, err := encodeBody(p["body"])
	if err != nil {
		return api.Failed(err.Error()), nil
	}

	ctx, cancel := withTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return api.Failed(err.Error()), nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := setHeaders(req, p["headers"]); err != nil {
		return api.Failed(err.Error()), nil
	}

	resp, err := client(h.Client).Do(req)
	if err != nil {
		return api.Failed(err.Error()), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return api.Failed(fmt.Sprintf("read response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return api.Failed(fmt.Sprintf("request failed with status code %d", resp.StatusCode)), nil
	}

	return api.Succeeded(map[string]any{
		"httpStatus": resp.StatusCode,
		"httpData":   decodeBody(raw),
	}), nil
}

// SlackWebhook posts {text, attachments} to a Slack incoming webhook.
// params: url, text, attachments. String params are rendered against the
// run data.
type SlackWebhook struct {
	Client  *http.Client
	Timeout time.Duration
}

func (s SlackWebhook) Run(ctx context.Context, ec *api.ExecutionContext, params map[string]any) (api.StepResult, error) {
	p, err := template.RenderMap(params, ec.Data)
	if err != nil {
		return api.Failed(err.Error()), nil
	}

	url := paramString(p, "url", "")
	if url == "" {
		return api.Failed("missing url"), nil
	}

	payload := map[string]any{"text": paramString(p, "text", "")}
	if att, ok := p["attachments"]; ok && att != nil {
		payload["attachments"] = att
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return api.Failed(err.Error()), nil
	}

	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return api.Failed(err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client(s.Client).Do(req)
	if err != nil {
		return api.Failed(err.Error()), nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 400 {
		return api.Failed(fmt.Sprintf("request failed with status code %d", resp.StatusCode)), nil
	}
	return api.Succeeded(nil), nil
}

func client(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// encodeBody sends strings as-is and everything else as JSON.
func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

func setHeaders(req *http.Request, v any) error {
	switch hs := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, val := range hs {
			req.Header.Set(k, fmt.Sprint(val))
		}
		return nil
	case map[string]string:
		for k, val := range hs {
			req.Header.Set(k, val)
		}
		return nil
	default:
		return fmt.Errorf("headers must be an object, got %T", v)
	}
}

// decodeBody returns the JSON value of raw, or raw as a string if it is not
// JSON.
func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
