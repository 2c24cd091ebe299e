// Package template renders step params against the run data.
//
// Strings are Mustache templates over the data map, e.g. "{{user.email}}".
// Values are HTML-escaped the way Mustache does it; use "{{{name}}}" or
// "{{& name}}" for raw output. Keys missing from the data render as empty
// strings, and so do dotted lookups through non-map values.
package template

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cbroglie/mustache"
)

// ErrTemplate wraps every parse or render failure.
var ErrTemplate = errors.New("template render error")

// Render renders a single template string.
func Render(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	if data == nil {
		data = map[string]any{}
	}

	tmpl, err := mustache.ParseString(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	out, err := tmpl.Render(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return out, nil
}

// RenderParams walks params and renders every string it finds, inside maps
// and slices alike. Other values are returned unchanged. The input is not
// modified.
func RenderParams(params any, data map[string]any) (any, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case string:
		return Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := RenderParams(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := RenderParams(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			r, err := Render(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			r, err := Render(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	default:
		return params, nil
	}
}

// RenderMap is RenderParams for the common top-level params map.
func RenderMap(params map[string]any, data map[string]any) (map[string]any, error) {
	out, err := RenderParams(params, data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out.(map[string]any), nil
}
