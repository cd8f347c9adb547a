package tool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins adds the default tools to a registry.
func RegisterBuiltins(reg *Registry) {
	reg.Register(Func("current_time", "Get the current time in RFC3339",
		func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"time": time.Now().Format(time.RFC3339)}, nil
		}))

	reg.Register(Func("echo", "Return the given parameters unchanged",
		func(ctx context.Context, params map[string]any) (any, error) {
			out := make(map[string]any, len(params))
			for k, v := range params {
				out[k] = v
			}
			return out, nil
		}))

	reg.Register(Func("text_stats", "Count words and lines of a text",
		func(ctx context.Context, params map[string]any) (any, error) {
			text, ok := params["text"].(string)
			if !ok {
				return nil, fmt.Errorf("text must be a string")
			}
			return map[string]any{
				"words": len(strings.Fields(text)),
				"lines": strings.Count(text, "\n") + 1,
				"chars": len(text),
			}, nil
		}))
}
