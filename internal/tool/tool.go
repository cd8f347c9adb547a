package tool

import "context"

// Result is the uniform outcome of a tool call. Failures are reported in
// Error with Success false; tools never signal failure any other way.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps a successful output.
func OK(v any) Result { return Result{Success: true, Result: v} }

// Fail wraps a failure message.
func Fail(msg string) Result { return Result{Error: msg} }

// Tool is a named capability invoked with JSON-like parameters.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any) Result
}

// HandlerFunc is the function form of a tool body.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

type funcTool struct {
	name, desc string
	fn         HandlerFunc
}

// Func builds a Tool from a handler; a returned error becomes a failed Result.
func Func(name, description string, fn HandlerFunc) Tool {
	return &funcTool{name: name, desc: description, fn: fn}
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.desc }

func (t *funcTool) Execute(ctx context.Context, params map[string]any) Result {
	out, err := t.fn(ctx, params)
	if err != nil {
		return Fail(err.Error())
	}
	return OK(out)
}
