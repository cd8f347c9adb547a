package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-crew/internal/tool"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// StepExecutor validates, invokes and retries a single plan step.
type StepExecutor struct {
	gateway ToolGateway
	metrics MetricsSink
	logger  *zap.Logger
}

// NewStepExecutor creates an executor over the given gateway.
func NewStepExecutor(gateway ToolGateway, metrics MetricsSink, logger *zap.Logger) *StepExecutor {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{gateway: gateway, metrics: metrics, logger: logger}
}

// Execute runs step against input under policy. It never returns an error;
// every failure is carried by the StepResult.
func (x *StepExecutor) Execute(ctx context.Context, step PlanStep, input map[string]any, policy RetryPolicy) (res StepResult) {
	start := time.Now()
	res = StepResult{StepOrdinal: step.Ordinal, Tool: step.Tool}
	defer func() { res.Duration = time.Since(start) }()

	if err := validateFields(step.Schema.Input, input, false); err != nil {
		res.Error = &Error{Kind: KindValidationFailed, Step: step.Ordinal, Message: "input: " + err.Error()}
		return res
	}

	if step.Tool == "" {
		res.Success = true
		res.Output = step.Description
		return res
	}

	if !x.gateway.Has(step.Tool) {
		res.Error = &Error{Kind: KindToolNotFound, Step: step.Ordinal, Message: fmt.Sprintf("unknown tool %q", step.Tool)}
		return res
	}

	maxAttempts := policy.attempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		out, err := x.invoke(ctx, step, input)
		if err != nil {
			res.Output = nil
			res.Error = err
			if !err.Kind.Retryable() || attempt == maxAttempts {
				break
			}
			backoff := policy.Delay * time.Duration(attempt)
			x.logger.Debug("retrying step",
				zap.Int("step", step.Ordinal),
				zap.String("tool", step.Tool),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.String("error", err.Message))
			if werr := sleepCtx(ctx, backoff); werr != nil {
				res.Error = timeoutError(ctx, step.Ordinal)
				break
			}
			continue
		}

		if verr := validateOutput(step.Schema.Output, out); verr != nil {
			res.Output = out
			res.Error = &Error{Kind: KindValidationFailed, Step: step.Ordinal, Message: "output: " + verr.Error()}
			break
		}
		res.Success = true
		res.Output = out
		res.Error = nil
		break
	}
	return res
}

// invoke calls the tool once. If ctx ends first the call is abandoned and
// its eventual result discarded.
func (x *StepExecutor) invoke(ctx context.Context, step PlanStep, input map[string]any) (any, *Error) {
	if ctx.Err() != nil {
		return nil, timeoutError(ctx, step.Ordinal)
	}
	start := time.Now()
	done := make(chan tool.Result, 1)
	go func() {
		done <- x.gateway.Execute(ctx, step.Tool, input)
	}()

	select {
	case r := <-done:
		x.metrics.RecordOperation("tool."+step.Tool, time.Since(start))
		if !r.Success {
			msg := r.Error
			if msg == "" {
				msg = "tool reported failure"
			}
			return nil, &Error{Kind: KindToolExecutionFailed, Step: step.Ordinal, Message: msg}
		}
		return r.Result, nil
	case <-ctx.Done():
		x.metrics.RecordOperation("tool."+step.Tool, time.Since(start))
		return nil, timeoutError(ctx, step.Ordinal)
	}
}

func timeoutError(ctx context.Context, step int) *Error {
	msg := "deadline exceeded"
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = "canceled"
	}
	return &Error{Kind: KindTimeout, Step: step, Message: msg, Err: ctx.Err()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateOutput(fields []Field, out any) error {
	if len(fields) == 0 {
		return nil
	}
	m, ok := out.(map[string]any)
	if !ok {
		return fmt.Errorf("expected an object with fields %s, got %T", fieldNames(fields), out)
	}
	return validateFields(fields, m, true)
}

// validateFields checks the declared fields of values against a JSON schema.
// allRequired treats every declared field as required.
func validateFields(fields []Field, values map[string]any, allRequired bool) error {
	if len(fields) == 0 {
		return nil
	}
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	subset := make(map[string]any, len(fields))
	for _, f := range fields {
		prop := map[string]any{}
		if f.Type != TypeAny {
			prop["type"] = string(f.Type)
		}
		props[f.Name] = prop
		if f.Required || allRequired {
			required = append(required, f.Name)
		}
		if v, ok := values[f.Name]; ok {
			subset[f.Name] = v
		}
	}
	schemaMap := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(subset))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

func fieldNames(fields []Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return strings.Join(names, ", ")
}
