package agent

import (
	"maps"
	"time"
)

// Task is a natural-language goal plus optional structured context.
// A Task is treated as immutable once handed to a Runtime; use WithContext
// to derive a new one.
type Task struct {
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// NewTask creates a task with no context.
func NewTask(description string) Task {
	return Task{Description: description}
}

// WithContext returns a copy of t whose context also holds extra.
// Keys in extra override existing keys.
func (t Task) WithContext(extra map[string]any) Task {
	out := Task{Description: t.Description, Context: make(map[string]any, len(t.Context)+len(extra))}
	maps.Copy(out.Context, t.Context)
	maps.Copy(out.Context, extra)
	return out
}

// FieldType is a JSON type name accepted in step schemas.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeAny     FieldType = ""
)

// Field declares one named input or output value of a step.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type,omitempty"`
	Required bool      `json:"required,omitempty"`
}

// StepSchema declares the shape a step consumes and produces.
type StepSchema struct {
	Input  []Field `json:"input,omitempty"`
	Output []Field `json:"output,omitempty"`
}

// PlanStep is one unit of planned work. Tool is empty for a step that
// calls no tool.
type PlanStep struct {
	Ordinal     int            `json:"ordinal"`
	Tool        string         `json:"tool,omitempty"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
	// Bindings maps a tool parameter name to a key of the running input context.
	Bindings map[string]string `json:"bindings,omitempty"`
	Schema   StepSchema        `json:"schema,omitempty"`
}

// Produces reports whether the step declares key among its outputs.
func (s PlanStep) Produces(key string) bool {
	for _, f := range s.Schema.Output {
		if f.Name == key {
			return true
		}
	}
	return false
}

// RetryPolicy bounds how often a failing tool call is attempted.
// Delay is multiplied by the attempt number between attempts.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// DefaultRetryPolicy makes a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// StepResult is the outcome of one executed PlanStep. Attempts is cumulative
// across retries, while Output and Error reflect only the latest attempt.
type StepResult struct {
	StepOrdinal int           `json:"step_ordinal"`
	Tool        string        `json:"tool,omitempty"`
	Success     bool          `json:"success"`
	Output      any           `json:"output,omitempty"`
	Error       *Error        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

// State is a position in the per-invocation state machine.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// RunMetrics summarises one invocation.
type RunMetrics struct {
	EpisodeID string        `json:"episode_id"`
	Steps     int           `json:"steps"`
	ToolCalls int           `json:"tool_calls"`
	Retries   int           `json:"retries"`
	Planning  time.Duration `json:"planning"`
	Duration  time.Duration `json:"duration"`
}

// AgentResult is the terminal value of one Runtime invocation.
type AgentResult struct {
	Agent         string       `json:"agent"`
	Success       bool         `json:"success"`
	State         State        `json:"state"`
	Output        any          `json:"output,omitempty"`
	Error         *Error       `json:"error,omitempty"`
	ToolsExecuted []StepResult `json:"tools_executed"`
	Metrics       RunMetrics   `json:"metrics"`
}

// EventType names a state transition reported by ExecuteStream.
type EventType string

const (
	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventStepRetry    EventType = "step_retry"
	EventError        EventType = "error"
	EventComplete     EventType = "complete"
)

// Event is one item of an ExecuteStream sequence. The terminal event
// (EventError or EventComplete) carries the final AgentResult.
type Event struct {
	Type      EventType    `json:"type"`
	Agent     string       `json:"agent"`
	Step      *PlanStep    `json:"step,omitempty"`
	Result    *StepResult  `json:"result,omitempty"`
	Error     *Error       `json:"error,omitempty"`
	Final     *AgentResult `json:"final,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Terminal reports whether e ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
