package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

// Chatter routes a chat request on behalf of an agent.
type Chatter interface {
	Route(ctx context.Context, agentName string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Describer looks up a tool's human-readable description.
type Describer func(name string) string

// LLM asks a language model for a JSON plan.
type LLM struct {
	chat     Chatter
	agent    string
	model    string
	describe Describer
	guidance string
	logger   *zap.Logger
}

// NewLLM creates a model-backed planner for one agent. describe may be nil.
func NewLLM(chat Chatter, agentName, model string, describe Describer, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{chat: chat, agent: agentName, model: model, describe: describe, logger: logger}
}

const planPrompt = `You are the planner of agent %q. Break the task into ordered steps.
Each step either calls exactly one of the available tools or has an empty tool.

Available tools:
%s
Task: %s
%s
Reply with JSON only:
{"steps":[{"ordinal":1,"tool":"name","description":"what this step does","params":{},"bindings":{"param":"context_key"}}]}`

// SetGuidance sets text sent as a system message ahead of every plan
// request, typically the agent's skill prompt.
func (p *LLM) SetGuidance(text string) {
	p.guidance = text
}

// Plan requests a plan and parses it.
func (p *LLM) Plan(ctx context.Context, task agent.Task, tools []string) ([]agent.PlanStep, error) {
	var toolList strings.Builder
	if len(tools) == 0 {
		toolList.WriteString("- (none)\n")
	}
	for _, t := range tools {
		desc := ""
		if p.describe != nil {
			desc = p.describe(t)
		}
		fmt.Fprintf(&toolList, "- %s: %s\n", t, desc)
	}
	var ctxLine string
	if len(task.Context) > 0 {
		b, _ := json.Marshal(task.Context)
		ctxLine = "Context: " + string(b) + "\n"
	}

	var msgs []provider.Message
	if p.guidance != "" {
		msgs = append(msgs, provider.System(p.guidance))
	}
	msgs = append(msgs, provider.User(fmt.Sprintf(planPrompt, p.agent, toolList.String(), task.Description, ctxLine)))

	req := &provider.ChatRequest{
		Model:     p.model,
		Messages:  msgs,
		MaxTokens: 1024,
	}
	resp, err := p.chat.Route(ctx, p.agent, req)
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}

	steps, err := ParsePlan(resp.Content)
	if err != nil {
		p.logger.Warn("unusable plan from model",
			zap.String("agent", p.agent),
			zap.String("reply", agent.Truncate(resp.Content, 200)),
			zap.Error(err))
		return nil, err
	}
	return steps, nil
}

// ParsePlan decodes a model reply into plan steps. The reply may wrap the
// JSON in a code fence or surrounding prose, and may be either an object
// with a "steps" array or a bare array. Missing ordinals are numbered by
// position.
func ParsePlan(reply string) ([]agent.PlanStep, error) {
	raw := ExtractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("no JSON found in reply")
	}

	var steps []agent.PlanStep
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &steps); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	} else {
		var wrapped struct {
			Steps []agent.PlanStep `json:"steps"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		steps = wrapped.Steps
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	for i := range steps {
		if steps[i].Ordinal == 0 {
			steps[i].Ordinal = i + 1
		}
	}
	return steps, nil
}

// ExtractJSON returns the outermost JSON object or array in s, or "".
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open, closer := s[start], byte('}')
	if open == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}
