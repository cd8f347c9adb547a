package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/nidhogg/nuka-crew/internal/planner"
	"github.com/nidhogg/nuka-crew/internal/provider"
	"go.uber.org/zap"
)

// Decomposer splits a task into sub-tasks with required capabilities.
// capabilities is the union of the team's declared capabilities.
type Decomposer interface {
	Decompose(ctx context.Context, task agent.Task, capabilities []string) ([]SubTask, error)
}

// ContextDecomposer reads sub-tasks from task.Context["subtasks"] when
// present, otherwise splits the description on newlines and semicolons.
// Sub-tasks without capabilities get them inferred from their wording.
type ContextDecomposer struct{}

// Decompose implements Decomposer.
func (ContextDecomposer) Decompose(_ context.Context, task agent.Task, capabilities []string) ([]SubTask, error) {
	var subtasks []SubTask
	if raw, ok := task.Context["subtasks"]; ok {
		parsed, err := parseSubTasks(raw)
		if err != nil {
			return nil, err
		}
		subtasks = parsed
	} else {
		for _, part := range splitDescription(task.Description) {
			subtasks = append(subtasks, SubTask{Description: part})
		}
	}
	subtasks = normalizeSubTasks(subtasks, capabilities)
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("task has nothing to decompose")
	}
	return subtasks, nil
}

func parseSubTasks(raw any) ([]SubTask, error) {
	switch v := raw.(type) {
	case []SubTask:
		return append([]SubTask(nil), v...), nil
	case []string:
		out := make([]SubTask, len(v))
		for i, s := range v {
			out[i] = SubTask{Description: s}
		}
		return out, nil
	case []any:
		out := make([]SubTask, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, SubTask{Description: s})
				continue
			}
			b, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("encode subtask: %w", err)
			}
			var st SubTask
			if err := json.Unmarshal(b, &st); err != nil {
				return nil, fmt.Errorf("decode subtask: %w", err)
			}
			out = append(out, st)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("subtasks must be a list, got %T", raw)
	}
}

func splitDescription(desc string) []string {
	fields := strings.FieldsFunc(desc, func(r rune) bool { return r == '\n' || r == ';' })
	var parts []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		f = strings.TrimLeft(f, "-*•0123456789.) ")
		if f != "" {
			parts = append(parts, f)
		}
	}
	return parts
}

// normalizeSubTasks assigns ids, lowercases capabilities and infers missing ones.
func normalizeSubTasks(subtasks []SubTask, known []string) []SubTask {
	out := make([]SubTask, 0, len(subtasks))
	for i, st := range subtasks {
		st.Description = strings.TrimSpace(st.Description)
		if st.Description == "" {
			continue
		}
		if st.ID == "" {
			st.ID = fmt.Sprintf("st-%d", i+1)
		}
		if len(st.Capabilities) == 0 {
			st.Capabilities = inferCapabilities(st.Description, known)
		} else {
			st.Capabilities = capabilitySet(st.Capabilities)
		}
		out = append(out, st)
	}
	return out
}

// LLMDecomposer asks a model to decompose the task and falls back to
// ContextDecomposer when the model is unavailable or its reply unusable.
type LLMDecomposer struct {
	chat     planner.Chatter
	agent    string
	model    string
	fallback ContextDecomposer
	logger   *zap.Logger
}

// NewLLMDecomposer creates a model-backed decomposer. Requests are routed as
// agentName, so provider bindings apply.
func NewLLMDecomposer(chat planner.Chatter, agentName, model string, logger *zap.Logger) *LLMDecomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMDecomposer{chat: chat, agent: agentName, model: model, logger: logger}
}

const decomposePrompt = `Split the task into independent sub-tasks for a team.
Team capabilities: %s

Task: %s

Reply with JSON only:
{"subtasks":[{"description":"...","capabilities":["..."]}]}
Only use capabilities from the list above.`

// Decompose implements Decomposer.
func (d *LLMDecomposer) Decompose(ctx context.Context, task agent.Task, capabilities []string) ([]SubTask, error) {
	if _, ok := task.Context["subtasks"]; ok {
		return d.fallback.Decompose(ctx, task, capabilities)
	}

	req := &provider.ChatRequest{
		Model:     d.model,
		Messages:  []provider.Message{provider.User(fmt.Sprintf(decomposePrompt, strings.Join(capabilities, ", "), task.Description))},
		MaxTokens: 1024,
	}
	resp, err := d.chat.Route(ctx, d.agent, req)
	if err != nil {
		d.logger.Warn("decompose request failed, using fallback", zap.Error(err))
		return d.fallback.Decompose(ctx, task, capabilities)
	}

	var parsed struct {
		SubTasks []SubTask `json:"subtasks"`
	}
	raw := planner.ExtractJSON(resp.Content)
	if raw == "" || json.Unmarshal([]byte(raw), &parsed) != nil {
		d.logger.Warn("unusable decomposition, using fallback")
		return d.fallback.Decompose(ctx, task, capabilities)
	}
	subtasks := normalizeSubTasks(parsed.SubTasks, capabilities)
	if len(subtasks) == 0 {
		d.logger.Warn("empty decomposition, using fallback")
		return d.fallback.Decompose(ctx, task, capabilities)
	}
	return subtasks, nil
}
