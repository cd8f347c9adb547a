package agent

import (
	"time"
)

// RecordType identifies the kind of episode record.
type RecordType string

const (
	RecordTaskStart    RecordType = "task_start"
	RecordToolCall     RecordType = "tool_call"
	RecordTaskComplete RecordType = "task_complete"
	RecordTaskFailed   RecordType = "task_failed"
)

// EpisodeRecord is one entry in the episodic trace of an invocation.
type EpisodeRecord struct {
	Type      RecordType     `json:"type"`
	Agent     string         `json:"agent"`
	Step      int            `json:"step,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Content   string         `json:"content"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func taskStartRecord(agentName string, task Task) EpisodeRecord {
	return EpisodeRecord{
		Type:      RecordTaskStart,
		Agent:     agentName,
		Content:   task.Description,
		Detail:    map[string]any{"context_keys": len(task.Context)},
		Timestamp: time.Now(),
	}
}

func toolCallRecord(agentName string, res StepResult) EpisodeRecord {
	rec := EpisodeRecord{
		Type:      RecordToolCall,
		Agent:     agentName,
		Step:      res.StepOrdinal,
		Tool:      res.Tool,
		Content:   Truncate(stringify(res.Output), 200),
		Detail:    map[string]any{"success": res.Success, "attempts": res.Attempts, "duration_ms": res.Duration.Milliseconds()},
		Timestamp: time.Now(),
	}
	if res.Error != nil {
		rec.Content = res.Error.Error()
		rec.Detail["error_kind"] = string(res.Error.Kind)
	}
	return rec
}

func finishRecord(res *AgentResult) EpisodeRecord {
	rec := EpisodeRecord{
		Type:      RecordTaskComplete,
		Agent:     res.Agent,
		Content:   Truncate(stringify(res.Output), 200),
		Detail:    map[string]any{"steps": res.Metrics.Steps, "tool_calls": res.Metrics.ToolCalls},
		Timestamp: time.Now(),
	}
	if !res.Success {
		rec.Type = RecordTaskFailed
		if res.Error != nil {
			rec.Content = res.Error.Error()
			rec.Detail["error_kind"] = string(res.Error.Kind)
		}
	}
	return rec
}
