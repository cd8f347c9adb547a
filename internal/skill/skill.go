package skill

// Skill is a named bundle of tools and capability tags an agent can declare.
// The prompt fragment is handed to model-backed planners as guidance.
type Skill struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	PromptFragment string   `json:"prompt_fragment,omitempty"`
	ToolNames      []string `json:"tool_names"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Source         string   `json:"source"` // "builtin", "plugin"
}
