package skill

// RegisterBuiltins adds the skills backed by the builtin tools.
func RegisterBuiltins(mgr *Manager) {
	builtins := []*Skill{
		{
			ID:          "text_analysis",
			Name:        "text_analysis",
			Description: "Measure and inspect text",
			PromptFragment: "You can measure a text with text_stats. " +
				"Bind its text parameter to the output of the step that produced the draft.",
			ToolNames:    []string{"text_stats"},
			Capabilities: []string{"analysis", "review"},
			Source:       "builtin",
		},
		{
			ID:             "relay",
			Name:           "relay",
			Description:    "Pass structured values through unchanged",
			PromptFragment: "Use echo to copy values into the shared context for later steps.",
			ToolNames:      []string{"echo"},
			Capabilities:   []string{"coordination"},
			Source:         "builtin",
		},
		{
			ID:             "clock",
			Name:           "clock",
			Description:    "Read the current time",
			PromptFragment: "Use current_time when the task depends on today's date or time.",
			ToolNames:      []string{"current_time"},
			Capabilities:   []string{"scheduling"},
			Source:         "builtin",
		},
	}
	for _, s := range builtins {
		mgr.Add(s)
	}
}
