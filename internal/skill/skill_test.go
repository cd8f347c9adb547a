package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerAssign(t *testing.T) {
	mgr := NewManager()
	mgr.Add(&Skill{ID: "s1", Name: "search", Source: "builtin"})
	mgr.Add(&Skill{ID: "s2", Name: "memory", Source: "builtin"})

	require.NoError(t, mgr.Assign("agent-1", "s1", "s2"))
	require.NoError(t, mgr.Assign("agent-1", "s1"))
	require.NoError(t, mgr.Assign("agent-2", "s1"))

	assert.Len(t, mgr.AgentSkills("agent-1"), 2)
	assert.Len(t, mgr.AgentSkills("agent-2"), 1)
	assert.Empty(t, mgr.AgentSkills("agent-3"))

	err := mgr.Assign("agent-3", "s1", "nope")
	assert.ErrorContains(t, err, `unknown skill "nope"`)
	assert.Empty(t, mgr.AgentSkills("agent-3"))
}

func TestResolve(t *testing.T) {
	mgr := NewManager()
	mgr.Add(&Skill{ID: "a", Name: "a", ToolNames: []string{"search", "fetch"}, Capabilities: []string{"Research"}})
	mgr.Add(&Skill{ID: "b", Name: "b", ToolNames: []string{"fetch", "write"}, Capabilities: []string{"research", " writing "}, PromptFragment: "Write well."})
	require.NoError(t, mgr.Assign("w", "a", "b"))

	r := mgr.Resolve("w")
	assert.Equal(t, []string{"search", "fetch", "write"}, r.Tools)
	assert.Equal(t, []string{"research", "writing"}, r.Capabilities)
	assert.Contains(t, r.Prompt, "## Available Skills")
	assert.Contains(t, r.Prompt, "Write well.")

	assert.Equal(t, Resolved{}, mgr.Resolve("nobody"))
}

func TestBuiltinsUseBuiltinTools(t *testing.T) {
	mgr := NewManager()
	RegisterBuiltins(mgr)

	ids := make([]string, 0)
	for _, s := range mgr.All() {
		ids = append(ids, s.ID)
		assert.NotEmpty(t, s.ToolNames)
		assert.Equal(t, "builtin", s.Source)
	}
	assert.Equal(t, []string{"clock", "relay", "text_analysis"}, ids)
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	plugin := filepath.Join(dir, "summarize")
	require.NoError(t, os.MkdirAll(plugin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plugin, "skill.json"),
		[]byte(`{"description":"Summaries","tool_names":["text_stats"],"capabilities":["writing"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(plugin, "prompt.md"), []byte("  Keep it short.\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))

	skills, err := LoadFromDir(dir)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "summarize", skills[0].ID)
	assert.Equal(t, "summarize", skills[0].Name)
	assert.Equal(t, "plugin", skills[0].Source)
	assert.Equal(t, "Keep it short.", skills[0].PromptFragment)

	skills, err = LoadFromDir(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Nil(t, skills)
}

func TestLoadFromDirBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad", "skill.json"), []byte("{"), 0o644))

	_, err := LoadFromDir(dir)
	assert.Error(t, err)
}
