package skill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFromDir scans dir for skill plugin subdirectories. Each holds a
// skill.json and optionally a prompt.md that overrides prompt_fragment.
// A missing dir yields no skills and no error.
func LoadFromDir(dir string) ([]*Skill, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", dir, err)
	}

	var skills []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := loadSkillFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading skill %s: %w", entry.Name(), err)
		}
		if s != nil {
			skills = append(skills, s)
		}
	}
	return skills, nil
}

func loadSkillFromSubdir(dir string) (*Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, "skill.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill.json: %w", err)
	}

	var s Skill
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing skill.json in %s: %w", dir, err)
	}
	if s.ID == "" {
		s.ID = filepath.Base(dir)
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	s.Source = "plugin"

	if prompt, err := os.ReadFile(filepath.Join(dir, "prompt.md")); err == nil {
		s.PromptFragment = strings.TrimSpace(string(prompt))
	}
	return &s, nil
}
