// Package skills loads the skill definitions advertised to the agent
// gateway as usable skills.
package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one loadable skill.
type Entry struct {
	Name        string
	Description string
	Content     string
	Metadata    map[string]any
}

// Loader loads skills for a bot.
type Loader interface {
	LoadSkills(ctx context.Context, botID string) ([]Entry, error)
}

// DirLoader reads skills from <root>/<bot_id>/*.md, falling back to
// <root>/*.md shared skills. The file name (without extension) is the
// skill name; a leading "# " heading becomes the description and the rest
// is the content.
type DirLoader struct {
	Root string
}

// LoadSkills implements Loader.
func (l DirLoader) LoadSkills(_ context.Context, botID string) ([]Entry, error) {
	if strings.TrimSpace(l.Root) == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(l.Root, botID, "*.md"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		paths, err = filepath.Glob(filepath.Join(l.Root, "*.md"))
		if err != nil {
			return nil, err
		}
	}

	var entries []Entry
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		entries = append(entries, parseSkill(path, string(data)))
	}
	return entries, nil
}

func parseSkill(path, body string) Entry {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	entry := Entry{Name: name, Content: strings.TrimSpace(body)}

	lines := strings.SplitN(entry.Content, "\n", 2)
	if len(lines) > 0 && strings.HasPrefix(lines[0], "# ") {
		entry.Description = strings.TrimSpace(strings.TrimPrefix(lines[0], "# "))
		if len(lines) == 2 {
			entry.Content = strings.TrimSpace(lines[1])
		} else {
			entry.Content = ""
		}
	}
	return entry
}
