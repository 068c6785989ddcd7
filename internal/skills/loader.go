package skills

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader discovers skill manifests under a workspace directory.
//
// Two layouts are recognized: a directory with a SKILL.md manifest,
// which yields a skill named after the directory, and a flat <name>.md
// file at the workspace root, which yields a prompt-only skill.
type Loader struct {
	workspace string
	logger    *slog.Logger
}

// NewLoader creates a loader rooted at workspace.
func NewLoader(workspace string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		workspace: filepath.Clean(workspace),
		logger:    logger.With("component", "skills"),
	}
}

// Workspace returns the loader's root directory.
func (l *Loader) Workspace() string {
	return l.workspace
}

// Discover walks the workspace and parses every manifest it finds.
// A missing workspace is not an error. Manifests that fail to parse
// are logged and skipped. When two manifests produce the same name
// the first one found wins.
func (l *Loader) Discover(ctx context.Context) ([]*Skill, error) {
	if _, err := os.Stat(l.workspace); err != nil {
		if os.IsNotExist(err) {
			l.logger.Debug("skill workspace does not exist", "workspace", l.workspace)
			return nil, nil
		}
		return nil, fmt.Errorf("stat workspace: %w", err)
	}

	byName := make(map[string]*Skill)
	var skills []*Skill

	record := func(skill *Skill) {
		if prev, ok := byName[skill.Name]; ok {
			l.logger.Warn("duplicate skill name, keeping first",
				"skill", skill.Name,
				"kept", prev.Path,
				"ignored", skill.Path)
			return
		}
		byName[skill.Name] = skill
		skills = append(skills, skill)
	}

	err := filepath.WalkDir(l.workspace, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			l.logger.Warn("skill walk error", "path", path, "error", walkErr)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		switch {
		case d.Name() == SkillFilename:
			dir := filepath.Dir(path)
			skill, err := l.loadManifest(path, filepath.Base(dir), dir)
			if err != nil {
				l.logger.Warn("skipping skill manifest", "path", path, "error", err)
				return nil
			}
			record(skill)
		case filepath.Dir(path) == l.workspace && strings.HasSuffix(d.Name(), ".md"):
			name := strings.TrimSuffix(d.Name(), ".md")
			skill, err := l.loadManifest(path, name, "")
			if err != nil {
				l.logger.Warn("skipping skill manifest", "path", path, "error", err)
				return nil
			}
			record(skill)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(skills, func(i, j int) bool {
		return skills[i].Name < skills[j].Name
	})
	return skills, nil
}

// loadManifest parses one manifest file. The skill name comes from the
// front matter when present, otherwise from fallbackName.
func (l *Loader) loadManifest(path, fallbackName, dir string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	front, body, _ := splitFrontmatter(data)

	var meta frontMatter
	if len(front) > 0 {
		if err := yaml.Unmarshal(front, &meta); err != nil {
			return nil, fmt.Errorf("parse front matter: %w", err)
		}
	}

	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = fallbackName
	}
	if !isValidSkillName(name) {
		return nil, fmt.Errorf("invalid skill name %q", name)
	}

	mode, ok := parseMode(meta.Mode)
	if !ok {
		l.logger.Warn("unknown skill execution mode, defaulting to subprocess",
			"skill", name, "mode", meta.Mode)
	}

	return &Skill{
		Name:        name,
		Description: strings.TrimSpace(meta.Description),
		Mode:        mode,
		Image:       strings.TrimSpace(meta.Image),
		Content:     strings.TrimSpace(string(body)),
		Path:        path,
		Dir:         dir,
	}, nil
}

// PromptBlock renders the skills as a system-prompt section. Returns
// an empty string when there are no skills.
func PromptBlock(skills []*Skill) string {
	if len(skills) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Available Skills\n\n")
	for _, skill := range skills {
		b.WriteString("### Skill: ")
		b.WriteString(skill.Name)
		b.WriteString("\n\n")
		if skill.Content != "" {
			b.WriteString(skill.Content)
		} else {
			b.WriteString(skill.Description)
		}
		b.WriteString("\n\n")
	}
	return b.String()
}
