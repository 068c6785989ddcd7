package skills

import (
	"bufio"
	"bytes"
	"strings"
)

// frontmatterDelimiter marks the beginning and end of YAML front matter.
const frontmatterDelimiter = "---"

// frontMatter is the YAML header of a skill manifest. All fields are
// optional.
type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Mode        string `yaml:"mode"`
	Image       string `yaml:"image"`
}

// splitFrontmatter separates YAML front matter from the markdown body.
// When the manifest has no front matter, or the opening delimiter is
// never closed, the whole input is returned as body and found is false.
func splitFrontmatter(data []byte) (front, body []byte, found bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, data, false
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, data, false
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), true
}

// parseMode maps a front matter mode value to an ExecutionMode. The
// second return is false when the value is unrecognized, in which case
// the caller should warn and fall back to subprocess.
func parseMode(value string) (ExecutionMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(ModeSubprocess):
		return ModeSubprocess, true
	case string(ModeWasm):
		return ModeWasm, true
	default:
		return ModeSubprocess, false
	}
}

// isValidSkillName reports whether name is a single safe path
// component: letters, digits, hyphens, and underscores only.
func isValidSkillName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
