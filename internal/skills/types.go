// Package skills discovers SKILL.md manifests under the skill workspace
// and turns them into system-prompt context and callable tools.
package skills

// ExecutionMode selects how a skill's tool dispatches.
type ExecutionMode string

const (
	// ModeSubprocess runs the skill entrypoint script as a host
	// subprocess.
	ModeSubprocess ExecutionMode = "subprocess"

	// ModeWasm runs the skill's main.wasm module in the embedded
	// runtime.
	ModeWasm ExecutionMode = "wasm"
)

// SkillFilename is the manifest file name inside a skill directory.
const SkillFilename = "SKILL.md"

// Skill is one parsed manifest.
type Skill struct {
	// Name is the unique skill identifier: a single path component of
	// letters, digits, hyphens, and underscores.
	Name string

	// Description explains what the skill does and when to use it.
	Description string

	// Mode selects subprocess or wasm dispatch.
	Mode ExecutionMode

	// Image is an optional container image hint from the manifest.
	Image string

	// Content is the markdown body used as prompt context.
	Content string

	// Path is the manifest file path.
	Path string

	// Dir is the skill directory. Empty for flat <name>.md manifests,
	// which contribute prompt context but no tool.
	Dir string
}

// ToolName returns the registry name for the skill's tool.
func (s *Skill) ToolName() string {
	return "skill." + s.Name
}
