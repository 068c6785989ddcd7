package agent

import "strings"

// DefaultSystemPrompt is the base persona used when the config does not
// override it.
const DefaultSystemPrompt = `You are valet, an OS gateway agent.
You can interact with the operating system through available tools.
Be helpful, concise, and safe. Always confirm before running potentially destructive commands.`

// BuildSystemPrompt assembles the system prompt for one turn: the base
// persona followed by the skill context block, when present.
func BuildSystemPrompt(persona, skillBlock string) string {
	if persona == "" {
		persona = DefaultSystemPrompt
	}
	skillBlock = strings.TrimSpace(skillBlock)
	if skillBlock == "" {
		return persona
	}
	return persona + "\n\n" + skillBlock
}
