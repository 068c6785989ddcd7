package sessions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/valet/pkg/models"
)

// DefaultOutputCap bounds the tool-result content handed to a provider.
// The persisted log keeps the full content.
const DefaultOutputCap = 10000

// DefaultWindowChars bounds the total history size loaded for one turn.
const DefaultWindowChars = 600000

// strippedDataNote replaces inline base64 payloads in tool results before
// they reach a provider.
const strippedDataNote = "Image data captured successfully. Base64 data omitted from context."

// SanitizeHistory rewrites a history window into the form providers accept:
//
//  1. Assistant messages whose tool calls have no matching result later in
//     the window lose the calls, or are dropped entirely when they carry no
//     text.
//  2. Tool results whose call is not present in the window are dropped.
//  3. Consecutive results for the same call collapse into the last one.
//  4. Tool-result content is reduced: top-level data_b64 fields are replaced
//     with a note and the remainder is truncated at the output cap.
//
// The rewrite is idempotent and never mutates the input messages. It is
// applied on every provider request, which also covers provider switches
// mid-session: a prior provider's orphan tool-call blocks never leave the
// store.
func SanitizeHistory(history []*models.Message, outputCap int) []*models.Message {
	if outputCap <= 0 {
		outputCap = DefaultOutputCap
	}

	// Pass 1: keep assistant tool-call messages only when every call has a
	// result somewhere after it. Calls on surviving messages stay referenced.
	referenced := map[string]bool{}
	kept := make([]*models.Message, 0, len(history))
	for i, msg := range history {
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			kept = append(kept, msg)
			continue
		}
		complete := true
		for _, call := range msg.ToolCalls {
			if !hasResultAfter(history, i, call.ID) {
				complete = false
				break
			}
		}
		if complete {
			for _, call := range msg.ToolCalls {
				referenced[call.ID] = true
			}
			kept = append(kept, msg)
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		clone := *msg
		clone.ToolCalls = nil
		kept = append(kept, &clone)
	}

	// Pass 2: drop results whose call did not survive, so the collapse in
	// pass 3 sees the final adjacency.
	filtered := kept[:0:0]
	for _, msg := range kept {
		if msg.Role == models.RoleTool && !referenced[msg.ToolCallID] {
			continue
		}
		filtered = append(filtered, msg)
	}

	// Pass 3: collapse consecutive results for the same call into the last
	// one and reduce result content.
	out := make([]*models.Message, 0, len(filtered))
	for i, msg := range filtered {
		if msg.Role != models.RoleTool {
			out = append(out, msg)
			continue
		}
		if i+1 < len(filtered) {
			next := filtered[i+1]
			if next.Role == models.RoleTool && next.ToolCallID == msg.ToolCallID {
				continue
			}
		}
		reduced := reduceToolContent(msg.Content, outputCap)
		if reduced == msg.Content {
			out = append(out, msg)
			continue
		}
		clone := *msg
		clone.Content = reduced
		out = append(out, &clone)
	}
	return out
}

func hasResultAfter(history []*models.Message, index int, callID string) bool {
	for _, msg := range history[index+1:] {
		if msg.Role == models.RoleTool && msg.ToolCallID == callID {
			return true
		}
	}
	return false
}

// reduceToolContent strips embedded base64 payloads and truncates the rest
// at the cap, keeping the final length at or under the cap so reapplying is
// a no-op.
func reduceToolContent(content string, outputCap int) string {
	content = stripEmbeddedData(content)
	runes := []rune(content)
	if len(runes) <= outputCap {
		return content
	}
	marker := []rune(fmt.Sprintf("\n...[output truncated: %d chars omitted]", len(runes)-outputCap))
	if len(marker) >= outputCap {
		return string(runes[:outputCap])
	}
	return string(runes[:outputCap-len(marker)]) + string(marker)
}

func stripEmbeddedData(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return content
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return content
	}
	if _, ok := payload["data_b64"]; !ok {
		return content
	}
	delete(payload, "data_b64")
	payload["note"] = strippedDataNote
	out, err := json.Marshal(payload)
	if err != nil {
		return content
	}
	return string(out)
}

// TrimWindow bounds a history window by total content size. When the budget
// cuts, the window reopens at the next user message so it never starts in
// the middle of an exchange.
func TrimWindow(history []*models.Message, maxChars int) []*models.Message {
	if maxChars <= 0 {
		maxChars = DefaultWindowChars
	}
	total := 0
	start := 0
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Content)
		if total > maxChars {
			start = i + 1
			break
		}
	}
	if start == 0 {
		return history
	}
	for start < len(history) && history[start].Role != models.RoleUser {
		start++
	}
	return history[start:]
}
