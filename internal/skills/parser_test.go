package skills

import (
	"testing"
)

// TestSplitFrontmatter tests separating YAML front matter from the body.
func TestSplitFrontmatter(t *testing.T) {
	t.Run("with front matter", func(t *testing.T) {
		input := "---\nname: demo\nmode: wasm\n---\n# Demo\n\nBody text."
		front, body, found := splitFrontmatter([]byte(input))
		if !found {
			t.Fatal("expected front matter to be found")
		}
		if string(front) != "name: demo\nmode: wasm" {
			t.Errorf("unexpected front matter: %q", front)
		}
		if string(body) != "# Demo\n\nBody text." {
			t.Errorf("unexpected body: %q", body)
		}
	})

	t.Run("without front matter", func(t *testing.T) {
		input := "# Just markdown\n\nNo header here."
		front, body, found := splitFrontmatter([]byte(input))
		if found {
			t.Error("expected no front matter")
		}
		if front != nil {
			t.Errorf("expected nil front matter, got %q", front)
		}
		if string(body) != input {
			t.Errorf("expected body to be full input, got %q", body)
		}
	})

	t.Run("unclosed front matter", func(t *testing.T) {
		input := "---\nname: broken\nno closing delimiter"
		front, body, found := splitFrontmatter([]byte(input))
		if found {
			t.Error("expected unclosed front matter to be treated as body")
		}
		if front != nil {
			t.Errorf("expected nil front matter, got %q", front)
		}
		if string(body) != input {
			t.Errorf("expected body to be full input, got %q", body)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		front, body, found := splitFrontmatter(nil)
		if found {
			t.Error("expected no front matter for empty input")
		}
		if front != nil || len(body) != 0 {
			t.Errorf("expected empty result, got front=%q body=%q", front, body)
		}
	})
}

// TestParseMode tests execution mode parsing.
func TestParseMode(t *testing.T) {
	tests := []struct {
		value    string
		wantMode ExecutionMode
		wantOK   bool
	}{
		{"", ModeSubprocess, true},
		{"subprocess", ModeSubprocess, true},
		{"wasm", ModeWasm, true},
		{"WASM", ModeWasm, true},
		{"  Wasm  ", ModeWasm, true},
		{"container", ModeSubprocess, false},
		{"native", ModeSubprocess, false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			mode, ok := parseMode(tt.value)
			if mode != tt.wantMode {
				t.Errorf("expected mode %q, got %q", tt.wantMode, mode)
			}
			if ok != tt.wantOK {
				t.Errorf("expected ok=%v, got %v", tt.wantOK, ok)
			}
		})
	}
}

// TestIsValidSkillName tests skill name validation.
func TestIsValidSkillName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"login", true},
		{"browser-login", true},
		{"snake_case", true},
		{"CamelCase3", true},
		{"", false},
		{"has space", false},
		{"a/b", false},
		{"..", false},
		{"dot.name", false},
	}

	for _, tt := range tests {
		if got := isValidSkillName(tt.name); got != tt.valid {
			t.Errorf("isValidSkillName(%q) = %v, expected %v", tt.name, got, tt.valid)
		}
	}
}
