// Package markdown rewrites model output for chat platforms that
// cannot render every markdown construct.
package markdown

import (
	"strings"

	"golang.org/x/text/width"
)

// TableMode selects what happens to pipe tables in outbound text.
type TableMode string

const (
	// TableModeOff leaves tables untouched.
	TableModeOff TableMode = "off"
	// TableModeBullets flattens each data row into a "Header: cell"
	// bullet line. Best for plain-text platforms.
	TableModeBullets TableMode = "bullets"
	// TableModeCode wraps the table in a fenced code block so it
	// renders monospaced where fences are supported.
	TableModeCode TableMode = "code"
)

// table is one pipe table found in the text, as line indices into the
// split input.
type table struct {
	headers   []string
	rows      [][]string
	startLine int
	endLine   int
}

// ConvertTables rewrites every pipe table in text according to mode.
// Tables inside fenced code blocks are left alone. Off and unknown
// modes return the text unchanged.
func ConvertTables(text string, mode TableMode) string {
	if mode != TableModeBullets && mode != TableModeCode {
		return text
	}

	lines := strings.Split(text, "\n")
	tables := findTables(lines)
	if len(tables) == 0 {
		return text
	}

	var out []string
	next := 0
	for _, t := range tables {
		out = append(out, lines[next:t.startLine]...)
		switch mode {
		case TableModeBullets:
			out = append(out, tableToBullets(t)...)
		case TableModeCode:
			out = append(out, "```")
			out = append(out, tableToAligned(t)...)
			out = append(out, "```")
		}
		next = t.endLine
	}
	out = append(out, lines[next:]...)
	return strings.Join(out, "\n")
}

// findTables scans lines for pipe tables, skipping fenced regions.
func findTables(lines []string) []table {
	var tables []table
	fence := ""
	for i := 0; i < len(lines); {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case fence != "":
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			i++
		case strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~"):
			fence = trimmed[:3]
			i++
		default:
			if t, ok := parseTable(lines, i); ok {
				tables = append(tables, t)
				i = t.endLine
			} else {
				i++
			}
		}
	}
	return tables
}

// parseTable reads a table starting at line i: a header row, a
// separator row, then at least one data row.
func parseTable(lines []string, i int) (table, bool) {
	headers, ok := parseRow(lines[i])
	if !ok {
		return table{}, false
	}
	if i+1 >= len(lines) || !isSeparator(lines[i+1]) {
		return table{}, false
	}

	t := table{headers: headers, startLine: i}
	end := i + 2
	for end < len(lines) {
		row, ok := parseRow(lines[end])
		if !ok {
			break
		}
		for len(row) < len(headers) {
			row = append(row, "")
		}
		t.rows = append(t.rows, row)
		end++
	}
	if len(t.rows) == 0 {
		return table{}, false
	}
	t.endLine = end
	return t, true
}

// parseRow splits a |-delimited row into trimmed cells.
func parseRow(line string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 2 || !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
		return nil, false
	}
	inner := trimmed[1 : len(trimmed)-1]
	parts := strings.Split(inner, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells, true
}

// isSeparator matches the |---|:---:| row under the header.
func isSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
		return false
	}
	seen := false
	for _, r := range trimmed {
		switch r {
		case '|', ' ', ':':
		case '-':
			seen = true
		default:
			return false
		}
	}
	return seen
}

// tableToAligned re-renders the table with padded columns so it lines
// up inside a monospace code block regardless of how ragged the model
// emitted it.
func tableToAligned(t table) []string {
	cols := len(t.headers)
	for _, row := range t.rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	widths := make([]int, cols)
	measure := func(cells []string) {
		for i, cell := range cells {
			if w := displayWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}

	pad := func(cells []string) string {
		var sb strings.Builder
		sb.WriteString("|")
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			sb.WriteString(" ")
			sb.WriteString(cell)
			sb.WriteString(strings.Repeat(" ", widths[i]-displayWidth(cell)))
			sb.WriteString(" |")
		}
		return sb.String()
	}

	var sep strings.Builder
	sep.WriteString("|")
	for i := 0; i < cols; i++ {
		sep.WriteString(strings.Repeat("-", widths[i]+2))
		sep.WriteString("|")
	}

	lines := []string{pad(t.headers), sep.String()}
	for _, row := range t.rows {
		lines = append(lines, pad(row))
	}
	return lines
}

// displayWidth counts monospace cells, with East Asian wide and
// fullwidth runes taking two.
func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			w += 2
		default:
			w++
		}
	}
	return w
}

// tableToBullets renders each data row as one bullet line, pairing
// cells with their headers and dropping empty cells.
func tableToBullets(t table) []string {
	var lines []string
	for _, row := range t.rows {
		var parts []string
		for i, cell := range row {
			if cell == "" {
				continue
			}
			if i < len(t.headers) && t.headers[i] != "" {
				parts = append(parts, t.headers[i]+": "+cell)
			} else {
				parts = append(parts, cell)
			}
		}
		if len(parts) > 0 {
			lines = append(lines, "- "+strings.Join(parts, ", "))
		}
	}
	return lines
}
