// Package diff renders unified diffs. Its main consumer is the approval
// flow: file-mutating tools attach a diff preview to the approval request so
// the approver sees exactly what would change before granting it.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContextLines is the context shown around each change.
const DefaultContextLines = 3

// maxDiffBytes caps the input size; beyond it the diff is skipped.
const maxDiffBytes = 10 * 1024 * 1024

// Generator produces line-based unified diffs.
type Generator struct {
	contextLines int
	colorEnabled bool
}

// NewGenerator creates a generator. Negative context is treated as zero.
func NewGenerator(contextLines int, colorEnabled bool) *Generator {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Generator{contextLines: contextLines, colorEnabled: colorEnabled}
}

// Result holds a rendered diff and its line statistics.
type Result struct {
	Unified string
	Added   int
	Deleted int
	Binary  bool
}

// Empty reports whether the contents were identical.
func (r *Result) Empty() bool {
	return r.Unified == "" && !r.Binary
}

// Summary returns a one-line change description.
func (r *Result) Summary() string {
	if r.Binary {
		return "binary file changed"
	}
	if r.Added == 0 && r.Deleted == 0 {
		return "no changes"
	}
	return fmt.Sprintf("+%d -%d", r.Added, r.Deleted)
}

// Truncated returns the unified diff cut to maxLines, with a marker telling
// the reader how much was dropped.
func (r *Result) Truncated(maxLines int) string {
	if maxLines <= 0 {
		return r.Unified
	}
	lines := strings.Split(strings.TrimRight(r.Unified, "\n"), "\n")
	if len(lines) <= maxLines {
		return r.Unified
	}
	kept := strings.Join(lines[:maxLines], "\n")
	return fmt.Sprintf("%s\n... (%d more lines)\n", kept, len(lines)-maxLines)
}

// Unified diffs oldContent against newContent and renders the result in
// unified format with a/ and b/ headers for path.
func (g *Generator) Unified(oldContent, newContent, path string) *Result {
	if oldContent == newContent {
		return &Result{}
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &Result{
			Unified: fmt.Sprintf("Binary files a/%s and b/%s differ\n", path, path),
			Binary:  true,
		}
	}

	if len(oldContent) > maxDiffBytes || len(newContent) > maxDiffBytes {
		return &Result{
			Unified: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ file too large, diff skipped @@\n", path, path),
		}
	}

	ops := g.lineOps(oldContent, newContent)
	hunks := g.buildHunks(ops)

	var added, deleted int
	for _, op := range ops {
		switch op.kind {
		case diffmatchpatch.DiffInsert:
			added++
		case diffmatchpatch.DiffDelete:
			deleted++
		}
	}

	var sb strings.Builder
	sb.WriteString(g.colorize(fmt.Sprintf("--- a/%s\n", path), color.FgRed))
	sb.WriteString(g.colorize(fmt.Sprintf("+++ b/%s\n", path), color.FgGreen))
	for _, h := range hunks {
		header := fmt.Sprintf("@@ -%s +%s @@\n",
			formatRange(h.oldStart, h.oldCount), formatRange(h.newStart, h.newCount))
		sb.WriteString(g.colorize(header, color.FgCyan))
		for _, line := range h.lines {
			switch {
			case strings.HasPrefix(line, "+"):
				sb.WriteString(g.colorize(line+"\n", color.FgGreen))
			case strings.HasPrefix(line, "-"):
				sb.WriteString(g.colorize(line+"\n", color.FgRed))
			default:
				sb.WriteString(line + "\n")
			}
		}
	}

	return &Result{Unified: sb.String(), Added: added, Deleted: deleted}
}

type lineOp struct {
	kind diffmatchpatch.Operation
	text string
}

// lineOps runs the diff in line mode and flattens it to one op per line.
func (g *Generator) lineOps(oldContent, newContent string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var ops []lineOp
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			ops = append(ops, lineOp{kind: d.Type, text: line})
		}
	}
	return ops
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	lines              []string
}

// buildHunks groups changed lines into hunks with surrounding context.
// Changes closer than 2*contextLines merge into one hunk.
func (g *Generator) buildHunks(ops []lineOp) []hunk {
	keep := make([]bool, len(ops))
	for i, op := range ops {
		if op.kind == diffmatchpatch.DiffEqual {
			continue
		}
		lo := i - g.contextLines
		if lo < 0 {
			lo = 0
		}
		hi := i + g.contextLines + 1
		if hi > len(ops) {
			hi = len(ops)
		}
		for j := lo; j < hi; j++ {
			keep[j] = true
		}
	}

	var hunks []hunk
	var cur hunk
	open := false
	flush := func() {
		if open {
			hunks = append(hunks, cur)
			open = false
		}
	}

	oldN, newN := 1, 1
	for i, op := range ops {
		if !keep[i] {
			// Skipped lines are always equal on both sides.
			oldN++
			newN++
			flush()
			continue
		}
		if !open {
			cur = hunk{oldStart: oldN, newStart: newN}
			open = true
		}
		switch op.kind {
		case diffmatchpatch.DiffEqual:
			cur.lines = append(cur.lines, " "+op.text)
			cur.oldCount++
			cur.newCount++
			oldN++
			newN++
		case diffmatchpatch.DiffDelete:
			cur.lines = append(cur.lines, "-"+op.text)
			cur.oldCount++
			oldN++
		case diffmatchpatch.DiffInsert:
			cur.lines = append(cur.lines, "+"+op.text)
			cur.newCount++
			newN++
		}
	}
	flush()
	return hunks
}

// formatRange renders one side of a hunk header. An empty range points at
// the line before it, matching what git emits.
func formatRange(start, count int) string {
	if count == 0 {
		return fmt.Sprintf("%d,0", start-1)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

// isBinary reports whether content looks binary, checking the first 8000
// bytes for NUL the way git does.
func isBinary(content string) bool {
	n := len(content)
	if n > 8000 {
		n = 8000
	}
	for i := 0; i < n; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
