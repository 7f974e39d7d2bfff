// Package render projects an analysis result onto a collapsible document:
// the analysis text, then one entry per statement with its supporting and
// challenging arguments.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/factlens/desktop/pkg/models"
)

const (
	NoAnalysis   = "No analysis available."
	NoStatements = "No fact-checkable statements found."

	HeadingSupporting  = "Supporting"
	HeadingChallenging = "Challenging"
)

// Entry is one statement as displayed. Supporting and Challenging are nil
// when the list is empty, and no heading is drawn for them.
type Entry struct {
	Index       int
	Statement   string
	Supporting  []string
	Challenging []string
	Expanded    bool
}

// Document is the structural projection of what is on screen.
type Document struct {
	Analysis string
	Entries  []Entry
	// Placeholder replaces the entry list when there are no statements.
	Placeholder string
	// Error is set instead of everything else by RenderError.
	Error string
}

// Empty reports whether nothing has been rendered yet.
func (d Document) Empty() bool {
	return d.Analysis == "" && len(d.Entries) == 0 && d.Placeholder == "" && d.Error == ""
}

// View holds the rendered result and the local expand/collapse state. It is
// not safe for concurrent use; the UI owns it.
type View struct {
	result   *models.AnalysisResult
	errMsg   string
	expanded []bool
	cursor   int
}

// New returns an empty view.
func New() *View {
	return &View{}
}

// Render replaces whatever is shown with result. Every entry starts collapsed.
func (v *View) Render(result *models.AnalysisResult) {
	v.Clear()
	if result == nil {
		result = &models.AnalysisResult{}
	}
	v.result = result
	v.expanded = make([]bool, len(result.Statements))
}

// RenderError replaces whatever is shown with an error message.
func (v *View) RenderError(message string) {
	v.Clear()
	v.errMsg = message
}

// Clear removes all output.
func (v *View) Clear() {
	v.result = nil
	v.errMsg = ""
	v.expanded = nil
	v.cursor = 0
}

// Len returns the number of statement entries.
func (v *View) Len() int {
	return len(v.expanded)
}

// Toggle flips entry i and reports its new state. Out-of-range indexes are
// ignored.
func (v *View) Toggle(i int) bool {
	if i < 0 || i >= len(v.expanded) {
		return false
	}
	v.expanded[i] = !v.expanded[i]
	return v.expanded[i]
}

func (v *View) Expand(i int) {
	if i >= 0 && i < len(v.expanded) {
		v.expanded[i] = true
	}
}

func (v *View) Collapse(i int) {
	if i >= 0 && i < len(v.expanded) {
		v.expanded[i] = false
	}
}

// SetAll expands or collapses every entry.
func (v *View) SetAll(expanded bool) {
	for i := range v.expanded {
		v.expanded[i] = expanded
	}
}

// Cursor returns the selected entry.
func (v *View) Cursor() int {
	return v.cursor
}

// Move shifts the selection by delta, clamped to the entry list.
func (v *View) Move(delta int) {
	v.cursor += delta
	if v.cursor >= len(v.expanded) {
		v.cursor = len(v.expanded) - 1
	}
	if v.cursor < 0 {
		v.cursor = 0
	}
}

// Document builds the structural projection of the current output.
func (v *View) Document() Document {
	if v.errMsg != "" {
		return Document{Error: v.errMsg}
	}
	if v.result == nil {
		return Document{}
	}

	doc := Document{Analysis: v.result.Analysis}
	if doc.Analysis == "" {
		doc.Analysis = NoAnalysis
	}
	if len(v.result.Statements) == 0 {
		doc.Placeholder = NoStatements
		return doc
	}

	doc.Entries = make([]Entry, len(v.result.Statements))
	for i, s := range v.result.Statements {
		args := v.result.ArgumentsFor(i)
		e := Entry{Index: i, Statement: s, Expanded: v.expanded[i]}
		if len(args.Supporting) > 0 {
			e.Supporting = args.Supporting
		}
		if len(args.Challenging) > 0 {
			e.Challenging = args.Challenging
		}
		doc.Entries[i] = e
	}
	return doc
}

// View renders the document with terminal styling, wrapped to width.
func (v *View) View(width int) string {
	if width <= 0 {
		width = 80
	}
	doc := v.Document()
	wrap := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	switch {
	case doc.Error != "":
		b.WriteString(errorStyle.Width(width).Render(doc.Error))
		return b.String()
	case doc.Empty():
		return ""
	}

	b.WriteString(analysisStyle.Width(width).Render(doc.Analysis))
	b.WriteString("\n\n")

	if doc.Placeholder != "" {
		b.WriteString(placeholderStyle.Width(width).Render(doc.Placeholder))
		return b.String()
	}

	for _, e := range doc.Entries {
		marker := "▸"
		if e.Expanded {
			marker = "▾"
		}
		line := fmt.Sprintf(" %s %d. %s", marker, e.Index+1, e.Statement)
		if e.Index == v.cursor {
			b.WriteString(selectedStyle.Width(width).Render(line))
		} else {
			b.WriteString(statementStyle.Width(width).Render(line))
		}
		b.WriteString("\n")
		if !e.Expanded {
			continue
		}
		writeStyledArgs(&b, wrap, supportingHeading, HeadingSupporting, e.Supporting)
		writeStyledArgs(&b, wrap, challengingHeading, HeadingChallenging, e.Challenging)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeStyledArgs(b *strings.Builder, wrap, heading lipgloss.Style, title string, args []string) {
	if len(args) == 0 {
		return
	}
	b.WriteString(wrap.Render("    " + heading.Render(title)))
	b.WriteString("\n")
	for _, a := range args {
		b.WriteString(argumentStyle.Render("• " + a))
		b.WriteString("\n")
	}
}

// Plain renders doc as unstyled text, every entry shown expanded. Used by the
// non-interactive commands.
func Plain(doc Document) string {
	var b strings.Builder
	if doc.Error != "" {
		b.WriteString("Error: ")
		b.WriteString(doc.Error)
		b.WriteString("\n")
		return b.String()
	}
	if doc.Empty() {
		return ""
	}

	b.WriteString(doc.Analysis)
	b.WriteString("\n")
	if doc.Placeholder != "" {
		b.WriteString("\n")
		b.WriteString(doc.Placeholder)
		b.WriteString("\n")
		return b.String()
	}
	for _, e := range doc.Entries {
		fmt.Fprintf(&b, "\n%d. %s\n", e.Index+1, e.Statement)
		writePlainArgs(&b, HeadingSupporting, e.Supporting)
		writePlainArgs(&b, HeadingChallenging, e.Challenging)
	}
	return b.String()
}

func writePlainArgs(b *strings.Builder, title string, args []string) {
	if len(args) == 0 {
		return
	}
	fmt.Fprintf(b, "   %s:\n", title)
	for _, a := range args {
		fmt.Fprintf(b, "     - %s\n", a)
	}
}
