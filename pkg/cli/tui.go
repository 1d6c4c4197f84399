package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette colours a Card. Source and Target tint the two columns of the
// comparison table.
type Palette struct {
	Accent lipgloss.Color
	Source lipgloss.Color
	Target lipgloss.Color
	Muted  lipgloss.Color
}

// DefaultPalette is used when a Card has no palette.
var DefaultPalette = Palette{
	Accent: lipgloss.Color("#5fafff"),
	Source: lipgloss.Color("#ffaf5f"),
	Target: lipgloss.Color("#87d787"),
	Muted:  lipgloss.Color("#808080"),
}

// Field is one key/value cell of the header block.
type Field struct {
	Key   string
	Value string
}

// Row compares one feature across the source and target speakers.
type Row struct {
	Label  string
	Source string
	Target string
}

// Card is a bordered summary of a codebook: a title bar with a badge,
// header fields packed into as few lines as fit, and a source/target
// table. Every rendered line has exactly the requested width; long cells
// are cut.
type Card struct {
	Palette *Palette
	Title   string
	Badge   string
	Fields  []Field
	Rows    []Row
	Footer  string
}

// MinCardWidth is the narrowest card Render produces.
const MinCardWidth = 32

const labelColumn = 10

// Render renders the card width columns wide, footer included.
func (c Card) Render(width int) string {
	width = max(width, MinCardWidth)
	inner := width - 4
	p := DefaultPalette
	if c.Palette != nil {
		p = *c.Palette
	}
	muted := lipgloss.NewStyle().Foreground(p.Muted)
	rule := muted.Render(strings.Repeat("─", inner))

	title := lipgloss.NewStyle().Bold(true).Foreground(p.Accent).Render(c.Title)
	body := []string{clip(title+"  "+muted.Render(c.Badge), inner), rule}
	body = append(body, packFields(c.Fields, inner, lipgloss.NewStyle().Foreground(p.Accent))...)

	if len(c.Rows) > 0 {
		body = append(body, rule)
		col := (inner - labelColumn) / 2
		src := lipgloss.NewStyle().Foreground(p.Source).Width(col)
		tgt := lipgloss.NewStyle().Foreground(p.Target).Width(col)
		label := lipgloss.NewStyle().Width(labelColumn)
		row := func(l, s, t string) string {
			return clip(label.Render(clip(l, labelColumn-1))+src.Render(clip(s, col-1))+tgt.Render(clip(t, col-1)), inner)
		}
		body = append(body, muted.Render(row("", "source", "target")))
		for _, r := range c.Rows {
			body = append(body, row(r.Label, r.Source, r.Target))
		}
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(p.Accent).
		Padding(0, 1).
		Width(width - 2).
		Render(strings.Join(body, "\n"))
	if c.Footer == "" {
		return box
	}
	return box + "\n" + muted.Render(clip(c.Footer, width))
}

// packFields lays fields out left to right, starting a new line when the
// next cell would not fit.
func packFields(fields []Field, width int, key lipgloss.Style) []string {
	var lines []string
	var cur string
	for _, f := range fields {
		cell := key.Render(f.Key) + " " + f.Value
		switch {
		case cur == "":
			cur = cell
		case lipgloss.Width(cur)+3+lipgloss.Width(cell) <= width:
			cur += "   " + cell
		default:
			lines = append(lines, clip(cur, width))
			cur = cell
		}
	}
	if cur != "" {
		lines = append(lines, clip(cur, width))
	}
	return lines
}

// clip cuts s to at most width terminal cells.
func clip(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return lipgloss.NewStyle().Inline(true).MaxWidth(width).Render(s)
}

// MeanStd formats a mean and standard deviation for a Row cell.
func MeanStd(mean, std float64) string {
	return fmt.Sprintf("%.3f ± %.3f", mean, std)
}
