package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Status symbols, matched by the script tests.
const (
	symbolPass = "✓"
	symbolWarn = "⚠"
	symbolFail = "✗"
)

type styles struct {
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	accent lipgloss.Style
	label  lipgloss.Style
}

// newStyles builds styles for w. Color is dropped when noColor is set,
// NO_COLOR is exported or w is not a terminal.
func newStyles(w io.Writer, noColor bool) *styles {
	r := lipgloss.NewRenderer(w)
	if noColor || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return &styles{
		pass:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}),
		warn:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#E65100", Dark: "#FFB74D"}),
		fail:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}),
		accent: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}),
		label:  r.NewStyle().Bold(true).Width(14),
	}
}

func (s *styles) Pass(msg string) string { return s.pass.Render(symbolPass + " " + msg) }
func (s *styles) Warn(msg string) string { return s.warn.Render(symbolWarn + " " + msg) }
func (s *styles) Fail(msg string) string { return s.fail.Render(symbolFail + " " + msg) }
func (s *styles) Muted(msg string) string { return s.muted.Render(msg) }
func (s *styles) Accent(msg string) string { return s.accent.Render(msg) }

// Row renders one "Label: value" line of a status block.
func (s *styles) Row(label, value string) string {
	return s.label.Render(label+":") + " " + value
}
