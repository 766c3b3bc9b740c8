package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"
	"golang.org/x/term"

	"embedres/internal/media"
)

var (
	blue     = lipgloss.Color("#6366F1")
	green    = lipgloss.Color("#00FF7F")
	gray     = lipgloss.Color("#A9A9A9")
	darkGray = lipgloss.Color("#5A5A5A")
	red      = lipgloss.Color("#FF5F5F")
)

type styles struct {
	heading lipgloss.Style
	group   lipgloss.Style
	stream  lipgloss.Style
	detail  lipgloss.Style
	failure lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{heading: plain, group: plain, stream: plain, detail: plain, failure: plain}
	}
	return styles{
		heading: lipgloss.NewStyle().Foreground(blue).Bold(true),
		group:   lipgloss.NewStyle().Foreground(green).Bold(true),
		stream:  lipgloss.NewStyle().Foreground(green),
		detail:  lipgloss.NewStyle().Foreground(gray).Italic(true),
		failure: lipgloss.NewStyle().Foreground(red),
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// renderResult prints streams grouped by language, then subtitles and
// failures.
func renderResult(r *media.ResolutionResult, color bool) string {
	st := newStyles(color)
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", st.heading.Render(fmt.Sprintf("%d stream(s) for %s", len(r.Streams), r.Reference)))

	groups := lo.GroupBy(r.Streams, func(s media.StreamDescriptor) string {
		if s.Language == media.LangUnknown {
			return "unknown"
		}
		return string(s.Language)
	})
	langs := lo.Keys(groups)
	sort.Strings(langs)
	for _, lang := range langs {
		fmt.Fprintf(&b, "\n%s\n", st.group.Render("["+lang+"]"))
		for _, s := range groups[lang] {
			fmt.Fprintf(&b, "  %s\n", st.stream.Render(s.URL))
			fmt.Fprintf(&b, "    %s\n", st.detail.Render(fmt.Sprintf("%s %s %s referer=%s",
				s.ServerLabel, s.MediaType, s.Quality, s.Referer)))
		}
	}

	if len(r.Subtitles) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.group.Render("subtitles"))
		for _, sub := range r.Subtitles {
			fmt.Fprintf(&b, "  %s %s\n", sub.Language, st.detail.Render(sub.URL))
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "\n%s\n", st.failure.Render(fmt.Sprintf("%d failed branch(es)", len(r.Failures))))
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "  %s %s\n", st.failure.Render(f.Candidate.ServerLabel+": "+string(f.Reason)), st.detail.Render(f.Message))
		}
	}
	return b.String()
}

// renderHops prints a follow trail, one hop per line.
func renderHops(ref *media.TerminalReference, color bool) string {
	st := newStyles(color)
	var b strings.Builder
	for _, h := range ref.Hops {
		fmt.Fprintf(&b, "%d %s %s\n", h.Index, st.detail.Render(fmt.Sprintf("%-15s", h.Via)), st.stream.Render(h.URL))
	}
	fmt.Fprintf(&b, "%s %s (host %s, depth %d)\n", st.heading.Render("terminal"), ref.URL, ref.HostID, ref.Depth)
	return b.String()
}
