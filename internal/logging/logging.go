// Package logging builds the structured logger shared by the CLI and the
// resolution engine.
package logging

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

func prefix() string {
	style := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#6366F1")).
		Bold(true).
		Padding(0, 1).
		MarginRight(1)
	return style.Render("embedres")
}

// New returns a logger writing to w. Debug mode lowers the level and adds
// timestamps and caller information.
func New(w io.Writer, debug bool) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportCaller:    debug,
		ReportTimestamp: debug,
		TimeFormat:      "15:04:05",
		Prefix:          prefix(),
	})
	if debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
