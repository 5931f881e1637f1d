// Package bitlog is the ambient logging and progress-reporting shim
// shared by the cmd/ entry points: an "[INFO]\t.../[FAIL]\t.../
// [ERROR]\t..." tag convention, rendered in color when attached to a
// terminal, each run tagged with a session id so interleaved lines from
// separate invocations of the same log file can be told apart.
package bitlog

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Session is a single run's logging context: a short id prefixed onto
// every line, plus where the lines end up.
type Session struct {
	id       string
	colorize bool
}

// New starts a session, tagging every subsequent Info/Fail/Error call
// with a fresh UUID. If debugPath is non-empty, log output is
// redirected to that file (append mode) instead of stderr, matching
// spec's "debug level" requirement to persist warnings across runs.
func New(debugPath string) (*Session, error) {
	var out io.Writer = os.Stderr
	colorize := term.IsTerminal(int(os.Stderr.Fd()))

	if debugPath != "" {
		f, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening debug log %s: %w", debugPath, err)
		}
		out = f
		colorize = false
	}

	log.SetOutput(out)
	log.SetFlags(log.Ldate | log.Ltime)

	return &Session{id: uuid.NewString()[:8], colorize: colorize}, nil
}

func (s *Session) tag(color, tag, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.colorize {
		log.Print(colorstring.Color(fmt.Sprintf("[%s][%s]\t%s\t%s", color, tag, s.id, msg)))
		return
	}
	log.Printf("[%s]\t%s\t%s", tag, s.id, msg)
}

// Info logs an [INFO] line.
func (s *Session) Info(format string, args ...any) { s.tag("light_blue", "INFO", format, args...) }

// Fail logs a [FAIL] line: a recoverable failure (a peer dropped, a
// tracker errored) that does not stop the run.
func (s *Session) Fail(format string, args ...any) { s.tag("yellow", "FAIL", format, args...) }

// Error logs an [ERROR] line: a failure the caller is about to exit on.
func (s *Session) Error(format string, args ...any) { s.tag("red", "ERROR", format, args...) }

// ProgressBar returns a terminal progress bar over total units
// (pieces), labeled with name truncated to fit the terminal width.
func ProgressBar(total int, name string) *progressbar.ProgressBar {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	const chrome = 40 // space reserved for the bar, counts, and rate
	maxNameWidth := width - chrome
	if maxNameWidth > 0 && len(name) > maxNameWidth {
		name = name[:maxNameWidth-1] + "…"
	}

	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pieces"),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stdout) }),
	)
}
