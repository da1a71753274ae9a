package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

// detailWidth is the column at which Format wraps detail text.
const detailWidth = 70

var plain atomic.Bool

// DisableColors turns off ANSI escapes in Format and PrintError.
func DisableColors() { plain.Store(true) }

// EnableColors turns ANSI escapes back on.
func EnableColors() { plain.Store(false) }

type style string

const (
	styleError style = "\033[1;31m"
	styleTitle style = "\033[1;37m"
	styleMuted style = "\033[90m"
	styleLink  style = "\033[36m"
)

func (s style) paint(text string) string {
	if plain.Load() || text == "" {
		return text
	}
	return string(s) + text + "\033[0m"
}

// Format renders the error as a multi-line block for a terminal:
// a title line, the location, the wrapped detail and the suggestion.
func (e *PulseError) Format() string {
	var b strings.Builder
	e.render(&b)
	return b.String()
}

func (e *PulseError) render(w io.Writer) {
	title := e.Message
	label := "ERROR: "
	if e.Code != "" {
		label = "ERROR "
		title = e.Code + ": " + e.Message
	}
	fmt.Fprintf(w, "\n%s%s", styleError.paint(label), styleTitle.paint(title))
	if e.Subject != "" {
		fmt.Fprint(w, styleMuted.paint(" ("+e.Subject+")"))
	}
	fmt.Fprint(w, "\n\n")

	if e.Location != nil {
		fmt.Fprintf(w, "  %s\n\n", styleLink.paint(e.Location.String()))
	}

	detail := e.Detail
	if detail == "" && e.Wrapped != nil {
		detail = e.Wrapped.Error()
	}
	if lines := wrapText(detail, detailWidth); len(lines) > 0 {
		for _, line := range lines {
			fmt.Fprintf(w, "  %s\n", line)
		}
		fmt.Fprintln(w)
	}

	if e.Suggestion != "" {
		fmt.Fprintf(w, "  %s%s\n", styleLink.paint("Hint: "), e.Suggestion)
	}
}

// FormatCompact renders the error on one line, prefixed by its location.
func (e *PulseError) FormatCompact() string {
	if e.Location == nil {
		return e.Error()
	}
	return e.Location.String() + ": " + e.Error()
}

// wrapText breaks text into lines of at most width bytes. A single word
// longer than width gets a line of its own.
func wrapText(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	lines := []string{words[0]}
	for _, word := range words[1:] {
		last := &lines[len(lines)-1]
		if len(*last)+1+len(word) > width {
			lines = append(lines, word)
			continue
		}
		*last += " " + word
	}
	return lines
}

// Fprint writes err to w, using Format for a *PulseError anywhere in the
// chain.
func Fprint(w io.Writer, err error) {
	var pe *PulseError
	if stderrors.As(err, &pe) {
		pe.render(w)
		return
	}
	fmt.Fprintf(w, "\n%s %s\n\n", styleError.paint("ERROR:"), err)
}

// PrintError writes err to stderr.
func PrintError(err error) {
	Fprint(os.Stderr, err)
}
