// Package setup implements the interactive first-run wizard: it writes the
// config file and walks the user through connecting a Google account.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// errNoInput is returned when the reader is exhausted mid-prompt.
var errNoInput = errors.New("no input")

// Prompter reads answers line by line from r and writes prompts to w.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// ask prints the prompt and returns the trimmed answer.
func (p *Prompter) ask(format string, args ...any) (string, error) {
	_, _ = fmt.Fprintf(p.w, "  "+format+": ", args...)
	if !p.scanner.Scan() {
		return "", errNoInput
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

func (p *Prompter) hint(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  ("+format+")\n", args...)
}

// String prompts for a text value. An empty answer returns defaultVal; when
// defaultVal is empty the field is required and the prompt repeats.
func (p *Prompter) String(label, defaultVal string) string {
	if defaultVal == "" {
		return p.required(label)
	}
	val, err := p.ask("%s [%s]", label, defaultVal)
	if err != nil || val == "" {
		return defaultVal
	}
	return val
}

// Secret prompts for a required sensitive value such as a client secret.
// Input is echoed.
func (p *Prompter) Secret(label string) string {
	return p.required(label + " (input is visible)")
}

func (p *Prompter) required(label string) string {
	for {
		val, err := p.ask("%s", label)
		if err != nil {
			return ""
		}
		if val != "" {
			return val
		}
		p.hint("required, please enter a value")
	}
}

// Int prompts for a whole number in [lo, hi]. An empty answer returns
// defaultVal.
func (p *Prompter) Int(label string, defaultVal, lo, hi int) int {
	for {
		val, err := p.ask("%s (%d-%d) [%d]", label, lo, hi, defaultVal)
		if err != nil || val == "" {
			return defaultVal
		}
		n, convErr := strconv.Atoi(val)
		if convErr == nil && n >= lo && n <= hi {
			return n
		}
		p.hint("enter a number between %d and %d", lo, hi)
	}
}

// Confirm asks a yes/no question. An empty answer returns defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	answer, err := p.ask("%s [%s]", label, hint)
	if err != nil || answer == "" {
		return defaultYes
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Select shows a numbered list and returns the zero-based index of the
// chosen option. An empty answer picks defaultIdx.
func (p *Prompter) Select(label string, options []string, defaultIdx int) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}
	if defaultIdx < 0 || defaultIdx >= len(options) {
		defaultIdx = 0
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}
	for {
		val, err := p.ask("Choice [%d]", defaultIdx+1)
		if err != nil {
			return -1, err
		}
		if val == "" {
			return defaultIdx, nil
		}
		if n, convErr := strconv.Atoi(val); convErr == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.hint("enter a number between 1 and %d", len(options))
	}
}
