package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when input is needed but stdin is not a
// terminal.
var ErrNotInteractive = errors.New("input required but stdin is not a terminal")

// Prompter asks the user for input.
type Prompter interface {
	// Interactive reports whether the user can be asked at all.
	Interactive() bool
	// Password reads a secret without echo.
	Password(prompt string) (string, error)
	// Confirm asks a yes/no question; the default answer is no.
	Confirm(prompt string) (bool, error)
}

// TerminalPrompter prompts on a terminal.
type TerminalPrompter struct {
	in  *os.File
	out io.Writer
	r   *bufio.Reader
}

// NewTerminalPrompter reads from in and writes prompts to out.
func NewTerminalPrompter(in *os.File, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out, r: bufio.NewReader(in)}
}

func (p *TerminalPrompter) Interactive() bool {
	return term.IsTerminal(int(p.in.Fd()))
}

func (p *TerminalPrompter) Password(prompt string) (string, error) {
	if !p.Interactive() {
		return "", ErrNotInteractive
	}
	fmt.Fprint(p.out, prompt)
	secret, err := term.ReadPassword(int(p.in.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(secret), nil
}

func (p *TerminalPrompter) Confirm(prompt string) (bool, error) {
	if !p.Interactive() {
		return false, ErrNotInteractive
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", prompt)
	line, err := p.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
