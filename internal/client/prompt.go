package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/atinyakov/GophPass/internal/models"
)

// Prompter reads answers line by line.
type Prompter struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewPrompter reads from in and writes questions to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(in), out: out}
}

// Ask prints question and returns the trimmed answer.
func (p *Prompter) Ask(question string) string {
	fmt.Fprint(p.out, question)
	if !p.scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(p.scanner.Text())
}

// Line reads the next line as is. ok is false at end of input.
func (p *Prompter) Line() (line string, ok bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return p.scanner.Text(), true
}

// Login asks for the master password and the current TOTP code.
func (p *Prompter) Login() (masterPassword, code string) {
	return p.Ask("Master password: "), p.Ask("TOTP code: ")
}

// Entry asks for the fields of an entry. Empty answers keep the value of
// current; notes end at a line containing a single ".".
func (p *Prompter) Entry(current models.Entry) models.Entry {
	e := current
	if v := p.Ask(fmt.Sprintf("Password [%s]: ", mask(current.Secret))); v != "" {
		e.Secret = v
	}
	if v := p.Ask(fmt.Sprintf("Username [%s]: ", current.Metadata.Username)); v != "" {
		e.Metadata.Username = v
	}
	if v := p.Ask(fmt.Sprintf("URL [%s]: ", current.Metadata.URL)); v != "" {
		e.Metadata.URL = v
	}

	fmt.Fprintln(p.out, "Notes (end with a single '.', empty keeps current):")
	var notes []string
	for p.scanner.Scan() {
		line := p.scanner.Text()
		if line == "." {
			break
		}
		notes = append(notes, line)
	}
	if len(notes) > 0 {
		e.Metadata.Notes = strings.Trim(strings.Join(notes, "\n"), "\n")
	}
	return e
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}
