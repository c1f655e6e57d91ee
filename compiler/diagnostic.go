package compiler

import (
	"fmt"
	"strings"

	"github.com/chazu/ilvm/syntax"
)

// Severity ranks a diagnostic.
type Severity int

const (
	SeverityError Severity = iota + 1
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return fmt.Sprintf("Severity(%d)", s)
	}
}

// Diagnostic is a positioned message produced by the parser or checker.
type Diagnostic struct {
	Pos      syntax.Position
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	if d.Pos.IsValid() {
		return fmt.Sprintf("line %d:%d: %s", d.Pos.Line, d.Pos.Column, d.Message)
	}
	return d.Message
}

// hasErrors reports whether any diagnostic is an error.
func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// joinErrors renders the error-severity diagnostics one per line.
func joinErrors(diags []Diagnostic) string {
	var lines []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			lines = append(lines, d.String())
		}
	}
	return strings.Join(lines, "\n")
}
