package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/ilvm/syntax"
)

// Kind classifies a failed run.
type Kind uint8

const (
	// KindRuntime covers every fault raised while instructions execute.
	KindRuntime Kind = iota
	// KindUsage is a structural precondition violated before execution
	// (no block 0, duplicate block addresses, bad machine sizes).
	KindUsage
	// KindParse is a front-end syntax or lexical failure.
	KindParse
	// KindIO is a failure reading program input or writing output.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindRuntime:
		return "runtime"
	case KindUsage:
		return "usage"
	case KindParse:
		return "parse"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Runtime fault causes. Match with errors.Is.
var (
	ErrOutOfMemory  = errors.New("out of memory")
	ErrInvalidFree  = errors.New("invalid free")
	ErrBadSize      = errors.New("invalid allocation size")
	ErrBadAddress   = errors.New("invalid address")
	ErrBadJump      = errors.New("invalid code address")
	ErrBadRegister  = errors.New("invalid register")
	ErrAbort        = errors.New("called abort")
	ErrStepLimit    = errors.New("step limit exceeded")
	ErrFellOff      = errors.New("instruction chain ended without exit")
	ErrDivideByZero = syntax.ErrDivideByZero
)

// Error is the classified failure of a program run.
type Error struct {
	Kind  Kind
	Instr string // faulting instruction, rendered as source; empty before execution
	Msg   string
	Err   error // underlying cause, usually one of the Err* sentinels
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Instr != "" {
		return e.Instr + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind with no instruction context.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Errors that are not an *Error are runtime faults.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntime
}

// fault builds a runtime error for the instruction ins.
func fault(ins syntax.Instr, cause error, format string, args ...any) *Error {
	e := &Error{Kind: KindRuntime, Err: cause}
	if ins != nil {
		e.Instr = ins.String()
	}
	if format != "" {
		e.Msg = fmt.Sprintf(format, args...)
	}
	return e
}
