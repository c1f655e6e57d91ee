// Package syntax defines the data model shared by the ilvm front end and
// the execution engine: values, binary operators, printables, instruction
// chains and blocks.
package syntax

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrDivideByZero is returned by Op.Apply for "/" and "%" with a zero divisor.
var ErrDivideByZero = errors.New("division by zero")

// Position is a 1-based source location.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// IsValid reports whether the position was set by the parser.
func (p Position) IsValid() bool {
	return p.Line > 0
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

// Value is an instruction operand: either an immediate (Imm) or a register
// reference (Reg). Values are immutable and compare with ==.
type Value interface {
	isValue()
	String() string
}

// Imm is an immediate 32-bit signed operand.
type Imm int32

// Reg is a register index.
type Reg int

func (Imm) isValue() {}
func (Reg) isValue() {}

func (n Imm) String() string { return strconv.FormatInt(int64(n), 10) }
func (r Reg) String() string { return "r" + strconv.Itoa(int(r)) }

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// Op is a binary operator.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpLT
	OpEq
)

var opSymbols = [...]string{
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpDiv: "/",
	OpMod: "%",
	OpLT:  "<",
	OpEq:  "==",
}

func (op Op) String() string {
	if int(op) < len(opSymbols) {
		return opSymbols[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// Valid reports whether op is one of the defined operators.
func (op Op) Valid() bool {
	return int(op) < len(opSymbols)
}

// Apply evaluates m op n with wrapping two's-complement arithmetic.
// Comparisons yield 1 for true and 0 for false.
func (op Op) Apply(m, n int32) (int32, error) {
	switch op {
	case OpAdd:
		return m + n, nil
	case OpSub:
		return m - n, nil
	case OpMul:
		return m * n, nil
	case OpDiv:
		if n == 0 {
			return 0, ErrDivideByZero
		}
		// MinInt32 / -1 overflows; Go defines the result as MinInt32.
		return m / n, nil
	case OpMod:
		if n == 0 {
			return 0, ErrDivideByZero
		}
		return m % n, nil
	case OpLT:
		return boolWord(m < n), nil
	case OpEq:
		return boolWord(m == n), nil
	default:
		return 0, fmt.Errorf("unknown operator %d", op)
	}
}

func boolWord(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Printables
// ---------------------------------------------------------------------------

// Printable is the operand of a print instruction.
type Printable interface {
	isPrintable()
	String() string
}

// PrintID prints a literal label.
type PrintID string

// PrintVal prints a single resolved value.
type PrintVal struct {
	V Value
}

// PrintRange prints Count consecutive heap words starting at Start.
type PrintRange struct {
	Start Value
	Count Value
}

func (PrintID) isPrintable()    {}
func (PrintVal) isPrintable()   {}
func (PrintRange) isPrintable() {}

func (p PrintID) String() string    { return `"` + string(p) + `"` }
func (p PrintVal) String() string   { return p.V.String() }
func (p PrintRange) String() string { return "*" + p.Start.String() + ", " + p.Count.String() }
