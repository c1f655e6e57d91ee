package vm

import (
	"io"
	"math"
	"os"

	"github.com/chazu/ilvm/syntax"
)

// Default machine sizes.
const (
	DefaultHeapSize  = 1000
	DefaultRegisters = 10
)

// Config sizes and instruments a run.
type Config struct {
	HeapSize  int       // heap words, including the reserved null word at 0
	Registers int       // register file size
	MaxSteps  int64     // instructions executed before faulting; 0 means unlimited
	Output    io.Writer // print destination; nil means os.Stdout
	Trace     bool      // log every executed instruction at debug level
}

// DefaultConfig returns the standard machine: 1000 heap words and 10
// registers, unlimited steps, printing to stdout.
func DefaultConfig() Config {
	return Config{
		HeapSize:  DefaultHeapSize,
		Registers: DefaultRegisters,
	}
}

func (c Config) output() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

// Machine is the mutable state of one program run.
type Machine struct {
	Registers []int32
	Heap      []int32
	Alloc     *FreeList
}

// NewMachine allocates zeroed registers and heap. Sizes are checked only
// for representability; everything else is left to access-time checks.
func NewMachine(heapSize, registers int) (*Machine, error) {
	if heapSize < 0 || heapSize > math.MaxInt32 {
		return nil, Errorf(KindUsage, "heap size %d out of range", heapSize)
	}
	if registers < 0 {
		return nil, Errorf(KindUsage, "register count %d out of range", registers)
	}
	return &Machine{
		Registers: make([]int32, registers),
		Heap:      make([]int32, heapSize),
		Alloc:     NewFreeList(int32(heapSize)),
	}, nil
}

// Resolve returns the current value of v.
func (m *Machine) Resolve(v syntax.Value) (int32, error) {
	switch v := v.(type) {
	case syntax.Imm:
		return int32(v), nil
	case syntax.Reg:
		return m.Reg(v)
	}
	return 0, ErrBadRegister
}

// Reg reads register r.
func (m *Machine) Reg(r syntax.Reg) (int32, error) {
	if r < 0 || int(r) >= len(m.Registers) {
		return 0, ErrBadRegister
	}
	return m.Registers[r], nil
}

// SetReg writes register r.
func (m *Machine) SetReg(r syntax.Reg, v int32) error {
	if r < 0 || int(r) >= len(m.Registers) {
		return ErrBadRegister
	}
	m.Registers[r] = v
	return nil
}

// InBounds reports whether addr is a valid heap index.
func (m *Machine) InBounds(addr int32) bool {
	return addr >= 0 && int(addr) < len(m.Heap)
}
