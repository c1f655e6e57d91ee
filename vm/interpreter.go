package vm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/ilvm/syntax"
)

var log = commonlog.GetLogger("ilvm.vm")

// Stats counts what a run did.
type Stats struct {
	Steps    int64 // instructions executed
	Jumps    int64 // goto transfers
	Branches int64 // ifz evaluations
	Mallocs  int64 // successful non-zero allocations
	Frees    int64
	PeakLive int32 // most heap words live at once
}

// Interpreter executes programs against a fresh Machine per run.
type Interpreter struct {
	cfg     Config
	machine *Machine
	stats   Stats
}

// New returns an interpreter with the given configuration.
func New(cfg Config) *Interpreter {
	return &Interpreter{cfg: cfg}
}

// Run executes a program with a fresh machine from cfg.
func Run(ctx context.Context, cfg Config, table *Table) (int32, error) {
	return New(cfg).Run(ctx, table)
}

// Machine returns the state left by the most recent run, or nil.
func (in *Interpreter) Machine() *Machine {
	return in.machine
}

// Stats returns counters for the most recent run.
func (in *Interpreter) Stats() Stats {
	return in.stats
}

// Run executes table starting at block 0 and returns the exit value.
//
// Execution is a single loop over a cursor into the instruction chains:
// straight-line instructions advance to their continuation, ifz picks one
// of its embedded arms and goto reloads the cursor from the table. The Go
// stack never grows with instruction or loop count.
func (in *Interpreter) Run(ctx context.Context, table *Table) (int32, error) {
	in.stats = Stats{}
	m, err := NewMachine(in.cfg.HeapSize, in.cfg.Registers)
	if err != nil {
		return 0, err
	}
	in.machine = m

	cur, ok := table.Lookup(0)
	if !ok {
		return 0, Errorf(KindUsage, "Expected block 0")
	}

	log.Debugf("run: %d blocks, heap=%d registers=%d", table.Len(), in.cfg.HeapSize, in.cfg.Registers)

	result, err := in.loop(ctx, table, cur)
	if err != nil {
		log.Debugf("run faulted after %d steps: %v", in.stats.Steps, err)
		return 0, err
	}
	log.Debugf("run exited with %d after %d steps", result, in.stats.Steps)
	return result, nil
}

func (in *Interpreter) loop(ctx context.Context, table *Table, cur syntax.Instr) (int32, error) {
	m := in.machine
	out := in.cfg.output()
	done := ctx.Done()

	for {
		if cur == nil {
			return 0, fault(nil, ErrFellOff, "")
		}

		select {
		case <-done:
			return 0, fault(cur, ctx.Err(), "interrupted: %v", ctx.Err())
		default:
		}
		in.stats.Steps++
		if in.cfg.MaxSteps > 0 && in.stats.Steps > in.cfg.MaxSteps {
			return 0, fault(cur, ErrStepLimit, "step limit of %d exceeded", in.cfg.MaxSteps)
		}
		if in.cfg.Trace {
			log.Debugf("[%d] %s", in.stats.Steps, cur)
		}

		switch ins := cur.(type) {
		case *syntax.Copy:
			v, err := m.Resolve(ins.Src)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			if err := m.SetReg(ins.Dst, v); err != nil {
				return 0, fault(ins, err, "")
			}
			cur = ins.Next

		case *syntax.Op2:
			a, err := m.Resolve(ins.A)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			b, err := m.Resolve(ins.B)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			v, err := ins.Op.Apply(a, b)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			if err := m.SetReg(ins.Dst, v); err != nil {
				return 0, fault(ins, err, "")
			}
			cur = ins.Next

		case *syntax.Load:
			addr, err := m.Resolve(ins.Addr)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			if !m.InBounds(addr) {
				return 0, fault(ins, ErrBadAddress, "invalid address %d", addr)
			}
			if err := m.SetReg(ins.Dst, m.Heap[addr]); err != nil {
				return 0, fault(ins, err, "")
			}
			cur = ins.Next

		case *syntax.Store:
			addr, err := m.Reg(ins.Ptr)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			if !m.InBounds(addr) {
				return 0, fault(ins, ErrBadAddress, "invalid address %d", addr)
			}
			v, err := m.Resolve(ins.Src)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			m.Heap[addr] = v
			cur = ins.Next

		case *syntax.Goto:
			target, err := m.Resolve(ins.Target)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			next, ok := table.Lookup(target)
			if !ok {
				return 0, fault(ins, ErrBadJump, "invalid code address %d", target)
			}
			in.stats.Jumps++
			cur = next

		case *syntax.IfZ:
			v, err := m.Resolve(ins.Test)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			in.stats.Branches++
			if v == 0 {
				cur = ins.Then
			} else {
				cur = ins.Else
			}

		case *syntax.Malloc:
			n, err := m.Resolve(ins.Size)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			ptr, err := m.Alloc.Malloc(n)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			if err := m.SetReg(ins.Dst, ptr); err != nil {
				return 0, fault(ins, err, "")
			}
			if n > 0 {
				in.stats.Mallocs++
				in.stats.PeakLive = max(in.stats.PeakLive, m.Alloc.LiveWords())
			}
			cur = ins.Next

		case *syntax.Free:
			ptr, err := m.Reg(ins.Ptr)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			if _, err := m.Alloc.Free(ptr); err != nil {
				return 0, fault(ins, err, "")
			}
			in.stats.Frees++
			cur = ins.Next

		case *syntax.Print:
			line, err := in.render(ins.What)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			if _, err := fmt.Fprintln(out, line); err != nil {
				return 0, &Error{Kind: KindIO, Instr: ins.String(), Msg: "write failed: " + err.Error(), Err: err}
			}
			cur = ins.Next

		case *syntax.Exit:
			v, err := m.Resolve(ins.V)
			if err != nil {
				return 0, fault(ins, err, "")
			}
			return v, nil

		case *syntax.Abort:
			return 0, fault(ins, ErrAbort, "")

		default:
			return 0, fault(nil, fmt.Errorf("unknown instruction %T", cur), "")
		}
	}
}

// render resolves a printable against the current machine state.
func (in *Interpreter) render(p syntax.Printable) (string, error) {
	m := in.machine
	switch p := p.(type) {
	case syntax.PrintID:
		return string(p), nil
	case syntax.PrintVal:
		v, err := m.Resolve(p.V)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(v), 10), nil
	case syntax.PrintRange:
		start, err := m.Resolve(p.Start)
		if err != nil {
			return "", err
		}
		count, err := m.Resolve(p.Count)
		if err != nil {
			return "", err
		}
		if count < 0 {
			return "", fmt.Errorf("%w: negative count %d", ErrBadAddress, count)
		}
		end := int64(start) + int64(count)
		if count > 0 && (!m.InBounds(start) || end > int64(len(m.Heap))) {
			return "", fmt.Errorf("%w: range [%d, %d) outside heap", ErrBadAddress, start, end)
		}
		words := make([]string, count)
		for i := range words {
			words[i] = strconv.FormatInt(int64(m.Heap[start+int32(i)]), 10)
		}
		return "[" + strings.Join(words, " ") + "]", nil
	}
	return "", fmt.Errorf("unknown printable %T", p)
}
