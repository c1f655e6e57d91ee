package compiler

import (
	"fmt"

	"github.com/chazu/ilvm/syntax"
)

// ---------------------------------------------------------------------------
// Checker: structural checks run before a program is linked
// ---------------------------------------------------------------------------

// Checker validates parsed blocks. Errors make a program unrunnable;
// warnings point at code that can only fault at run time.
type Checker struct {
	// Registers is the register count of the target machine. Zero skips
	// register range checks.
	Registers int

	diags []Diagnostic
}

// Check runs the structural checks with no machine-specific limits.
func Check(blocks []syntax.Block) []Diagnostic {
	return (&Checker{}).Check(blocks)
}

// Check validates blocks and returns every diagnostic found.
func (c *Checker) Check(blocks []syntax.Block) []Diagnostic {
	c.diags = nil

	seen := make(map[int32]syntax.Block, len(blocks))
	for _, b := range blocks {
		if prev, dup := seen[b.Addr]; dup {
			msg := fmt.Sprintf("duplicate block IDs: block %d defined more than once", b.Addr)
			if prev.Pos.IsValid() {
				msg = fmt.Sprintf("duplicate block IDs: block %d already defined at line %d", b.Addr, prev.Pos.Line)
			}
			c.errorf(b.Pos, "%s", msg)
			continue
		}
		seen[b.Addr] = b
	}
	if _, ok := seen[0]; !ok && len(blocks) > 0 {
		c.errorf(syntax.Position{}, "Expected block 0")
	}

	for _, b := range blocks {
		c.checkChain(b, seen)
	}
	return c.diags
}

// checkChain walks one block's chain, both arms of every ifz included.
func (c *Checker) checkChain(b syntax.Block, defined map[int32]syntax.Block) {
	stack := []syntax.Instr{b.Body}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for cur != nil {
			c.checkRegisters(b, cur)
			switch ins := cur.(type) {
			case *syntax.Goto:
				if imm, ok := ins.Target.(syntax.Imm); ok {
					if _, ok := defined[int32(imm)]; !ok {
						c.warnf(b.Pos, "block %d: %s targets undefined block %d", b.Addr, ins, imm)
					}
				}
			case *syntax.IfZ:
				stack = append(stack, ins.Else)
				cur = ins.Then
				continue
			case *syntax.Op2:
				if imm, ok := ins.B.(syntax.Imm); ok && imm == 0 &&
					(ins.Op == syntax.OpDiv || ins.Op == syntax.OpMod) {
					c.warnf(b.Pos, "block %d: %s always divides by zero", b.Addr, ins)
				}
			}
			cur = syntax.Next(cur)
		}
	}
}

// checkRegisters warns about register operands outside the machine.
func (c *Checker) checkRegisters(b syntax.Block, ins syntax.Instr) {
	if c.Registers <= 0 {
		return
	}
	for _, r := range registersOf(ins) {
		if int(r) >= c.Registers {
			c.warnf(b.Pos, "block %d: %s uses %s but the machine has %d registers", b.Addr, ins, r, c.Registers)
		}
	}
}

// registersOf lists the registers an instruction names.
func registersOf(ins syntax.Instr) []syntax.Reg {
	var regs []syntax.Reg
	add := func(vs ...syntax.Value) {
		for _, v := range vs {
			if r, ok := v.(syntax.Reg); ok {
				regs = append(regs, r)
			}
		}
	}
	switch i := ins.(type) {
	case *syntax.Copy:
		add(i.Dst, i.Src)
	case *syntax.Op2:
		add(i.Dst, i.A, i.B)
	case *syntax.Load:
		add(i.Dst, i.Addr)
	case *syntax.Store:
		add(i.Ptr, i.Src)
	case *syntax.Goto:
		add(i.Target)
	case *syntax.IfZ:
		add(i.Test)
	case *syntax.Malloc:
		add(i.Dst, i.Size)
	case *syntax.Free:
		add(i.Ptr)
	case *syntax.Exit:
		add(i.V)
	case *syntax.Print:
		switch w := i.What.(type) {
		case syntax.PrintVal:
			add(w.V)
		case syntax.PrintRange:
			add(w.Start, w.Count)
		}
	}
	return regs
}

func (c *Checker) errorf(pos syntax.Position, format string, args ...interface{}) {
	c.diags = append(c.diags, Diagnostic{Pos: pos, Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
}

func (c *Checker) warnf(pos syntax.Position, format string, args ...interface{}) {
	c.diags = append(c.diags, Diagnostic{Pos: pos, Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)})
}
