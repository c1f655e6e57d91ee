package compiler

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/ilvm/syntax"
	"github.com/chazu/ilvm/vm"
)

var log = commonlog.GetLogger("ilvm.compiler")

// Program is a parsed and linked IL program ready to run.
type Program struct {
	Blocks   []syntax.Block
	Table    *vm.Table
	Warnings []Diagnostic
}

// Options tunes Compile and Link.
type Options struct {
	// Registers enables register range warnings when positive.
	Registers int
}

// Compile parses and links src. Syntax errors are reported as a
// vm.KindParse error and structural errors as vm.KindUsage.
func Compile(src string) (*Program, error) {
	return CompileWith(src, Options{})
}

// CompileWith is Compile with explicit options.
func CompileWith(src string, opts Options) (*Program, error) {
	blocks, errs := Parse(src)
	if len(errs) > 0 {
		return nil, vm.Errorf(vm.KindParse, "%s", joinErrors(errs))
	}
	return LinkWith(blocks, opts)
}

// Link checks already-parsed blocks and builds their dispatch table.
func Link(blocks []syntax.Block) (*Program, error) {
	return LinkWith(blocks, Options{})
}

// LinkWith is Link with explicit options.
func LinkWith(blocks []syntax.Block, opts Options) (*Program, error) {
	diags := (&Checker{Registers: opts.Registers}).Check(blocks)
	if hasErrors(diags) {
		return nil, vm.Errorf(vm.KindUsage, "%s", joinErrors(diags))
	}
	table, err := vm.NewTable(blocks)
	if err != nil {
		return nil, err
	}
	prog := &Program{Blocks: blocks, Table: table}
	for _, d := range diags {
		prog.Warnings = append(prog.Warnings, d)
		log.Debugf("%s", d)
	}
	return prog, nil
}

// Analyze parses and checks src without failing, returning whatever
// blocks parsed and every diagnostic. Editors use it for live feedback.
func Analyze(src string, opts Options) ([]syntax.Block, []Diagnostic) {
	blocks, diags := Parse(src)
	checks := (&Checker{Registers: opts.Registers}).Check(blocks)
	if len(diags) > 0 {
		// Partial parses lose blocks, so block 0 may only look missing.
		for _, d := range checks {
			if d.Message != "Expected block 0" {
				diags = append(diags, d)
			}
		}
		return blocks, diags
	}
	return blocks, append(diags, checks...)
}
