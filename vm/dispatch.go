package vm

import (
	"maps"
	"slices"

	"github.com/chazu/ilvm/syntax"
)

// Table maps block addresses to the instruction chains that start there.
// It is immutable once built and safe to share between runs.
type Table struct {
	entries map[int32]syntax.Instr
}

// NewTable builds a dispatch table. Duplicate addresses are a usage error.
func NewTable(blocks []syntax.Block) (*Table, error) {
	t := &Table{entries: make(map[int32]syntax.Instr, len(blocks))}
	for _, b := range blocks {
		if _, dup := t.entries[b.Addr]; dup {
			return nil, Errorf(KindUsage, "duplicate block IDs: block %d defined more than once", b.Addr)
		}
		t.entries[b.Addr] = b.Body
	}
	return t, nil
}

// Lookup returns the chain for addr.
func (t *Table) Lookup(addr int32) (syntax.Instr, bool) {
	ins, ok := t.entries[addr]
	return ins, ok
}

// Addrs returns the defined block addresses in ascending order.
func (t *Table) Addrs() []int32 {
	return slices.Sorted(maps.Keys(t.entries))
}

// Len returns the number of blocks.
func (t *Table) Len() int {
	return len(t.entries)
}
