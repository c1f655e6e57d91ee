package compiler

import (
	"testing"

	"github.com/chazu/ilvm/syntax"
)

// ---------------------------------------------------------------------------
// FuzzLexer: ensure the lexer never panics on arbitrary input.
// ---------------------------------------------------------------------------

var fuzzSeeds = []string{
	// Tokens
	`( ) { } ; , + - * / % < == =`,
	`42`, `0`, `-7`, `2147483648`, `r0`, `r99999999999`, `"label"`, `""`,
	// Comments
	"# comment\nblock", "// comment\nblock", "/ /",
	// Complete programs
	factorialSource,
	`block 0 { r0 = malloc(4); print(*r0, 4); free(r0); exit(0); }`,
	`block 0 { ifz r0 { ifz r1 { abort; } else { goto(-1); } } else { exit(1); } }`,
	// Edge cases
	`"unterminated`, "\"split\nstring\"", `block`, `block 0 {`, `}}}`, `@`, `café`,
	``, "\t\n\r",
}

func FuzzLexer(f *testing.F) {
	for _, s := range fuzzSeeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, input string) {
		l := NewLexer(input)
		// Every token consumes at least one character, so len+1 tokens
		// must reach EOF.
		for i := 0; i <= len(input)+1; i++ {
			if l.NextToken().Type == TokenEOF {
				return
			}
		}
		t.Fatalf("lexer did not reach EOF on %q", input)
	})
}

// ---------------------------------------------------------------------------
// FuzzParser: parsing never panics, and whatever parses cleanly survives a
// format round trip unchanged.
// ---------------------------------------------------------------------------

func FuzzParser(f *testing.F) {
	for _, s := range fuzzSeeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, input string) {
		blocks, errs := Parse(input)
		if len(errs) > 0 {
			return
		}
		text := syntax.FormatString(blocks)
		again, errs := Parse(text)
		if len(errs) > 0 {
			t.Fatalf("formatted output does not parse: %v\n%s", errs, text)
		}
		if len(again) != len(blocks) {
			t.Fatalf("round trip changed block count")
		}
		for i := range blocks {
			if blocks[i].Addr != again[i].Addr || !syntax.Equal(blocks[i].Body, again[i].Body) {
				t.Fatalf("round trip changed block %d:\n%s", blocks[i].Addr, text)
			}
		}
	})
}
