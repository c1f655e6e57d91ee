package syntax

import (
	"fmt"
	"io"
	"strings"
)

// Format writes blocks as canonical program text. The output parses back
// to structurally equal blocks.
func Format(w io.Writer, blocks []Block) error {
	f := &formatter{w: w}
	for i, b := range blocks {
		if i > 0 {
			f.line(0, "")
		}
		f.line(0, fmt.Sprintf("block %d {", b.Addr))
		f.chain(1, b.Body)
		f.line(0, "}")
	}
	return f.err
}

// FormatString is Format into a string.
func FormatString(blocks []Block) string {
	var sb strings.Builder
	_ = Format(&sb, blocks)
	return sb.String()
}

type formatter struct {
	w   io.Writer
	err error
}

func (f *formatter) line(depth int, s string) {
	if f.err != nil {
		return
	}
	if s == "" {
		_, f.err = io.WriteString(f.w, "\n")
		return
	}
	_, f.err = fmt.Fprintf(f.w, "%s%s\n", strings.Repeat("    ", depth), s)
}

func (f *formatter) chain(depth int, ins Instr) {
	for ins != nil {
		if ifz, ok := ins.(*IfZ); ok {
			f.line(depth, fmt.Sprintf("ifz %s {", ifz.Test))
			f.chain(depth+1, ifz.Then)
			f.line(depth, "}")
			f.line(depth, "else {")
			f.chain(depth+1, ifz.Else)
			f.line(depth, "}")
			return
		}
		f.line(depth, ins.String()+";")
		ins = Next(ins)
	}
}
