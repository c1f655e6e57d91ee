package image

import (
	"fmt"

	"github.com/chazu/ilvm/syntax"
)

// program is the CBOR body of an image.
type program struct {
	Blocks []block `cbor:"1,keyasint"`
}

type block struct {
	Addr   int32  `cbor:"1,keyasint"`
	Line   int    `cbor:"2,keyasint,omitempty"`
	Column int    `cbor:"3,keyasint,omitempty"`
	Nodes  []node `cbor:"4,keyasint"` // Nodes[0] is the block entry
}

// node is one flattened instruction. Next and Else hold a node index plus
// one, so zero means "none"; they always point forward.
type node struct {
	Kind  nodeKind  `cbor:"1,keyasint"`
	Dst   int       `cbor:"2,keyasint,omitempty"`
	Op    syntax.Op `cbor:"3,keyasint,omitempty"`
	A     *operand  `cbor:"4,keyasint,omitempty"`
	B     *operand  `cbor:"5,keyasint,omitempty"`
	Print printKind `cbor:"6,keyasint,omitempty"`
	Text  string    `cbor:"7,keyasint,omitempty"`
	Next  int       `cbor:"8,keyasint,omitempty"` // continuation, or the then arm of ifz
	Else  int       `cbor:"9,keyasint,omitempty"`
}

type operand struct {
	Reg bool  `cbor:"1,keyasint,omitempty"`
	N   int32 `cbor:"2,keyasint"`
}

type nodeKind uint8

const (
	kindCopy nodeKind = iota + 1
	kindOp2
	kindLoad
	kindStore
	kindGoto
	kindIfZ
	kindMalloc
	kindFree
	kindPrint
	kindExit
	kindAbort
)

type printKind uint8

const (
	printID printKind = iota + 1
	printVal
	printRange
)

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// flatten numbers a chain's instructions in depth-first order, then-arm
// before else-arm.
func flatten(body syntax.Instr) ([]node, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: empty block", ErrMalformed)
	}
	type pending struct {
		ins    syntax.Instr
		parent int
		isElse bool
	}

	var nodes []node
	stack := []pending{{ins: body, parent: -1}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		parent, isElse := p.parent, p.isElse
		for ins := p.ins; ins != nil; {
			n, err := encodeNode(ins)
			if err != nil {
				return nil, err
			}
			idx := len(nodes)
			nodes = append(nodes, n)
			if parent >= 0 {
				if isElse {
					nodes[parent].Else = idx + 1
				} else {
					nodes[parent].Next = idx + 1
				}
			}
			parent, isElse = idx, false

			if ifz, ok := ins.(*syntax.IfZ); ok {
				stack = append(stack, pending{ins: ifz.Else, parent: idx, isElse: true})
				ins = ifz.Then
				continue
			}
			ins = syntax.Next(ins)
		}
	}
	return nodes, nil
}

func encodeNode(ins syntax.Instr) (node, error) {
	switch i := ins.(type) {
	case *syntax.Copy:
		return node{Kind: kindCopy, Dst: int(i.Dst), A: encodeValue(i.Src)}, nil
	case *syntax.Op2:
		return node{Kind: kindOp2, Dst: int(i.Dst), Op: i.Op, A: encodeValue(i.A), B: encodeValue(i.B)}, nil
	case *syntax.Load:
		return node{Kind: kindLoad, Dst: int(i.Dst), A: encodeValue(i.Addr)}, nil
	case *syntax.Store:
		return node{Kind: kindStore, Dst: int(i.Ptr), A: encodeValue(i.Src)}, nil
	case *syntax.Goto:
		return node{Kind: kindGoto, A: encodeValue(i.Target)}, nil
	case *syntax.IfZ:
		return node{Kind: kindIfZ, A: encodeValue(i.Test)}, nil
	case *syntax.Malloc:
		return node{Kind: kindMalloc, Dst: int(i.Dst), A: encodeValue(i.Size)}, nil
	case *syntax.Free:
		return node{Kind: kindFree, Dst: int(i.Ptr)}, nil
	case *syntax.Exit:
		return node{Kind: kindExit, A: encodeValue(i.V)}, nil
	case *syntax.Abort:
		return node{Kind: kindAbort}, nil
	case *syntax.Print:
		switch w := i.What.(type) {
		case syntax.PrintID:
			return node{Kind: kindPrint, Print: printID, Text: string(w)}, nil
		case syntax.PrintVal:
			return node{Kind: kindPrint, Print: printVal, A: encodeValue(w.V)}, nil
		case syntax.PrintRange:
			return node{Kind: kindPrint, Print: printRange, A: encodeValue(w.Start), B: encodeValue(w.Count)}, nil
		}
	}
	return node{}, fmt.Errorf("%w: cannot encode %T", ErrMalformed, ins)
}

func encodeValue(v syntax.Value) *operand {
	switch x := v.(type) {
	case syntax.Reg:
		return &operand{Reg: true, N: int32(x)}
	case syntax.Imm:
		return &operand{N: int32(x)}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// rebuild turns a node array back into a chain. Every node except the entry
// must be referenced exactly once, and only by an earlier node, which rules
// out cycles and sharing.
func rebuild(nodes []node) (syntax.Instr, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrMalformed)
	}
	instrs := make([]syntax.Instr, len(nodes))
	for i, n := range nodes {
		ins, err := decodeNode(n)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		instrs[i] = ins
	}

	referenced := make([]bool, len(nodes))
	target := func(from, ref int) (syntax.Instr, error) {
		to := ref - 1
		if to <= from || to >= len(nodes) {
			return nil, fmt.Errorf("%w: node %d links to %d", ErrMalformed, from, to)
		}
		if referenced[to] {
			return nil, fmt.Errorf("%w: node %d linked more than once", ErrMalformed, to)
		}
		referenced[to] = true
		return instrs[to], nil
	}

	for i, n := range nodes {
		switch ins := instrs[i].(type) {
		case *syntax.IfZ:
			if n.Next == 0 || n.Else == 0 {
				return nil, fmt.Errorf("%w: node %d: ifz needs both arms", ErrMalformed, i)
			}
			then, err := target(i, n.Next)
			if err != nil {
				return nil, err
			}
			els, err := target(i, n.Else)
			if err != nil {
				return nil, err
			}
			ins.Then, ins.Else = then, els

		case *syntax.Goto, *syntax.Exit, *syntax.Abort:
			if n.Next != 0 || n.Else != 0 {
				return nil, fmt.Errorf("%w: node %d: %s cannot continue", ErrMalformed, i, ins)
			}

		default:
			if n.Next == 0 || n.Else != 0 {
				return nil, fmt.Errorf("%w: node %d: %s must have exactly one continuation", ErrMalformed, i, ins)
			}
			next, err := target(i, n.Next)
			if err != nil {
				return nil, err
			}
			syntax.SetNext(ins, next)
		}
	}
	for i := 1; i < len(nodes); i++ {
		if !referenced[i] {
			return nil, fmt.Errorf("%w: node %d is unreachable", ErrMalformed, i)
		}
	}
	return instrs[0], nil
}

func decodeNode(n node) (syntax.Instr, error) {
	dst := syntax.Reg(n.Dst)
	a, aerr := decodeValue(n.A)
	b, berr := decodeValue(n.B)

	need := func(errs ...error) error {
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		if n.Dst < 0 {
			return fmt.Errorf("%w: negative register", ErrMalformed)
		}
		return nil
	}

	switch n.Kind {
	case kindCopy:
		return &syntax.Copy{Dst: dst, Src: a}, need(aerr)
	case kindOp2:
		if !n.Op.Valid() {
			return nil, fmt.Errorf("%w: unknown operator %d", ErrMalformed, n.Op)
		}
		return &syntax.Op2{Dst: dst, Op: n.Op, A: a, B: b}, need(aerr, berr)
	case kindLoad:
		return &syntax.Load{Dst: dst, Addr: a}, need(aerr)
	case kindStore:
		return &syntax.Store{Ptr: dst, Src: a}, need(aerr)
	case kindGoto:
		return &syntax.Goto{Target: a}, need(aerr)
	case kindIfZ:
		return &syntax.IfZ{Test: a}, need(aerr)
	case kindMalloc:
		return &syntax.Malloc{Dst: dst, Size: a}, need(aerr)
	case kindFree:
		return &syntax.Free{Ptr: dst}, need()
	case kindExit:
		return &syntax.Exit{V: a}, need(aerr)
	case kindAbort:
		return &syntax.Abort{}, nil
	case kindPrint:
		switch n.Print {
		case printID:
			return &syntax.Print{What: syntax.PrintID(n.Text)}, nil
		case printVal:
			return &syntax.Print{What: syntax.PrintVal{V: a}}, need(aerr)
		case printRange:
			return &syntax.Print{What: syntax.PrintRange{Start: a, Count: b}}, need(aerr, berr)
		}
		return nil, fmt.Errorf("%w: unknown print form %d", ErrMalformed, n.Print)
	}
	return nil, fmt.Errorf("%w: unknown instruction kind %d", ErrMalformed, n.Kind)
}

func decodeValue(o *operand) (syntax.Value, error) {
	if o == nil {
		return nil, fmt.Errorf("%w: missing operand", ErrMalformed)
	}
	if o.Reg {
		if o.N < 0 {
			return nil, fmt.Errorf("%w: negative register", ErrMalformed)
		}
		return syntax.Reg(o.N), nil
	}
	return syntax.Imm(o.N), nil
}
