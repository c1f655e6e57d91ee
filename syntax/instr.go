package syntax

import "fmt"

// Instr is one node of a basic block's instruction chain. Non-terminal
// instructions own their continuation (Next); IfZ owns both branches;
// Goto, Exit and Abort end the chain.
//
// Chains are built once by the front end and never mutated afterwards.
type Instr interface {
	isInstr()
	// String renders the instruction itself, without its continuation.
	String() string
}

// Copy: Dst = Src
type Copy struct {
	Dst  Reg
	Src  Value
	Next Instr
}

// Op2: Dst = A Op B
type Op2 struct {
	Dst  Reg
	Op   Op
	A, B Value
	Next Instr
}

// Load: Dst = *Addr
type Load struct {
	Dst  Reg
	Addr Value
	Next Instr
}

// Store: *Ptr = Src
type Store struct {
	Ptr  Reg
	Src  Value
	Next Instr
}

// Goto transfers control to the block whose address Target resolves to.
type Goto struct {
	Target Value
}

// IfZ continues with Then when Test resolves to zero, otherwise with Else.
type IfZ struct {
	Test Value
	Then Instr
	Else Instr
}

// Malloc: Dst = malloc(Size)
type Malloc struct {
	Dst  Reg
	Size Value
	Next Instr
}

// Free releases the allocation whose base address is held in Ptr.
type Free struct {
	Ptr  Reg
	Next Instr
}

// Print emits What to the machine's output stream.
type Print struct {
	What Printable
	Next Instr
}

// Exit terminates the program successfully with the value of V.
type Exit struct {
	V Value
}

// Abort terminates the program with a fault.
type Abort struct{}

func (*Copy) isInstr()   {}
func (*Op2) isInstr()    {}
func (*Load) isInstr()   {}
func (*Store) isInstr()  {}
func (*Goto) isInstr()   {}
func (*IfZ) isInstr()    {}
func (*Malloc) isInstr() {}
func (*Free) isInstr()   {}
func (*Print) isInstr()  {}
func (*Exit) isInstr()   {}
func (*Abort) isInstr()  {}

func (i *Copy) String() string   { return fmt.Sprintf("%s = %s", i.Dst, i.Src) }
func (i *Op2) String() string    { return fmt.Sprintf("%s = %s %s %s", i.Dst, i.A, i.Op, i.B) }
func (i *Load) String() string   { return fmt.Sprintf("%s = *%s", i.Dst, i.Addr) }
func (i *Store) String() string  { return fmt.Sprintf("*%s = %s", i.Ptr, i.Src) }
func (i *Goto) String() string   { return fmt.Sprintf("goto(%s)", i.Target) }
func (i *IfZ) String() string    { return fmt.Sprintf("ifz %s", i.Test) }
func (i *Malloc) String() string { return fmt.Sprintf("%s = malloc(%s)", i.Dst, i.Size) }
func (i *Free) String() string   { return fmt.Sprintf("free(%s)", i.Ptr) }
func (i *Print) String() string  { return fmt.Sprintf("print(%s)", i.What) }
func (i *Exit) String() string   { return fmt.Sprintf("exit(%s)", i.V) }
func (i *Abort) String() string  { return "abort" }

// Next returns the straight-line continuation of ins, or nil for
// terminal instructions (Goto, Exit, Abort) and for IfZ.
func Next(ins Instr) Instr {
	switch i := ins.(type) {
	case *Copy:
		return i.Next
	case *Op2:
		return i.Next
	case *Load:
		return i.Next
	case *Store:
		return i.Next
	case *Malloc:
		return i.Next
	case *Free:
		return i.Next
	case *Print:
		return i.Next
	}
	return nil
}

// SetNext sets the continuation of a straight-line instruction while a
// chain is being built. It reports false if ins has no continuation.
func SetNext(ins, next Instr) bool {
	switch i := ins.(type) {
	case *Copy:
		i.Next = next
	case *Op2:
		i.Next = next
	case *Load:
		i.Next = next
	case *Store:
		i.Next = next
	case *Malloc:
		i.Next = next
	case *Free:
		i.Next = next
	case *Print:
		i.Next = next
	default:
		return false
	}
	return true
}

// Chain links instrs in order and returns the first. Every instruction but
// the last must be straight-line; Chain panics otherwise.
func Chain(instrs ...Instr) Instr {
	if len(instrs) == 0 {
		return nil
	}
	for i := len(instrs) - 2; i >= 0; i-- {
		if !SetNext(instrs[i], instrs[i+1]) {
			panic("syntax.Chain: " + instrs[i].String() + " cannot have a continuation")
		}
	}
	return instrs[0]
}

// Block pairs a code address with the instruction chain that starts there.
type Block struct {
	Addr int32
	Body Instr
	Pos  Position // position of the "block" keyword; zero if synthesized
}

// Len counts the instructions reachable from ins, including both arms
// of every IfZ.
func Len(ins Instr) int {
	n := 0
	stack := []Instr{ins}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for cur != nil {
			n++
			if ifz, ok := cur.(*IfZ); ok {
				stack = append(stack, ifz.Else)
				cur = ifz.Then
				continue
			}
			cur = Next(cur)
		}
	}
	return n
}

// Equal reports whether two chains are structurally identical.
func Equal(a, b Instr) bool {
	type pair struct{ a, b Instr }
	stack := []pair{{a, b}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p.a, p.b
		for {
			if x == nil || y == nil {
				if x != nil || y != nil {
					return false
				}
				break
			}
			if !equalHead(x, y) {
				return false
			}
			if xi, ok := x.(*IfZ); ok {
				yi := y.(*IfZ)
				stack = append(stack, pair{xi.Else, yi.Else})
				x, y = xi.Then, yi.Then
				continue
			}
			x, y = Next(x), Next(y)
		}
	}
	return true
}

// equalHead compares two instructions ignoring their continuations.
func equalHead(x, y Instr) bool {
	switch a := x.(type) {
	case *Copy:
		b, ok := y.(*Copy)
		return ok && a.Dst == b.Dst && a.Src == b.Src
	case *Op2:
		b, ok := y.(*Op2)
		return ok && a.Dst == b.Dst && a.Op == b.Op && a.A == b.A && a.B == b.B
	case *Load:
		b, ok := y.(*Load)
		return ok && a.Dst == b.Dst && a.Addr == b.Addr
	case *Store:
		b, ok := y.(*Store)
		return ok && a.Ptr == b.Ptr && a.Src == b.Src
	case *Goto:
		b, ok := y.(*Goto)
		return ok && a.Target == b.Target
	case *IfZ:
		b, ok := y.(*IfZ)
		return ok && a.Test == b.Test
	case *Malloc:
		b, ok := y.(*Malloc)
		return ok && a.Dst == b.Dst && a.Size == b.Size
	case *Free:
		b, ok := y.(*Free)
		return ok && a.Ptr == b.Ptr
	case *Print:
		b, ok := y.(*Print)
		return ok && a.What == b.What
	case *Exit:
		b, ok := y.(*Exit)
		return ok && a.V == b.V
	case *Abort:
		_, ok := y.(*Abort)
		return ok
	}
	return false
}
