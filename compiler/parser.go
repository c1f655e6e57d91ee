package compiler

import (
	"fmt"
	"strconv"

	"github.com/chazu/ilvm/syntax"
)

// ---------------------------------------------------------------------------
// Parser: recursive descent parser for IL programs
// ---------------------------------------------------------------------------

// Parser parses IL source into blocks of instruction chains.
//
// Straight-line runs are collected and linked back to front once their
// terminal instruction is known, so only ifz nesting recurses.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	errors    []Diagnostic
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	// Read two tokens to fill curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

// peekTokenIs checks if the peek token is of the given type.
func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// expect advances if the current token matches, otherwise records an error.
func (p *Parser) expect(t TokenType) bool {
	if p.curTokenIs(t) {
		p.nextToken()
		return true
	}
	p.unexpected(t.String())
	return false
}

// unexpected records an error describing the current token.
func (p *Parser) unexpected(want string) {
	if p.curTokenIs(TokenError) {
		p.errorf("%s", p.curToken.Literal)
		return
	}
	got := p.curToken.Literal
	if p.curTokenIs(TokenEOF) {
		got = "end of input"
	}
	p.errorf("expected %s, got %q", want, got)
}

// errorf records a parse error at the current token.
func (p *Parser) errorf(format string, args ...interface{}) {
	p.errors = append(p.errors, Diagnostic{
		Pos:      p.curToken.Pos,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Errors returns accumulated parse errors.
func (p *Parser) Errors() []Diagnostic {
	return p.errors
}

// ---------------------------------------------------------------------------
// Top-level parsing
// ---------------------------------------------------------------------------

// ParseProgram parses every block in the input. Blocks that fail to parse
// are dropped and parsing resumes at the next "block" keyword.
func (p *Parser) ParseProgram() []syntax.Block {
	var blocks []syntax.Block
	for !p.curTokenIs(TokenEOF) {
		if !p.curTokenIs(TokenBlock) {
			p.unexpected("block")
			p.synchronize()
			continue
		}
		b, ok := p.parseBlock()
		if !ok {
			p.synchronize()
			continue
		}
		blocks = append(blocks, b)
	}
	if len(blocks) == 0 && len(p.errors) == 0 {
		p.errorf("expected at least one block")
	}
	return blocks
}

// synchronize skips tokens up to the next "block" keyword.
func (p *Parser) synchronize() {
	for !p.curTokenIs(TokenBlock) && !p.curTokenIs(TokenEOF) {
		p.nextToken()
	}
}

// parseBlock parses: block INT { chain }
func (p *Parser) parseBlock() (syntax.Block, bool) {
	pos := p.curToken.Pos
	p.nextToken() // block

	addr, ok := p.parseInt()
	if !ok {
		return syntax.Block{}, false
	}
	if !p.expect(TokenLBrace) {
		return syntax.Block{}, false
	}
	body, ok := p.parseChain()
	if !ok {
		return syntax.Block{}, false
	}
	if !p.expect(TokenRBrace) {
		return syntax.Block{}, false
	}
	return syntax.Block{Addr: addr, Body: body, Pos: pos}, true
}

// parseChain parses straight-line instructions up to and including a
// terminal one (goto, exit, abort or ifz).
func (p *Parser) parseChain() (syntax.Instr, bool) {
	var pending []syntax.Instr
	var last syntax.Instr
	for last == nil {
		if p.curTokenIs(TokenRBrace) || p.curTokenIs(TokenEOF) {
			p.errorf("instruction sequence must end with goto, exit, abort or ifz")
			return nil, false
		}
		ins, terminal, ok := p.parseInstr()
		if !ok {
			return nil, false
		}
		if terminal {
			last = ins
		} else {
			pending = append(pending, ins)
		}
	}
	for i := len(pending) - 1; i >= 0; i-- {
		syntax.SetNext(pending[i], last)
		last = pending[i]
	}
	return last, true
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// parseInstr parses one instruction and reports whether it is terminal.
func (p *Parser) parseInstr() (ins syntax.Instr, terminal, ok bool) {
	switch p.curToken.Type {
	case TokenGoto:
		p.nextToken()
		v, ok := p.parseParenValue()
		if !ok || !p.expect(TokenSemicolon) {
			return nil, false, false
		}
		return &syntax.Goto{Target: v}, true, true

	case TokenExit:
		p.nextToken()
		v, ok := p.parseParenValue()
		if !ok || !p.expect(TokenSemicolon) {
			return nil, false, false
		}
		return &syntax.Exit{V: v}, true, true

	case TokenAbort:
		p.nextToken()
		if !p.expect(TokenSemicolon) {
			return nil, false, false
		}
		return &syntax.Abort{}, true, true

	case TokenIfz:
		ifz, ok := p.parseIfz()
		return ifz, true, ok

	case TokenRegister:
		ins, ok := p.parseAssign()
		return ins, false, ok

	case TokenStar:
		p.nextToken()
		ptr, ok := p.parseRegister()
		if !ok || !p.expect(TokenAssign) {
			return nil, false, false
		}
		src, ok := p.parseValue()
		if !ok || !p.expect(TokenSemicolon) {
			return nil, false, false
		}
		return &syntax.Store{Ptr: ptr, Src: src}, false, true

	case TokenFree:
		p.nextToken()
		if !p.expect(TokenLParen) {
			return nil, false, false
		}
		ptr, ok := p.parseRegister()
		if !ok || !p.expect(TokenRParen) || !p.expect(TokenSemicolon) {
			return nil, false, false
		}
		return &syntax.Free{Ptr: ptr}, false, true

	case TokenPrint:
		p.nextToken()
		if !p.expect(TokenLParen) {
			return nil, false, false
		}
		what, ok := p.parsePrintable()
		if !ok || !p.expect(TokenRParen) || !p.expect(TokenSemicolon) {
			return nil, false, false
		}
		return &syntax.Print{What: what}, false, true
	}

	p.unexpected("instruction")
	return nil, false, false
}

// parseIfz parses: ifz val { chain } else { chain }
func (p *Parser) parseIfz() (syntax.Instr, bool) {
	p.nextToken() // ifz
	test, ok := p.parseValue()
	if !ok || !p.expect(TokenLBrace) {
		return nil, false
	}
	then, ok := p.parseChain()
	if !ok || !p.expect(TokenRBrace) {
		return nil, false
	}
	if !p.expect(TokenElse) || !p.expect(TokenLBrace) {
		return nil, false
	}
	els, ok := p.parseChain()
	if !ok || !p.expect(TokenRBrace) {
		return nil, false
	}
	return &syntax.IfZ{Test: test, Then: then, Else: els}, true
}

// parseAssign parses the three register-assignment forms:
//
//	rN = *val;
//	rN = malloc(val);
//	rN = val [op val];
func (p *Parser) parseAssign() (syntax.Instr, bool) {
	dst, ok := p.parseRegister()
	if !ok || !p.expect(TokenAssign) {
		return nil, false
	}

	var ins syntax.Instr
	switch p.curToken.Type {
	case TokenStar:
		p.nextToken()
		addr, ok := p.parseValue()
		if !ok {
			return nil, false
		}
		ins = &syntax.Load{Dst: dst, Addr: addr}

	case TokenMalloc:
		p.nextToken()
		size, ok := p.parseParenValue()
		if !ok {
			return nil, false
		}
		ins = &syntax.Malloc{Dst: dst, Size: size}

	default:
		a, ok := p.parseValue()
		if !ok {
			return nil, false
		}
		op, isOp := binaryOps[p.curToken.Type]
		if !isOp {
			ins = &syntax.Copy{Dst: dst, Src: a}
			break
		}
		p.nextToken()
		b, ok := p.parseValue()
		if !ok {
			return nil, false
		}
		ins = &syntax.Op2{Dst: dst, Op: op, A: a, B: b}
	}

	if !p.expect(TokenSemicolon) {
		return nil, false
	}
	return ins, true
}

// parsePrintable parses a print argument: a string label, a value, or a
// heap range written "*start, count".
func (p *Parser) parsePrintable() (syntax.Printable, bool) {
	switch p.curToken.Type {
	case TokenString:
		id := syntax.PrintID(p.curToken.Literal)
		p.nextToken()
		return id, true
	case TokenStar:
		p.nextToken()
		start, ok := p.parseValue()
		if !ok || !p.expect(TokenComma) {
			return nil, false
		}
		count, ok := p.parseValue()
		if !ok {
			return nil, false
		}
		return syntax.PrintRange{Start: start, Count: count}, true
	}
	v, ok := p.parseValue()
	if !ok {
		return nil, false
	}
	return syntax.PrintVal{V: v}, true
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// parseParenValue parses: ( val )
func (p *Parser) parseParenValue() (syntax.Value, bool) {
	if !p.expect(TokenLParen) {
		return nil, false
	}
	v, ok := p.parseValue()
	if !ok || !p.expect(TokenRParen) {
		return nil, false
	}
	return v, true
}

// parseValue parses a register or a signed 32-bit literal.
func (p *Parser) parseValue() (syntax.Value, bool) {
	if p.curTokenIs(TokenRegister) {
		r, ok := p.parseRegister()
		return r, ok
	}
	n, ok := p.parseInt()
	if !ok {
		return nil, false
	}
	return syntax.Imm(n), true
}

// parseRegister parses a register name such as r3.
func (p *Parser) parseRegister() (syntax.Reg, bool) {
	if !p.curTokenIs(TokenRegister) {
		p.unexpected("register")
		return 0, false
	}
	n, err := strconv.ParseInt(p.curToken.Literal[1:], 10, 32)
	if err != nil {
		p.errorf("register index out of range: %s", p.curToken.Literal)
		return 0, false
	}
	p.nextToken()
	return syntax.Reg(n), true
}

// parseInt parses an optionally signed integer literal that must fit in
// 32 bits.
func (p *Parser) parseInt() (int32, bool) {
	sign := ""
	if p.curTokenIs(TokenMinus) || p.curTokenIs(TokenPlus) {
		if !p.peekTokenIs(TokenInteger) {
			p.nextToken()
			p.unexpected("integer")
			return 0, false
		}
		if p.curTokenIs(TokenMinus) {
			sign = "-"
		}
		p.nextToken()
	}
	if !p.curTokenIs(TokenInteger) {
		p.unexpected("integer")
		return 0, false
	}
	n, err := strconv.ParseInt(sign+p.curToken.Literal, 10, 32)
	if err != nil {
		p.errorf("integer literal out of range: %s%s", sign, p.curToken.Literal)
		return 0, false
	}
	p.nextToken()
	return int32(n), true
}

// Parse parses src and returns its blocks together with any parse errors.
func Parse(src string) ([]syntax.Block, []Diagnostic) {
	p := NewParser(src)
	blocks := p.ParseProgram()
	return blocks, p.Errors()
}
