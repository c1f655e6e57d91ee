package compiler

import (
	"fmt"
	"unicode/utf8"

	"github.com/chazu/ilvm/syntax"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for IL program text
// ---------------------------------------------------------------------------

// Lexer tokenizes IL source code.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
	col     int  // column of ch (1-based)
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = l.readPos
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() syntax.Position {
	return syntax.Position{Line: l.line, Column: l.col}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	pos := l.position()
	single := func(t TokenType) Token {
		lit := string(l.ch)
		l.readChar()
		return Token{Type: t, Literal: lit, Pos: pos}
	}

	switch {
	case l.ch == 0 && l.pos >= len(l.input):
		return Token{Type: TokenEOF, Pos: pos}
	case l.ch == '(':
		return single(TokenLParen)
	case l.ch == ')':
		return single(TokenRParen)
	case l.ch == '{':
		return single(TokenLBrace)
	case l.ch == '}':
		return single(TokenRBrace)
	case l.ch == ';':
		return single(TokenSemicolon)
	case l.ch == ',':
		return single(TokenComma)
	case l.ch == '+':
		return single(TokenPlus)
	case l.ch == '-':
		return single(TokenMinus)
	case l.ch == '*':
		return single(TokenStar)
	case l.ch == '/':
		return single(TokenSlash)
	case l.ch == '%':
		return single(TokenPercent)
	case l.ch == '<':
		return single(TokenLess)
	case l.ch == '=':
		l.readChar()
		if l.ch == '=' {
			l.readChar()
			return Token{Type: TokenEqEq, Literal: "==", Pos: pos}
		}
		return Token{Type: TokenAssign, Literal: "=", Pos: pos}
	case l.ch == '"':
		return l.readString(pos)
	case isDigit(l.ch):
		start := l.pos
		for isDigit(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
	case isLetter(l.ch):
		return l.readWord(pos)
	default:
		ch := l.ch
		l.readChar()
		return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character %q", ch), Pos: pos}
	}
}

// skipWhitespaceAndComments skips blanks, "//" comments and "#" comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch == '#' || (l.ch == '/' && l.peekChar() == '/') {
			for l.ch != '\n' && !(l.ch == 0 && l.pos >= len(l.input)) {
				l.readChar()
			}
			continue
		}
		return
	}
}

// readWord reads a keyword or a register name (r followed by digits).
func (l *Lexer) readWord(pos syntax.Position) Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	word := l.input[start:l.pos]

	if t, ok := keywords[word]; ok {
		return Token{Type: t, Literal: word, Pos: pos}
	}
	if len(word) > 1 && word[0] == 'r' && allDigits(word[1:]) {
		return Token{Type: TokenRegister, Literal: word, Pos: pos}
	}
	return Token{Type: TokenError, Literal: fmt.Sprintf("unknown identifier %q", word), Pos: pos}
}

// readString reads a double-quoted label. Labels may not span lines and
// have no escapes.
func (l *Lexer) readString(pos syntax.Position) Token {
	l.readChar() // opening quote
	start := l.pos
	for l.ch != '"' {
		if l.ch == '\n' || (l.ch == 0 && l.pos >= len(l.input)) {
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		}
		l.readChar()
	}
	lit := l.input[start:l.pos]
	l.readChar() // closing quote
	return Token{Type: TokenString, Literal: lit, Pos: pos}
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isLetter(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
