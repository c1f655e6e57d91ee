package compiler

import (
	"fmt"

	"github.com/chazu/ilvm/syntax"
)

// ---------------------------------------------------------------------------
// Token types for the IL lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Literals
	TokenInteger  // 42 (unsigned; signs are parsed as operators)
	TokenRegister // r0, r12
	TokenString   // "label"

	// Keywords
	TokenBlock
	TokenIfz
	TokenElse
	TokenGoto
	TokenExit
	TokenAbort
	TokenMalloc
	TokenFree
	TokenPrint

	// Operators
	TokenPlus    // +
	TokenMinus   // -
	TokenStar    // * (multiply or dereference)
	TokenSlash   // /
	TokenPercent // %
	TokenLess    // <
	TokenEqEq    // ==
	TokenAssign  // =

	// Delimiters
	TokenLParen    // (
	TokenRParen    // )
	TokenLBrace    // {
	TokenRBrace    // }
	TokenSemicolon // ;
	TokenComma     // ,
)

var tokenNames = map[TokenType]string{
	TokenEOF:       "EOF",
	TokenError:     "ERROR",
	TokenInteger:   "INTEGER",
	TokenRegister:  "REGISTER",
	TokenString:    "STRING",
	TokenBlock:     "block",
	TokenIfz:       "ifz",
	TokenElse:      "else",
	TokenGoto:      "goto",
	TokenExit:      "exit",
	TokenAbort:     "abort",
	TokenMalloc:    "malloc",
	TokenFree:      "free",
	TokenPrint:     "print",
	TokenPlus:      "+",
	TokenMinus:     "-",
	TokenStar:      "*",
	TokenSlash:     "/",
	TokenPercent:   "%",
	TokenLess:      "<",
	TokenEqEq:      "==",
	TokenAssign:    "=",
	TokenLParen:    "(",
	TokenRParen:    ")",
	TokenLBrace:    "{",
	TokenRBrace:    "}",
	TokenSemicolon: ";",
	TokenComma:     ",",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string          // the raw text
	Pos     syntax.Position // start position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var keywords = map[string]TokenType{
	"block":  TokenBlock,
	"ifz":    TokenIfz,
	"else":   TokenElse,
	"goto":   TokenGoto,
	"exit":   TokenExit,
	"abort":  TokenAbort,
	"malloc": TokenMalloc,
	"free":   TokenFree,
	"print":  TokenPrint,
}

// binaryOps maps operator tokens to IL operators. TokenMinus and TokenPlus
// double as literal signs in value position.
var binaryOps = map[TokenType]syntax.Op{
	TokenPlus:    syntax.OpAdd,
	TokenMinus:   syntax.OpSub,
	TokenStar:    syntax.OpMul,
	TokenSlash:   syntax.OpDiv,
	TokenPercent: syntax.OpMod,
	TokenLess:    syntax.OpLT,
	TokenEqEq:    syntax.OpEq,
}

// Keywords returns the reserved words of the language.
func Keywords() []string {
	words := make([]string, 0, len(keywords))
	for w := range keywords {
		words = append(words, w)
	}
	return words
}
