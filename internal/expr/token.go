package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokEq    // ==
	tokNeq   // !=
	tokGt    // >
	tokGte   // >=
	tokLt    // <
	tokLte   // <=
	tokAnd   // && or AND/and
	tokOr    // || or OR/or
	tokNot   // ! or NOT/not
	tokIn    // in
	tokPlus  // +
	tokMinus // -
	tokStar  // *
	tokSlash // /
	tokNull  // null
	tokTrue  // true
	tokFalse // false
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer turns an expression string into tokens. Identifiers may be dotted
// (table.column); keywords are matched case-insensitively.
type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch c {
	case '(':
		l.pos++
		return token{tokLParen, "(", start}, nil
	case ')':
		l.pos++
		return token{tokRParen, ")", start}, nil
	case '[':
		l.pos++
		return token{tokLBracket, "[", start}, nil
	case ']':
		l.pos++
		return token{tokRBracket, "]", start}, nil
	case ',':
		l.pos++
		return token{tokComma, ",", start}, nil
	case '+':
		l.pos++
		return token{tokPlus, "+", start}, nil
	case '-':
		l.pos++
		return token{tokMinus, "-", start}, nil
	case '*':
		l.pos++
		return token{tokStar, "*", start}, nil
	case '/':
		l.pos++
		return token{tokSlash, "/", start}, nil
	case '=':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokEq, "==", start}, nil
		}
		// SQL-style single '=' is accepted as an equality alias.
		l.pos++
		return token{tokEq, "=", start}, nil
	case '!':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokNeq, "!=", start}, nil
		}
		l.pos++
		return token{tokNot, "!", start}, nil
	case '>':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokGte, ">=", start}, nil
		}
		l.pos++
		return token{tokGt, ">", start}, nil
	case '<':
		if l.peekAt(1) == '=' {
			l.pos += 2
			return token{tokLte, "<=", start}, nil
		}
		l.pos++
		return token{tokLt, "<", start}, nil
	case '&':
		if l.peekAt(1) == '&' {
			l.pos += 2
			return token{tokAnd, "&&", start}, nil
		}
		return token{}, fmt.Errorf("unexpected '&' at position %d (use '&&')", start)
	case '|':
		if l.peekAt(1) == '|' {
			l.pos += 2
			return token{tokOr, "||", start}, nil
		}
		return token{}, fmt.Errorf("unexpected '|' at position %d (use '||')", start)
	case '\'', '"':
		return l.lexString(c)
	}

	if isDigit(c) {
		return l.lexNumber()
	}
	if isIdentStart(c) {
		return l.lexIdent()
	}
	return token{}, fmt.Errorf("unexpected character %q at position %d", c, start)
}

func (l *lexer) peekAt(off int) byte {
	if l.pos+off >= len(l.input) {
		return 0
	}
	return l.input[l.pos+off]
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			sb.WriteByte(l.input[l.pos+1])
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{tokString, sb.String(), start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string literal at position %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '.' && !seenDot {
			seenDot = true
			l.pos++
			continue
		}
		if !isDigit(c) {
			break
		}
		l.pos++
	}
	return token{tokNumber, l.input[start:l.pos], start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if !isIdentStart(c) && !isDigit(c) && c != '.' {
			break
		}
		l.pos++
	}
	text := l.input[start:l.pos]

	switch strings.ToLower(text) {
	case "and":
		return token{tokAnd, text, start}, nil
	case "or":
		return token{tokOr, text, start}, nil
	case "not":
		return token{tokNot, text, start}, nil
	case "in":
		return token{tokIn, text, start}, nil
	case "null":
		return token{tokNull, text, start}, nil
	case "true":
		return token{tokTrue, text, start}, nil
	case "false":
		return token{tokFalse, text, start}, nil
	}
	return token{tokIdent, text, start}, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
