package expr

import "fmt"

// parser is a recursive-descent parser over the lexer's token stream.
// Precedence, loosest first: OR, AND, comparison (including IN),
// additive, multiplicative, unary, primary.
type parser struct {
	lex *lexer
	cur token
}

func parse(input string) (node, error) {
	p := &parser{lex: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.cur.text, p.cur.pos)
	}
	return n, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOr {
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: pos, op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokAnd {
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: pos, op: "AND", left: left, right: right}
	}
	return left, nil
}

var comparisonOps = map[tokenKind]string{
	tokEq:  "=",
	tokNeq: "!=",
	tokGt:  ">",
	tokGte: ">=",
	tokLt:  "<",
	tokLte: "<=",
	tokIn:  "IN",
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := comparisonOps[p.cur.kind]
	if !ok {
		return left, nil
	}
	pos := p.cur.pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return &binaryNode{pos: pos, op: op, left: left, right: right}, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokPlus || p.cur.kind == tokMinus {
		op := p.cur.text
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: pos, op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokStar || p.cur.kind == tokSlash {
		op := p.cur.text
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{pos: pos, op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.cur.kind {
	case tokMinus:
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{pos: pos, op: "-", operand: operand}, nil
	case tokNot:
		pos := p.cur.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{pos: pos, op: "NOT", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.cur
	switch tok.kind {
	case tokNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &numberNode{pos: tok.pos, text: tok.text}, nil
	case tokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &stringNode{pos: tok.pos, value: tok.text}, nil
	case tokTrue, tokFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &boolNode{pos: tok.pos, value: tok.kind == tokTrue}, nil
	case tokNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &nullNode{pos: tok.pos}, nil
	case tokLBracket:
		return p.parseList()
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at position %d, got %q", p.cur.pos, p.cur.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind == tokLParen {
			return p.parseCall(tok)
		}
		return &identNode{pos: tok.pos, name: tok.text}, nil
	}
	return nil, fmt.Errorf("unexpected token %q at position %d", tok.text, tok.pos)
}

func (p *parser) parseList() (node, error) {
	start := p.cur.pos
	if err := p.advance(); err != nil { // consume '['
		return nil, err
	}
	var items []node
	for p.cur.kind != tokRBracket {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.cur.kind != tokRBracket {
		return nil, fmt.Errorf("expected ']' at position %d, got %q", p.cur.pos, p.cur.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &listNode{pos: start, items: items}, nil
}

func (p *parser) parseCall(name token) (node, error) {
	if err := p.advance(); err != nil { // consume '('
		return nil, err
	}
	var args []node
	for p.cur.kind != tokRParen {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.cur.kind != tokRParen {
		return nil, fmt.Errorf("expected ')' at position %d, got %q", p.cur.pos, p.cur.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &callNode{pos: name.pos, name: name.text, args: args}, nil
}
