// Package expr compiles a small boolean/arithmetic expression language
// into BigQuery SQL fragments for WHERE and HAVING clauses.
//
// The grammar covers identifiers (dotted names allowed), numeric, string
// and boolean literals, null, the comparison operators ==, !=, >, >=, <,
// <=, membership via in, logical &&/|| (AND/OR keywords also accepted),
// arithmetic, and function calls. Compilation is a direct structural
// translation of the AST with no optimization pass; every binary and
// logical node is parenthesized so SQL precedence matches the parsed
// precedence exactly.
package expr

import (
	"fmt"
	"strings"
)

// CompileError reports an expression that could not be compiled. It is
// fatal for the owning definition and never retried.
type CompileError struct {
	Expression string
	Pos        int
	Message    string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("cannot compile %q: %s (position %d)", e.Expression, e.Message, e.Pos)
}

// Compile translates expression into a SQL fragment. Identifiers found in
// aliasMap are rewritten to their mapped names; this is how HAVING clauses
// reference output aliases instead of raw source columns. aliasMap may be
// nil.
//
// Comparisons against literal null are rewritten to IS NULL / IS NOT NULL.
// BigQuery's `= NULL` never matches, so emitting it verbatim would make
// every null predicate silently false.
func Compile(expression string, aliasMap map[string]string) (string, error) {
	root, err := parse(expression)
	if err != nil {
		return "", &CompileError{Expression: expression, Message: err.Error()}
	}
	r := &renderer{expression: expression, aliases: aliasMap}
	return r.render(root)
}

type renderer struct {
	expression string
	aliases    map[string]string
}

func (r *renderer) errf(pos int, format string, args ...any) error {
	return &CompileError{Expression: r.expression, Pos: pos, Message: fmt.Sprintf(format, args...)}
}

func (r *renderer) render(n node) (string, error) {
	switch v := n.(type) {
	case *identNode:
		if mapped, ok := r.aliases[v.name]; ok {
			return mapped, nil
		}
		return v.name, nil
	case *numberNode:
		return v.text, nil
	case *stringNode:
		return quoteString(v.value), nil
	case *boolNode:
		if v.value {
			return "TRUE", nil
		}
		return "FALSE", nil
	case *nullNode:
		return "NULL", nil
	case *listNode:
		return r.renderList(v)
	case *unaryNode:
		operand, err := r.render(v.operand)
		if err != nil {
			return "", err
		}
		if v.op == "NOT" {
			return "(NOT " + operand + ")", nil
		}
		return "(" + v.op + operand + ")", nil
	case *binaryNode:
		return r.renderBinary(v)
	case *callNode:
		return r.renderCall(v)
	}
	return "", r.errf(n.nodePos(), "unsupported expression node %T", n)
}

func (r *renderer) renderBinary(b *binaryNode) (string, error) {
	// Null comparisons render without wrapping parens so the fragment is
	// exactly `col IS NULL`; IS binds tighter than AND/OR so nesting is
	// still unambiguous.
	if b.op == "=" || b.op == "!=" {
		if other, isNull := nullOperand(b); isNull {
			rendered, err := r.render(other)
			if err != nil {
				return "", err
			}
			if b.op == "=" {
				return rendered + " IS NULL", nil
			}
			return rendered + " IS NOT NULL", nil
		}
	}

	left, err := r.render(b.left)
	if err != nil {
		return "", err
	}

	if b.op == "IN" {
		list, ok := b.right.(*listNode)
		if !ok {
			// Single literal on the right still becomes a one-element list.
			item, err := r.render(b.right)
			if err != nil {
				return "", err
			}
			return "(" + left + " IN (" + item + "))", nil
		}
		items, err := r.renderItems(list.items)
		if err != nil {
			return "", err
		}
		return "(" + left + " IN (" + strings.Join(items, ", ") + "))", nil
	}

	right, err := r.render(b.right)
	if err != nil {
		return "", err
	}
	return "(" + left + " " + b.op + " " + right + ")", nil
}

func (r *renderer) renderList(l *listNode) (string, error) {
	items, err := r.renderItems(l.items)
	if err != nil {
		return "", err
	}
	return "(" + strings.Join(items, ", ") + ")", nil
}

func (r *renderer) renderCall(c *callNode) (string, error) {
	args, err := r.renderItems(c.args)
	if err != nil {
		return "", err
	}
	return c.name + "(" + strings.Join(args, ", ") + ")", nil
}

func (r *renderer) renderItems(nodes []node) ([]string, error) {
	items := make([]string, 0, len(nodes))
	for _, n := range nodes {
		s, err := r.render(n)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, nil
}

// nullOperand returns the non-null side of a comparison when the other
// side is the null literal.
func nullOperand(b *binaryNode) (node, bool) {
	if _, ok := b.right.(*nullNode); ok {
		return b.left, true
	}
	if _, ok := b.left.(*nullNode); ok {
		return b.right, true
	}
	return nil, false
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
}
