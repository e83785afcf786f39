package expr

// node is an expression AST node. The renderer switches exhaustively on
// the concrete types; anything else aborts compilation.
type node interface {
	nodePos() int
}

type identNode struct {
	pos  int
	name string
}

type numberNode struct {
	pos  int
	text string // rendered as lexed, no reformatting
}

type stringNode struct {
	pos   int
	value string
}

type boolNode struct {
	pos   int
	value bool
}

type nullNode struct {
	pos int
}

type listNode struct {
	pos   int
	items []node
}

type unaryNode struct {
	pos     int
	op      string // "-" or "NOT"
	operand node
}

type binaryNode struct {
	pos   int
	op    string // SQL operator text: =, !=, >, >=, <, <=, AND, OR, IN, +, -, *, /
	left  node
	right node
}

type callNode struct {
	pos  int
	name string
	args []node
}

func (n *identNode) nodePos() int  { return n.pos }
func (n *numberNode) nodePos() int { return n.pos }
func (n *stringNode) nodePos() int { return n.pos }
func (n *boolNode) nodePos() int   { return n.pos }
func (n *nullNode) nodePos() int   { return n.pos }
func (n *listNode) nodePos() int   { return n.pos }
func (n *unaryNode) nodePos() int  { return n.pos }
func (n *binaryNode) nodePos() int { return n.pos }
func (n *callNode) nodePos() int   { return n.pos }
