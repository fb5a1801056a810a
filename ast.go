package uosteam

// Tag identifies the kind of an AST node. The set is closed: the lexer only
// ever emits these tags, and the interpreter switches on them exhaustively.
//
// Grounded on the teacher's habit of tagging parsed constructs with a small
// closed enum (pawscript's ParsedCommand.Separator/ChainType string tags,
// generalized here to a proper Go enum in the style of andy's lexer.TokenType).
type Tag int

const (
	// Structural
	TagScript Tag = iota
	TagStatement
	TagCommand
	TagLogicalExpression
	TagUnaryExpression
	TagBinaryExpression

	// Control keywords
	TagIf
	TagElseIf
	TagElse
	TagEndIf
	TagWhile
	TagEndWhile
	TagFor
	TagForEach
	TagEndFor
	TagBreak
	TagContinue
	TagStop
	TagReplay

	// Comparison operators
	TagEqual
	TagNotEqual
	TagLessThan
	TagLessThanOrEqual
	TagGreaterThan
	TagGreaterThanOrEqual

	// Logical
	TagNot
	TagAnd
	TagOr

	// Value kinds
	TagString
	TagSerial
	TagInteger
	TagDouble
	TagOperand

	// Modifiers
	TagQuiet
	TagForce
)

var tagNames = map[Tag]string{
	TagScript:             "SCRIPT",
	TagStatement:          "STATEMENT",
	TagCommand:            "COMMAND",
	TagLogicalExpression:  "LOGICAL_EXPRESSION",
	TagUnaryExpression:    "UNARY_EXPRESSION",
	TagBinaryExpression:   "BINARY_EXPRESSION",
	TagIf:                 "IF",
	TagElseIf:             "ELSEIF",
	TagElse:               "ELSE",
	TagEndIf:              "ENDIF",
	TagWhile:              "WHILE",
	TagEndWhile:           "ENDWHILE",
	TagFor:                "FOR",
	TagForEach:            "FOREACH",
	TagEndFor:             "ENDFOR",
	TagBreak:              "BREAK",
	TagContinue:           "CONTINUE",
	TagStop:               "STOP",
	TagReplay:             "REPLAY",
	TagEqual:              "EQUAL",
	TagNotEqual:           "NOT_EQUAL",
	TagLessThan:           "LESS_THAN",
	TagLessThanOrEqual:    "LESS_THAN_OR_EQUAL",
	TagGreaterThan:        "GREATER_THAN",
	TagGreaterThanOrEqual: "GREATER_THAN_OR_EQUAL",
	TagNot:                "NOT",
	TagAnd:                "AND",
	TagOr:                 "OR",
	TagString:             "STRING",
	TagSerial:             "SERIAL",
	TagInteger:            "INTEGER",
	TagDouble:             "DOUBLE",
	TagOperand:            "OPERAND",
	TagQuiet:              "QUIET",
	TagForce:              "FORCE",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsComparisonOperator reports whether t is one of the six comparator tags.
func IsComparisonOperator(t Tag) bool {
	switch t {
	case TagEqual, TagNotEqual, TagLessThan, TagLessThanOrEqual, TagGreaterThan, TagGreaterThanOrEqual:
		return true
	}
	return false
}

// IsLoopOpener reports whether t opens a loop construct (WHILE/FOR/FOREACH).
func IsLoopOpener(t Tag) bool {
	return t == TagWhile || t == TagFor || t == TagForEach
}

// IsScopeOpener reports whether t is a control node that pushes a new scope.
func IsScopeOpener(t Tag) bool {
	return t == TagIf || t == TagWhile || t == TagFor || t == TagForEach
}

// Node is a doubly-linked AST tree node: an immutable tag, an optional
// lexeme, a weak (non-owning) parent back-reference, and an ordered child
// list that the node owns exclusively. Siblings are linked directly so that
// next/prev traversal is O(1), per the data model's AST node description.
//
// A systems-language port of this engine would model the tree with arena
// allocation and integer node indices instead of pointers (see DESIGN.md);
// Go's garbage collector makes the pointer-based doubly-linked form the
// idiomatic choice here.
type Node struct {
	tag    Tag
	lexeme string

	parent *Node // weak; does not own

	firstChild *Node
	lastChild  *Node

	prev *Node // previous sibling
	next *Node // next sibling
}

// NewNode creates a detached node with the given tag and lexeme.
func NewNode(tag Tag, lexeme string) *Node {
	return &Node{tag: tag, lexeme: lexeme}
}

// Tag returns the node's tag.
func (n *Node) Tag() Tag { return n.tag }

// Lexeme returns the node's lexeme, or "" when absent.
func (n *Node) Lexeme() string { return n.lexeme }

// Parent returns the node's parent, or nil at the root.
func (n *Node) Parent() *Node { return n.parent }

// FirstChild returns the first child, or nil if the node is childless.
func (n *Node) FirstChild() *Node { return n.firstChild }

// LastChild returns the last child, or nil if the node is childless.
func (n *Node) LastChild() *Node { return n.lastChild }

// Next returns the following sibling, or nil if n is the last child of its
// parent (or detached).
func (n *Node) Next() *Node { return n.next }

// Prev returns the preceding sibling, or nil if n is the first child of its
// parent (or detached).
func (n *Node) Prev() *Node { return n.prev }

// AppendChild appends child to n's ordered child list in O(1).
func (n *Node) AppendChild(child *Node) *Node {
	child.parent = n
	child.prev = n.lastChild
	child.next = nil
	if n.lastChild != nil {
		n.lastChild.next = child
	} else {
		n.firstChild = child
	}
	n.lastChild = child
	return child
}

// NewChild creates a node with the given tag/lexeme and appends it to n.
func (n *Node) NewChild(tag Tag, lexeme string) *Node {
	return n.AppendChild(NewNode(tag, lexeme))
}

// Children returns the node's children as a slice, in order. Prefer
// FirstChild/Next for hot-path traversal; this is a convenience for tests
// and diagnostics.
func (n *Node) Children() []*Node {
	var out []*Node
	for c := n.firstChild; c != nil; c = c.next {
		out = append(out, c)
	}
	return out
}

// ChildCount returns the number of direct children of n.
func (n *Node) ChildCount() int {
	count := 0
	for c := n.firstChild; c != nil; c = c.next {
		count++
	}
	return count
}

// NextNonModifier returns n itself if it is not a modifier node, otherwise
// the first following sibling that is not a modifier (QUIET/FORCE), or nil;
// used when a caller only cares about argument or structural nodes.
func NextNonModifier(n *Node) *Node {
	for c := n; c != nil; c = c.next {
		if c.tag != TagQuiet && c.tag != TagForce {
			return c
		}
	}
	return nil
}
