package uosteam

import "fmt"

// ParseError is returned by Lex/LexFile when the source text cannot be
// turned into a well-formed AST. Grounded on the teacher's PawScriptError:
// a message plus enough position context to point a user at the offending
// line, rather than a bare errors.New string.
type ParseError struct {
	Line    int
	Source  string
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s (%q)", e.Line, e.Message, e.Source)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

// RuntimeError is the single error kind raised during script execution. It
// bundles the offending node (possibly nil, e.g. for store-level errors
// that aren't tied to a specific AST position) and a human-readable
// message. Modeled on PawScriptError's (Message, Position, Context) shape.
type RuntimeError struct {
	Node    *Node
	Message string
}

func (e *RuntimeError) Error() string {
	if e.Node != nil && e.Node.Lexeme() != "" {
		return fmt.Sprintf("runtime error: %s (at %s %q)", e.Message, e.Node.Tag(), e.Node.Lexeme())
	}
	if e.Node != nil {
		return fmt.Sprintf("runtime error: %s (at %s)", e.Message, e.Node.Tag())
	}
	return fmt.Sprintf("runtime error: %s", e.Message)
}

func newRuntimeError(node *Node, format string, args ...any) *RuntimeError {
	return &RuntimeError{Node: node, Message: fmt.Sprintf(format, args...)}
}
