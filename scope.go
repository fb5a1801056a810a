package uosteam

// Scope is one level of name bindings, pushed by IF/WHILE/FOR/FOREACH and
// popped on exit. Each scope remembers the AST node that opened it (the
// "start node") so that WHILE/FOR/FOREACH can tell first entry from
// re-entry on the next tick, per the data model.
type Scope struct {
	parent    *Scope
	startNode *Node
	vars      map[string]*Argument

	// iterators holds hidden per-loop counters, keyed by the identity of
	// the loop's AST node. A Go pointer is already a stable per-node
	// identity — the idiomatic substitute for the "stable per-node id
	// (arena index)" called for when a systems language has no garbage
	// collector to keep node addresses meaningful.
	iterators map[*Node]int64
}

// NewScope creates a scope anchored at startNode, chained to parent (nil at
// the root).
func NewScope(parent *Scope, startNode *Node) *Scope {
	return &Scope{parent: parent, startNode: startNode}
}

// Parent returns the enclosing scope, or nil at the root.
func (s *Scope) Parent() *Scope { return s.parent }

// StartNode returns the AST node that opened this scope.
func (s *Scope) StartNode() *Node { return s.startNode }

// Set binds name to value in this scope, shadowing any outer binding for
// the lifetime of the scope.
func (s *Scope) Set(name string, value *Argument) {
	if s.vars == nil {
		s.vars = make(map[string]*Argument)
	}
	s.vars[name] = value
}

// Unset removes a binding from this scope only (used to "clear" a FOREACH
// loop variable when the list is shorter than the current index).
func (s *Scope) Unset(name string) {
	delete(s.vars, name)
}

// lookupLocal returns the binding for name defined directly in this scope.
func (s *Scope) lookupLocal(name string) (*Argument, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// Lookup walks from s to the root, returning the first match.
func (s *Scope) Lookup(name string) (*Argument, bool) {
	for scope := s; scope != nil; scope = scope.parent {
		if v, ok := scope.lookupLocal(name); ok {
			return v, true
		}
	}
	return nil, false
}

// Iterator returns the hidden loop counter for node, and whether it had
// already been initialized (false on first entry).
func (s *Scope) Iterator(node *Node) (int64, bool) {
	if s.iterators == nil {
		return 0, false
	}
	v, ok := s.iterators[node]
	return v, ok
}

// SetIterator stores the hidden loop counter for node in this scope.
func (s *Scope) SetIterator(node *Node, value int64) {
	if s.iterators == nil {
		s.iterators = make(map[*Node]int64)
	}
	s.iterators[node] = value
}
