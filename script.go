package uosteam

import (
	"fmt"
	"strconv"
)

// Script is an execution cursor over a SCRIPT AST plus its scope chain.
// ExecuteNext advances by exactly one statement, or performs one
// control-flow unwinding step, per tick — grounded on the teacher's
// ExecutionState (state.go), generalized here from "per-fiber execution
// record" to "the one active script's execution record" since this spec
// has no fiber/goroutine concurrency.
type Script struct {
	engine *Engine
	root   *Node
	cursor *Node
	scope  *Scope
}

// NewScript builds a Script over root, with the cursor on the SCRIPT's
// first statement and a root scope anchored at that node.
func NewScript(root *Node, engine *Engine) *Script {
	s := &Script{engine: engine, root: root}
	s.cursor = root.FirstChild()
	s.scope = NewScope(nil, s.cursor)
	return s
}

// Active reports whether the script still has a statement to execute.
func (s *Script) Active() bool { return s.cursor != nil }

// Cursor returns the statement the script is currently positioned on, or
// nil if it has stopped or run off the end.
func (s *Script) Cursor() *Node { return s.cursor }

func (s *Script) lookupVariable(name string) (*Argument, bool) {
	if s.scope == nil {
		return nil, false
	}
	return s.scope.Lookup(name)
}

// advance moves the cursor to the next sibling statement and, on success,
// implicitly clears any pending timeout — per §4.2's execution-state table.
func (s *Script) advance() {
	if s.cursor == nil {
		return
	}
	s.cursor = s.cursor.Next()
	if s.engine != nil {
		s.engine.clearTimeoutImplicit()
	}
}

// ExecuteNext dispatches on the current statement's head tag and performs
// exactly one tick's worth of work.
func (s *Script) ExecuteNext() error {
	if s.cursor == nil {
		return nil
	}
	stmt := s.cursor
	head := stmt.FirstChild()
	if head == nil {
		return newRuntimeError(stmt, "statement has no head node")
	}

	switch head.Tag() {
	case TagCommand:
		return s.execCommand(head)
	case TagIf:
		return s.execIf(head)
	case TagElseIf, TagElse:
		return s.execElseBranch(head)
	case TagEndIf:
		s.popScope()
		s.advance()
		return nil
	case TagWhile:
		return s.execWhile(head)
	case TagEndWhile:
		return s.execEndWhile(head)
	case TagFor:
		return s.execFor(head)
	case TagForEach:
		return s.execForEach(head)
	case TagEndFor:
		return s.execEndFor(head)
	case TagBreak:
		return s.execBreak(head)
	case TagContinue:
		return s.execContinue(head)
	case TagStop:
		s.engine.logger.Debug(CatFlow, "stop", head)
		s.cursor = nil
		return nil
	case TagReplay:
		s.engine.logger.Debug(CatFlow, "replay: resetting cursor to the first statement", head)
		s.cursor = s.root.FirstChild()
		return nil
	default:
		s.engine.logger.Error(CatFlow, fmt.Sprintf("unrecognised statement head %s", head.Tag()), head)
		return newRuntimeError(head, "unrecognised statement head %s", head.Tag())
	}
}

func (s *Script) pushScope(startNode *Node) {
	s.engine.logger.Trace(CatScope, "pushing scope", startNode)
	s.scope = NewScope(s.scope, startNode)
}

func (s *Script) popScope() {
	if s.scope != nil {
		s.engine.logger.Trace(CatScope, "popping scope", s.scope.StartNode())
		s.scope = s.scope.Parent()
	}
}

// popScopesTo discards scopes (IF/WHILE/FOR/FOREACH scopes pushed since
// target's own scope was opened) until the top of the stack is target's
// scope itself, leaving that scope in place. Used by BREAK/CONTINUE to
// unwind any IF scopes nested inside a loop body before touching the
// loop's own scope, so neither leaks past a jump out of the nested block.
func (s *Script) popScopesTo(target *Node) {
	for s.scope != nil && s.scope.StartNode() != target {
		s.popScope()
	}
}

// findMatchingOpener walks backward from endNode (an ENDWHILE/ENDFOR head),
// balancing nested closers against WHILE/FOR/FOREACH openers treated as
// interchangeable, and returns the matching opener head node.
func (s *Script) findMatchingOpener(endNode *Node) *Node {
	depth := 0
	for cur := endNode.Parent().Prev(); cur != nil; cur = cur.Prev() {
		h := cur.FirstChild()
		switch h.Tag() {
		case TagEndWhile, TagEndFor:
			depth++
		case TagWhile, TagFor, TagForEach:
			if depth == 0 {
				return h
			}
			depth--
		}
	}
	return nil
}

// execCommand walks head's modifier/value children, resolves the command
// handler, invokes it, and advances the cursor iff the handler says to.
func (s *Script) execCommand(cmd *Node) error {
	quiet, force := false, false
	var args []*Argument
	for c := cmd.FirstChild(); c != nil; c = c.Next() {
		switch c.Tag() {
		case TagQuiet:
			quiet = true
		case TagForce:
			force = true
		default:
			args = append(args, NewArgument(s, c))
		}
	}

	s.engine.logger.Debug(CatCommand, fmt.Sprintf("dispatching %s (quiet=%v force=%v argc=%d)", cmd.Lexeme(), quiet, force, len(args)), cmd)

	handler, ok := s.engine.commandHandler(cmd.Lexeme())
	if !ok {
		s.engine.logger.Warn(CatCommand, fmt.Sprintf("unknown command %q", cmd.Lexeme()), cmd)
		return newRuntimeError(cmd, "unknown command %q", cmd.Lexeme())
	}
	cont, err := handler(cmd.Lexeme(), args, quiet, force)
	if err != nil {
		s.engine.logger.Error(CatCommand, fmt.Sprintf("%s failed: %v", cmd.Lexeme(), err), cmd)
		return err
	}
	if cont {
		s.advance()
	} else {
		s.engine.logger.Trace(CatCommand, fmt.Sprintf("%s stalled, retrying next tick", cmd.Lexeme()), cmd)
	}
	return nil
}

// execIf pushes an IF scope, evaluates the condition, and either falls
// through into the then-branch or scans forward for the taken branch.
func (s *Script) execIf(ifNode *Node) error {
	s.pushScope(ifNode)
	result, err := s.evalExpression(ifNode.FirstChild())
	if err != nil {
		return err
	}
	s.engine.logger.Trace(CatFlow, fmt.Sprintf("if condition = %v", result), ifNode)
	s.advance()
	if result {
		return nil
	}
	return s.skipIfBranch(ifNode)
}

// skipIfBranch scans forward from the current cursor (already past the
// IF/ELSEIF that just failed), balancing nested IF/ENDIF, looking for an
// ELSEIF that evaluates true, an ELSE, or the matching ENDIF.
func (s *Script) skipIfBranch(ifNode *Node) error {
	depth := 0
	for s.cursor != nil {
		head := s.cursor.FirstChild()
		switch head.Tag() {
		case TagIf:
			depth++
		case TagEndIf:
			if depth == 0 {
				return nil
			}
			depth--
		case TagElseIf:
			if depth == 0 {
				result, err := s.evalExpression(head.FirstChild())
				if err != nil {
					return err
				}
				s.advance()
				if result {
					return nil
				}
				continue
			}
		case TagElse:
			if depth == 0 {
				s.advance()
				return nil
			}
		}
		s.advance()
	}
	return newRuntimeError(ifNode, "unmatched IF: no ENDIF found")
}

// execElseBranch handles an ELSEIF/ELSE reached by normal forward advance
// (meaning a preceding then-branch just finished): skip to the matching
// ENDIF at depth 0.
func (s *Script) execElseBranch(head *Node) error {
	s.advance()
	depth := 0
	for s.cursor != nil {
		h := s.cursor.FirstChild()
		switch h.Tag() {
		case TagIf:
			depth++
		case TagEndIf:
			if depth == 0 {
				return nil
			}
			depth--
		}
		s.advance()
	}
	return newRuntimeError(head, "unmatched %s: no ENDIF found", head.Tag())
}

// execWhile pushes a scope on first entry (re-entry reuses the scope the
// opening WHILE already has, since ENDWHILE lands back on this node
// without popping), evaluates the condition, and advances or skips.
func (s *Script) execWhile(whileNode *Node) error {
	if s.scope == nil || s.scope.StartNode() != whileNode {
		s.pushScope(whileNode)
	}
	result, err := s.evalExpression(whileNode.FirstChild())
	if err != nil {
		return err
	}
	s.engine.logger.Trace(CatFlow, fmt.Sprintf("while condition = %v", result), whileNode)
	s.advance()
	if result {
		return nil
	}
	return s.skipWhileBody(whileNode)
}

func (s *Script) skipWhileBody(whileNode *Node) error {
	depth := 0
	for s.cursor != nil {
		h := s.cursor.FirstChild()
		switch h.Tag() {
		case TagWhile:
			depth++
		case TagEndWhile:
			if depth == 0 {
				s.advance()
				s.popScope()
				return nil
			}
			depth--
		}
		s.advance()
	}
	return newRuntimeError(whileNode, "unmatched WHILE: no ENDWHILE found")
}

// execEndWhile walks backward balancing nested WHILE/ENDWHILE to land on
// the opening WHILE; the next tick re-evaluates it.
func (s *Script) execEndWhile(endNode *Node) error {
	depth := 0
	for cur := endNode.Parent().Prev(); cur != nil; cur = cur.Prev() {
		h := cur.FirstChild()
		switch h.Tag() {
		case TagEndWhile:
			depth++
		case TagWhile:
			if depth == 0 {
				s.cursor = cur
				return nil
			}
			depth--
		}
	}
	return newRuntimeError(endNode, "unmatched ENDWHILE: no WHILE found")
}

// execFor implements the integer-count loop. On first entry the hidden
// iterator starts at 0; on re-entry it increments. The iterator lives on
// the Scope, keyed by this FOR node's identity, and is never exposed as a
// script-visible variable.
func (s *Script) execFor(forNode *Node) error {
	firstEntry := s.scope == nil || s.scope.StartNode() != forNode
	if firstEntry {
		s.pushScope(forNode)
	}

	countNode := forNode.FirstChild()
	if countNode == nil || countNode.Tag() != TagInteger {
		return newRuntimeError(forNode, "FOR without integer count")
	}
	n, err := strconv.ParseInt(countNode.Lexeme(), 10, 64)
	if err != nil {
		return newRuntimeError(forNode, "FOR without integer count")
	}

	var i int64
	if !firstEntry {
		prev, _ := s.scope.Iterator(forNode)
		i = prev + 1
	}
	s.scope.SetIterator(forNode, i)
	s.engine.logger.Trace(CatFlow, fmt.Sprintf("for iteration %d of %d", i, n), forNode)

	s.advance()
	if i < n {
		return nil
	}
	return s.skipForLikeBody(forNode)
}

// execForEach implements "foreach VAR in LIST". VAR is a real,
// script-visible variable bound to list[i] on each pass, and unbound when
// the list is shorter than the current index.
func (s *Script) execForEach(feNode *Node) error {
	firstEntry := s.scope == nil || s.scope.StartNode() != feNode
	if firstEntry {
		s.pushScope(feNode)
	}

	varNode := feNode.FirstChild()
	listNameNode := varNode.Next()

	var i int64
	if !firstEntry {
		prev, _ := s.scope.Iterator(feNode)
		i = prev + 1
	}
	s.scope.SetIterator(feNode, i)

	bound := false
	if list, ok := s.engine.list(listNameNode.Lexeme()); ok && i >= 0 && int(i) < len(list) {
		s.scope.Set(varNode.Lexeme(), list[i])
		bound = true
	} else {
		s.scope.Unset(varNode.Lexeme())
	}
	s.engine.logger.Trace(CatFlow, fmt.Sprintf("foreach %s index %d bound=%v", varNode.Lexeme(), i, bound), feNode)

	s.advance()
	if bound {
		return nil
	}
	return s.skipForLikeBody(feNode)
}

// skipForLikeBody scans forward balancing FOR/FOREACH openers against the
// shared ENDFOR closer, pops the scope, and lands one past it.
func (s *Script) skipForLikeBody(openerNode *Node) error {
	depth := 0
	for s.cursor != nil {
		h := s.cursor.FirstChild()
		switch h.Tag() {
		case TagFor, TagForEach:
			depth++
		case TagEndFor:
			if depth == 0 {
				s.advance()
				s.popScope()
				return nil
			}
			depth--
		}
		s.advance()
	}
	return newRuntimeError(openerNode, "unmatched FOR/FOREACH: no ENDFOR found")
}

// execEndFor walks backward balancing nested closers to find the matching
// FOR/FOREACH opener; the next tick iterates it.
func (s *Script) execEndFor(endNode *Node) error {
	depth := 0
	for cur := endNode.Parent().Prev(); cur != nil; cur = cur.Prev() {
		h := cur.FirstChild()
		switch h.Tag() {
		case TagEndFor:
			depth++
		case TagFor, TagForEach:
			if depth == 0 {
				s.cursor = cur
				return nil
			}
			depth--
		}
	}
	return newRuntimeError(endNode, "unmatched ENDFOR: no FOR/FOREACH found")
}

// execBreak advances past itself, then forward-scans balancing any nested
// WHILE/FOR/FOREACH opener against either closer, landing one past the
// innermost enclosing loop's closer. Any IF (or other) scopes pushed
// between the loop opener and the BREAK are unwound first, then the
// loop's own scope is popped too, so BREAK always leaves the scope stack
// exactly where it was before the loop was entered — regardless of how
// deeply BREAK is nested inside the loop body.
func (s *Script) execBreak(breakNode *Node) error {
	s.engine.logger.Debug(CatFlow, "break exiting enclosing loop", breakNode)
	s.advance()
	depth := 0
	for s.cursor != nil {
		h := s.cursor.FirstChild()
		switch h.Tag() {
		case TagWhile, TagFor, TagForEach:
			depth++
		case TagEndWhile, TagEndFor:
			if depth == 0 {
				opener := s.findMatchingOpener(h)
				if opener == nil {
					return newRuntimeError(breakNode, "break: no matching loop opener found")
				}
				s.advance()
				s.popScopesTo(opener)
				s.popScope()
				return nil
			}
			depth--
		}
		s.advance()
	}
	return newRuntimeError(breakNode, "break outside of a loop")
}

// execContinue backward-scans balancing nested closers to land on the
// matching opener, unwinding any IF (or other) scopes pushed since that
// opener's own scope was pushed — but leaving the loop's own scope in
// place, since the next tick re-enters the opener expecting its scope to
// already be current (not a fresh first entry).
func (s *Script) execContinue(contNode *Node) error {
	s.engine.logger.Debug(CatFlow, "continue looping", contNode)
	depth := 0
	for cur := contNode.Parent().Prev(); cur != nil; cur = cur.Prev() {
		h := cur.FirstChild()
		switch h.Tag() {
		case TagEndWhile, TagEndFor:
			depth++
		case TagWhile, TagFor, TagForEach:
			if depth == 0 {
				s.popScopesTo(h)
				s.cursor = cur
				return nil
			}
			depth--
		}
	}
	return newRuntimeError(contNode, "continue outside of a loop")
}

// evalExpression evaluates a top-level condition node (LOGICAL/UNARY/
// BINARY_EXPRESSION) to a boolean.
func (s *Script) evalExpression(node *Node) (bool, error) {
	switch node.Tag() {
	case TagLogicalExpression:
		return s.evalLogical(node)
	case TagUnaryExpression:
		return s.evalUnary(node)
	case TagBinaryExpression:
		return s.evalBinary(node)
	default:
		return false, newRuntimeError(node, "expected an expression, found %s", node.Tag())
	}
}

func (s *Script) evalSubExpr(node *Node) (bool, error) {
	switch node.Tag() {
	case TagUnaryExpression:
		return s.evalUnary(node)
	case TagBinaryExpression:
		return s.evalBinary(node)
	default:
		return false, newRuntimeError(node, "expected a sub-expression, found %s", node.Tag())
	}
}

// evalLogical folds left to right. AND/OR do not short-circuit — both
// sides are always evaluated, per the resolved open question (a).
func (s *Script) evalLogical(node *Node) (bool, error) {
	child := node.FirstChild()
	result, err := s.evalSubExpr(child)
	if err != nil {
		return false, err
	}
	for op := child.Next(); op != nil; {
		rhsNode := op.Next()
		rhs, err := s.evalSubExpr(rhsNode)
		if err != nil {
			return false, err
		}
		switch op.Tag() {
		case TagAnd:
			result = result && rhs
		case TagOr:
			result = result || rhs
		default:
			return false, newRuntimeError(op, "expected AND/OR, found %s", op.Tag())
		}
		op = rhsNode.Next()
	}
	return result, nil
}

// evalUnary strips an optional NOT, resolves the expression handler for
// the COMMAND child, invokes it, and compares the result to true (or
// false, if NOT was present).
func (s *Script) evalUnary(node *Node) (bool, error) {
	hasNot := false
	cmdNode := node.FirstChild()
	if cmdNode != nil && cmdNode.Tag() == TagNot {
		hasNot = true
		cmdNode = cmdNode.Next()
	}
	result, err := s.invokeExpressionNode(cmdNode)
	if err != nil {
		return false, err
	}
	expect := !hasNot
	return CompareValues(result, BoolComparable(expect), TagEqual)
}

// evalBinary evaluates both operands to Comparables and applies the
// generic comparator.
func (s *Script) evalBinary(node *Node) (bool, error) {
	left := node.FirstChild()
	opNode := left.Next()
	right := opNode.Next()

	lc, err := s.evalOperand(left)
	if err != nil {
		return false, err
	}
	rc, err := s.evalOperand(right)
	if err != nil {
		return false, err
	}
	return CompareValues(lc, rc, opNode.Tag())
}

// evalOperand resolves one side of a BINARY_EXPRESSION: an integer literal
// evaluates directly; an OPERAND resolves through variable lookup, then
// the expression-handler registry, falling back to its literal lexeme.
func (s *Script) evalOperand(node *Node) (Comparable, error) {
	switch node.Tag() {
	case TagInteger:
		v, err := parseInt(node.Lexeme(), node)
		if err != nil {
			return Comparable{}, err
		}
		return IntComparable(v), nil
	case TagOperand:
		return s.invokeExpressionNode(node)
	default:
		return Comparable{}, newRuntimeError(node, "unexpected operand kind %s", node.Tag())
	}
}

// invokeExpressionNode is shared by UNARY's COMMAND child and BINARY's
// OPERAND children: it collects argument values, tries a scope variable
// first when there are no arguments, then the expression-handler
// registry, and — only for OPERAND nodes — falls back to the literal
// lexeme when no handler is registered.
func (s *Script) invokeExpressionNode(node *Node) (Comparable, error) {
	quiet := false
	var args []*Argument
	for c := node.FirstChild(); c != nil; c = c.Next() {
		switch c.Tag() {
		case TagQuiet:
			quiet = true
		case TagForce:
			// Expression handlers have no force parameter; the modifier
			// is accepted syntactically but has no runtime effect here.
		default:
			args = append(args, NewArgument(s, c))
		}
	}

	if len(args) == 0 {
		if bound, ok := s.lookupVariable(node.Lexeme()); ok {
			s.engine.logger.Trace(CatExpression, fmt.Sprintf("%q resolved as a variable", node.Lexeme()), node)
			str, err := bound.AsString()
			if err != nil {
				return Comparable{}, err
			}
			return StringComparable(str), nil
		}
	}

	handler, ok := s.engine.expressionHandler(node.Lexeme())
	if !ok {
		if node.Tag() == TagOperand {
			s.engine.logger.Trace(CatExpression, fmt.Sprintf("%q has no handler, falling back to its literal lexeme", node.Lexeme()), node)
			return StringComparable(node.Lexeme()), nil
		}
		s.engine.logger.Warn(CatExpression, fmt.Sprintf("unknown expression %q", node.Lexeme()), node)
		return Comparable{}, newRuntimeError(node, "unknown expression %q", node.Lexeme())
	}
	s.engine.logger.Debug(CatExpression, fmt.Sprintf("dispatching expression %q (argc=%d)", node.Lexeme(), len(args)), node)
	return handler(node.Lexeme(), args, quiet)
}
