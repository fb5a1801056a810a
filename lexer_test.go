package uosteam

import "testing"

// statementHead is a small test helper: every statement in a lexed SCRIPT
// has exactly one head child, per the parser invariant in §8.
func statementHead(t *testing.T, stmt *Node) *Node {
	t.Helper()
	if stmt.Tag() != TagStatement {
		t.Fatalf("node is not a STATEMENT: %v", stmt.Tag())
	}
	head := stmt.FirstChild()
	if head == nil {
		t.Fatalf("statement has no head child")
	}
	return head
}

func mustLex(t *testing.T, lines []string) *Node {
	t.Helper()
	root, err := Lex(lines)
	if err != nil {
		t.Fatalf("Lex(%v) error: %v", lines, err)
	}
	return root
}

func TestLexSkipsCommentsAndBlankLines(t *testing.T) {
	root := mustLex(t, []string{
		"// a comment",
		"",
		"   ",
		"# another comment",
		"msg hello",
	})
	stmts := root.Children()
	if len(stmts) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(stmts))
	}
	head := statementHead(t, stmts[0])
	if head.Tag() != TagCommand || head.Lexeme() != "msg" {
		t.Fatalf("unexpected head: %v %q", head.Tag(), head.Lexeme())
	}
}

func TestValueClassification(t *testing.T) {
	cases := []struct {
		token string
		want  Tag
	}{
		{"0x1234", TagSerial},
		{"0X1234", TagSerial},
		{"1234", TagInteger},
		{"-5", TagInteger},
		{"hello", TagString},
		{"3.14", TagString}, // not a plain decimal integer
	}
	for _, c := range cases {
		node := classifyValue(c.token)
		if node.Tag() != c.want {
			t.Errorf("classifyValue(%q) = %v, want %v", c.token, node.Tag(), c.want)
		}
	}
}

func TestQuotedSegmentPreservesWhitespace(t *testing.T) {
	root := mustLex(t, []string{`msg 'hello world' again`})
	head := statementHead(t, root.FirstChild())
	values := head.Children()
	if len(values) != 2 {
		t.Fatalf("expected 2 value children, got %d", len(values))
	}
	if values[0].Lexeme() != "hello world" {
		t.Fatalf("quoted segment lost whitespace: %q", values[0].Lexeme())
	}
	if values[1].Lexeme() != "again" {
		t.Fatalf("unexpected second value: %q", values[1].Lexeme())
	}
}

func TestCommandModifiers(t *testing.T) {
	root := mustLex(t, []string{`@setalias! 'Logs' 'Found'`})
	head := statementHead(t, root.FirstChild())
	if head.Tag() != TagCommand || head.Lexeme() != "setalias" {
		t.Fatalf("unexpected head: %v %q", head.Tag(), head.Lexeme())
	}
	children := head.Children()
	if len(children) != 4 {
		t.Fatalf("expected quiet+force+2 values, got %d children", len(children))
	}
	if children[0].Tag() != TagQuiet || children[1].Tag() != TagForce {
		t.Fatalf("expected QUIET then FORCE modifiers, got %v %v", children[0].Tag(), children[1].Tag())
	}
	if children[2].Tag() != TagString || children[2].Lexeme() != "Logs" {
		t.Fatalf("unexpected first value: %v %q", children[2].Tag(), children[2].Lexeme())
	}
}

func TestQuietAliasScenario(t *testing.T) {
	// End-to-end scenario 6 from the testable-properties list: @setalias
	// 'Logs' 'Found' parses as COMMAND setalias with two STRING args and a
	// QUIET modifier.
	root := mustLex(t, []string{`@setalias 'Logs' 'Found'`})
	head := statementHead(t, root.FirstChild())
	if head.Lexeme() != "setalias" {
		t.Fatalf("unexpected command name: %q", head.Lexeme())
	}
	var quiet bool
	var values []*Node
	for c := head.FirstChild(); c != nil; c = c.Next() {
		if c.Tag() == TagQuiet {
			quiet = true
			continue
		}
		values = append(values, c)
	}
	if !quiet {
		t.Fatalf("expected QUIET modifier")
	}
	if len(values) != 2 || values[0].Tag() != TagString || values[1].Tag() != TagString {
		t.Fatalf("expected two STRING args, got %v", values)
	}
}

func TestIfElseifElseStructure(t *testing.T) {
	root := mustLex(t, []string{
		"if 1 == 1",
		"  msg a",
		"elseif 2 == 2",
		"  msg b",
		"else",
		"  msg c",
		"endif",
	})
	stmts := root.Children()
	if len(stmts) != 7 {
		t.Fatalf("expected 7 statements, got %d", len(stmts))
	}
	if h := statementHead(t, stmts[0]); h.Tag() != TagIf {
		t.Fatalf("expected IF, got %v", h.Tag())
	}
	if h := statementHead(t, stmts[2]); h.Tag() != TagElseIf {
		t.Fatalf("expected ELSEIF, got %v", h.Tag())
	}
	if h := statementHead(t, stmts[4]); h.Tag() != TagElse {
		t.Fatalf("expected ELSE, got %v", h.Tag())
	}
	if h := statementHead(t, stmts[6]); h.Tag() != TagEndIf {
		t.Fatalf("expected ENDIF, got %v", h.Tag())
	}
}

func TestBinaryExpressionWithCommandOperand(t *testing.T) {
	root := mustLex(t, []string{"if skillvalue 'strength' > 50"})
	ifNode := statementHead(t, root.FirstChild())
	expr := ifNode.FirstChild()
	if expr.Tag() != TagBinaryExpression {
		t.Fatalf("expected BINARY_EXPRESSION, got %v", expr.Tag())
	}
	left := expr.FirstChild()
	op := left.Next()
	right := op.Next()
	if left.Tag() != TagOperand || left.Lexeme() != "skillvalue" {
		t.Fatalf("unexpected left operand: %v %q", left.Tag(), left.Lexeme())
	}
	if left.FirstChild() == nil || left.FirstChild().Lexeme() != "strength" {
		t.Fatalf("expected skillvalue to carry its argument as a child")
	}
	if op.Tag() != TagGreaterThan {
		t.Fatalf("expected >, got %v", op.Tag())
	}
	if right.Tag() != TagInteger || right.Lexeme() != "50" {
		t.Fatalf("unexpected right operand: %v %q", right.Tag(), right.Lexeme())
	}
}

func TestLogicalExpressionWithAndOr(t *testing.T) {
	root := mustLex(t, []string{"if 1 == 1 and 2 == 2 or 3 == 4"})
	ifNode := statementHead(t, root.FirstChild())
	expr := ifNode.FirstChild()
	if expr.Tag() != TagLogicalExpression {
		t.Fatalf("expected LOGICAL_EXPRESSION, got %v", expr.Tag())
	}
	children := expr.Children()
	if len(children) != 5 {
		t.Fatalf("expected 5 children (sub AND sub OR sub), got %d", len(children))
	}
	if children[1].Tag() != TagAnd || children[3].Tag() != TagOr {
		t.Fatalf("unexpected operator tags: %v %v", children[1].Tag(), children[3].Tag())
	}
}

func TestForLexesBareIntegerChild(t *testing.T) {
	root := mustLex(t, []string{"for 3"})
	head := statementHead(t, root.FirstChild())
	if head.Tag() != TagFor {
		t.Fatalf("expected FOR, got %v", head.Tag())
	}
	child := head.FirstChild()
	if child == nil || child.Tag() != TagInteger || child.Lexeme() != "3" {
		t.Fatalf("expected a bare INTEGER child, got %v", child)
	}
}

func TestForEachStructure(t *testing.T) {
	root := mustLex(t, []string{"foreach v in MyList"})
	head := statementHead(t, root.FirstChild())
	if head.Tag() != TagForEach {
		t.Fatalf("expected FOREACH, got %v", head.Tag())
	}
	varNode := head.FirstChild()
	listNode := varNode.Next()
	if varNode.Lexeme() != "v" || listNode.Lexeme() != "MyList" {
		t.Fatalf("unexpected foreach children: %q %q", varNode.Lexeme(), listNode.Lexeme())
	}
}

func TestMarkerStatementsRejectTrailingTokens(t *testing.T) {
	_, err := Lex([]string{"endif extra"})
	if err == nil {
		t.Fatalf("expected a parse error for trailing tokens on a marker statement")
	}
}

func TestNotWithComparatorIsParseError(t *testing.T) {
	_, err := Lex([]string{"if not 1 == 1"})
	if err == nil {
		t.Fatalf("expected a parse error combining not with a comparator")
	}
}

func TestMatchingTerminatorReachableByForwardWalk(t *testing.T) {
	// Parser invariant: for every IF/WHILE/FOR/FOREACH, a forward sibling
	// walk reaches the matching closer at brace depth 0.
	root := mustLex(t, []string{
		"while 1 == 1",
		"  if 1 == 1",
		"  endif",
		"endwhile",
	})
	stmts := root.Children()
	whileStmt := stmts[0]
	depth := 0
	found := false
	for cur := whileStmt.Next(); cur != nil; cur = cur.Next() {
		h := cur.FirstChild()
		switch h.Tag() {
		case TagWhile:
			depth++
		case TagEndWhile:
			if depth == 0 {
				found = true
			}
			depth--
		}
		if found {
			break
		}
	}
	if !found {
		t.Fatalf("forward walk from WHILE did not reach matching ENDWHILE")
	}
}
