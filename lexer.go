package uosteam

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Lex turns a sequence of source lines into a SCRIPT AST root. Grounded on
// the teacher's habit of exposing a single stateless entry point from raw
// text to a parsed structure (parser.go's RemoveComments + NewParser
// pipeline), simplified here because this spec doesn't need the teacher's
// source-map/original-position bookkeeping beyond a line number.
func Lex(lines []string) (*Node, error) {
	script := NewNode(TagScript, "")
	for i, raw := range lines {
		stmt, err := lexLine(raw, i+1)
		if err != nil {
			return nil, err
		}
		if stmt == nil {
			continue
		}
		script.AppendChild(stmt)
	}
	return script, nil
}

// LexFile reads path line by line and lexes it, interchangeable with Lex.
func LexFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ParseError{Message: "cannot open source file: " + err.Error()}
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Message: "cannot read source file: " + err.Error()}
	}
	return Lex(lines)
}

var keywordExpr = map[string]Tag{
	"if":     TagIf,
	"elseif": TagElseIf,
	"while":  TagWhile,
	"for":    TagFor,
}

var keywordMarker = map[string]Tag{
	"endif":    TagEndIf,
	"endwhile": TagEndWhile,
	"endfor":   TagEndFor,
	"break":    TagBreak,
	"continue": TagContinue,
	"stop":     TagStop,
	"replay":   TagReplay,
	"else":     TagElse,
}

var comparatorTags = map[string]Tag{
	"==": TagEqual,
	"=":  TagEqual,
	"!=": TagNotEqual,
	"<":  TagLessThan,
	"<=": TagLessThanOrEqual,
	">":  TagGreaterThan,
	">=": TagGreaterThanOrEqual,
}

func lexLine(raw string, lineNo int) (*Node, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
		return nil, nil
	}

	tokens := tokenize(trimmed)
	if len(tokens) == 0 {
		return nil, nil
	}

	head := strings.ToLower(tokens[0])
	rest := tokens[1:]

	stmt := NewNode(TagStatement, "")

	if tag, ok := keywordExpr[head]; ok {
		ctrl := stmt.NewChild(tag, "")
		if tag == TagFor {
			// FOR's operand is a bare integer-count literal, not a full
			// logical expression: the runtime's "require first child to
			// be INTEGER" check (§4.4) operates directly on this node,
			// so it must not be wrapped in a UNARY_EXPRESSION.
			if len(rest) != 1 {
				return nil, &ParseError{Line: lineNo, Source: raw, Message: "for expects exactly one count argument"}
			}
			ctrl.AppendChild(classifyValue(rest[0]))
			return stmt, nil
		}
		expr, err := parseExpression(rest, raw, lineNo)
		if err != nil {
			return nil, err
		}
		ctrl.AppendChild(expr)
		return stmt, nil
	}

	if head == "foreach" {
		return lexForEach(stmt, rest, raw, lineNo)
	}

	if tag, ok := keywordMarker[head]; ok {
		if len(rest) != 0 {
			return nil, &ParseError{Line: lineNo, Source: raw, Message: head + " takes no arguments"}
		}
		stmt.NewChild(tag, "")
		return stmt, nil
	}

	cmd, err := buildCommand(tokens, raw, lineNo)
	if err != nil {
		return nil, err
	}
	stmt.AppendChild(cmd)
	return stmt, nil
}

func lexForEach(stmt *Node, rest []string, raw string, lineNo int) (*Node, error) {
	if len(rest) != 3 || !strings.EqualFold(rest[1], "in") {
		return nil, &ParseError{Line: lineNo, Source: raw, Message: "foreach expects 'foreach VAR in LIST'"}
	}
	ctrl := stmt.NewChild(TagForEach, "")
	ctrl.NewChild(TagOperand, rest[0])
	ctrl.NewChild(TagString, rest[2])
	return stmt, nil
}

// tokenize splits a trimmed line on '\'' and '"' into alternating
// "outside"/"inside" segments. Both quote characters toggle quoted mode
// identically and interchangeably; a quoted segment is preserved verbatim
// (including internal whitespace) as a single token. Outside segments are
// split on whitespace runs with empty tokens discarded.
func tokenize(line string) []string {
	var tokens []string
	var outside strings.Builder
	var inside strings.Builder
	inQuote := false

	flushOutside := func() {
		tokens = append(tokens, strings.Fields(outside.String())...)
		outside.Reset()
	}

	for _, r := range line {
		if r == '\'' || r == '"' {
			if !inQuote {
				flushOutside()
				inQuote = true
				inside.Reset()
			} else {
				tokens = append(tokens, inside.String())
				inside.Reset()
				inQuote = false
			}
			continue
		}
		if inQuote {
			inside.WriteRune(r)
		} else {
			outside.WriteRune(r)
		}
	}
	if inQuote {
		// Unterminated quote: best-effort, keep what was captured.
		tokens = append(tokens, inside.String())
	} else {
		flushOutside()
	}
	return tokens
}

// classifyValue builds a leaf value node per §4.1.3: 0x-prefixed → SERIAL,
// signed decimal → INTEGER, otherwise STRING.
func classifyValue(tok string) *Node {
	if hasHexPrefix(tok) {
		return NewNode(TagSerial, tok)
	}
	if _, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return NewNode(TagInteger, tok)
	}
	return NewNode(TagString, tok)
}

// splitModifiers strips a leading '@' (quiet) and/or a trailing '!'
// (force) from a command-lexeme token, per §4.1.2.
func splitModifiers(tok string) (name string, quiet, force bool) {
	name = tok
	if strings.HasPrefix(name, "@") {
		quiet = true
		name = name[1:]
	}
	if strings.HasSuffix(name, "!") {
		force = true
		name = name[:len(name)-1]
	}
	return name, quiet, force
}

// buildCommand parses a command call from tokens: tokens[0] carries the
// optional modifiers; tokens[1:] become value children, in order.
func buildCommand(tokens []string, raw string, lineNo int) (*Node, error) {
	if len(tokens) == 0 {
		return nil, &ParseError{Line: lineNo, Source: raw, Message: "empty command"}
	}
	name, quiet, force := splitModifiers(tokens[0])
	if name == "" {
		return nil, &ParseError{Line: lineNo, Source: raw, Message: "command name is empty after stripping modifiers"}
	}
	cmd := NewNode(TagCommand, name)
	if quiet {
		cmd.NewChild(TagQuiet, "")
	}
	if force {
		cmd.NewChild(TagForce, "")
	}
	for _, tok := range tokens[1:] {
		cmd.AppendChild(classifyValue(tok))
	}
	return cmd, nil
}

// buildOperand parses one side of a BINARY_EXPRESSION: a lone integer
// literal is emitted directly as a value node; anything else becomes an
// OPERAND command call (name + argument values), resolved at evaluation
// time through the expression-handler registry.
func buildOperand(tokens []string, raw string, lineNo int) (*Node, error) {
	if len(tokens) == 1 {
		if _, err := strconv.ParseInt(tokens[0], 10, 64); err == nil {
			return NewNode(TagInteger, tokens[0]), nil
		}
	}
	if len(tokens) == 0 {
		return nil, &ParseError{Line: lineNo, Source: raw, Message: "missing operand"}
	}
	name, quiet, force := splitModifiers(tokens[0])
	operand := NewNode(TagOperand, name)
	if quiet {
		operand.NewChild(TagQuiet, "")
	}
	if force {
		operand.NewChild(TagForce, "")
	}
	for _, tok := range tokens[1:] {
		operand.AppendChild(classifyValue(tok))
	}
	return operand, nil
}

// parseExpression implements §4.1.1: split on top-level and/or into
// sub-expressions, building a LOGICAL_EXPRESSION when more than one piece
// is found, or a single UNARY/BINARY_EXPRESSION otherwise.
func parseExpression(tokens []string, raw string, lineNo int) (*Node, error) {
	if len(tokens) == 0 {
		return nil, &ParseError{Line: lineNo, Source: raw, Message: "empty expression"}
	}

	var segments [][]string
	var operators []Tag
	var current []string
	for _, tok := range tokens {
		switch strings.ToLower(tok) {
		case "and":
			segments = append(segments, current)
			operators = append(operators, TagAnd)
			current = nil
			continue
		case "or":
			segments = append(segments, current)
			operators = append(operators, TagOr)
			current = nil
			continue
		}
		current = append(current, tok)
	}
	segments = append(segments, current)

	if len(segments) == 1 {
		return buildSubExpression(segments[0], raw, lineNo)
	}

	logical := NewNode(TagLogicalExpression, "")
	for i, seg := range segments {
		sub, err := buildSubExpression(seg, raw, lineNo)
		if err != nil {
			return nil, err
		}
		logical.AppendChild(sub)
		if i < len(operators) {
			logical.NewChild(operators[i], "")
		}
	}
	return logical, nil
}

// buildSubExpression classifies one and/or-delimited piece as UNARY or
// BINARY depending on whether it contains a comparison operator, per
// §4.1.1.
func buildSubExpression(tokens []string, raw string, lineNo int) (*Node, error) {
	if len(tokens) == 0 {
		return nil, &ParseError{Line: lineNo, Source: raw, Message: "empty sub-expression"}
	}

	opIndex := -1
	var opTag Tag
	hasNot := false
	for i, tok := range tokens {
		if strings.EqualFold(tok, "not") {
			hasNot = true
			continue
		}
		if tag, ok := comparatorTags[tok]; ok {
			opIndex = i
			opTag = tag
			break
		}
	}

	if opIndex >= 0 {
		if hasNot {
			return nil, &ParseError{Line: lineNo, Source: raw, Message: "sub-expression cannot combine 'not' with a comparison operator"}
		}
		leftTokens := tokens[:opIndex]
		rightTokens := tokens[opIndex+1:]
		left, err := buildOperand(leftTokens, raw, lineNo)
		if err != nil {
			return nil, err
		}
		right, err := buildOperand(rightTokens, raw, lineNo)
		if err != nil {
			return nil, err
		}
		binary := NewNode(TagBinaryExpression, "")
		binary.AppendChild(left)
		binary.NewChild(opTag, "")
		binary.AppendChild(right)
		return binary, nil
	}

	unary := NewNode(TagUnaryExpression, "")
	rest := tokens
	if hasNot {
		// Strip exactly one leading/embedded "not"; §4.1.4 models NOT as
		// a single optional child of the UNARY_EXPRESSION.
		unary.NewChild(TagNot, "")
		rest = removeFirst(tokens, "not")
	}
	if len(rest) == 0 {
		return nil, &ParseError{Line: lineNo, Source: raw, Message: "unary expression has no command"}
	}
	cmd, err := buildCommand(rest, raw, lineNo)
	if err != nil {
		return nil, err
	}
	unary.AppendChild(cmd)
	return unary, nil
}

func removeFirst(tokens []string, word string) []string {
	out := make([]string, 0, len(tokens))
	removed := false
	for _, tok := range tokens {
		if !removed && strings.EqualFold(tok, word) {
			removed = true
			continue
		}
		out = append(out, tok)
	}
	return out
}
