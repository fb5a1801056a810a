package uosteam

import "testing"

func TestNodeAppendChildLinksSiblings(t *testing.T) {
	parent := NewNode(TagScript, "")
	a := parent.NewChild(TagStatement, "a")
	b := parent.NewChild(TagStatement, "b")
	c := parent.NewChild(TagStatement, "c")

	if parent.FirstChild() != a {
		t.Fatalf("FirstChild = %v, want a", parent.FirstChild())
	}
	if parent.LastChild() != c {
		t.Fatalf("LastChild = %v, want c", parent.LastChild())
	}
	if a.Next() != b || b.Next() != c || c.Next() != nil {
		t.Fatalf("sibling chain forward is wrong")
	}
	if c.Prev() != b || b.Prev() != a || a.Prev() != nil {
		t.Fatalf("sibling chain backward is wrong")
	}
	for _, n := range []*Node{a, b, c} {
		if n.Parent() != parent {
			t.Fatalf("%v.Parent() != parent", n)
		}
	}
}

func TestTagStringRoundTrip(t *testing.T) {
	if got := TagCommand.String(); got != "COMMAND" {
		t.Fatalf("Tag.String() = %q, want COMMAND", got)
	}
	if got := Tag(9999).String(); got != "UNKNOWN" {
		t.Fatalf("unknown tag should stringify to UNKNOWN, got %q", got)
	}
}

func TestIsComparisonOperator(t *testing.T) {
	for _, tag := range []Tag{TagEqual, TagNotEqual, TagLessThan, TagLessThanOrEqual, TagGreaterThan, TagGreaterThanOrEqual} {
		if !IsComparisonOperator(tag) {
			t.Errorf("%v should be a comparison operator", tag)
		}
	}
	if IsComparisonOperator(TagAnd) {
		t.Errorf("AND should not be a comparison operator")
	}
}
