package uosteam

import "testing"

func argOf(tag Tag, lexeme string) *Argument {
	return NewArgument(nil, NewNode(tag, lexeme))
}

func TestArgumentAsIntHex(t *testing.T) {
	a := argOf(TagSerial, "0x1F")
	v, err := a.AsInt()
	if err != nil {
		t.Fatalf("AsInt error: %v", err)
	}
	if v != 31 {
		t.Fatalf("AsInt = %d, want 31", v)
	}
}

func TestArgumentAsIntDecimal(t *testing.T) {
	a := argOf(TagInteger, "-42")
	v, err := a.AsInt()
	if err != nil {
		t.Fatalf("AsInt error: %v", err)
	}
	if v != -42 {
		t.Fatalf("AsInt = %d, want -42", v)
	}
}

func TestArgumentAsIntFailure(t *testing.T) {
	a := argOf(TagString, "not-a-number")
	if _, err := a.AsInt(); err == nil {
		t.Fatalf("expected a coercion error")
	}
}

func TestArgumentAsBoolNoVariableOrAliasLookup(t *testing.T) {
	a := argOf(TagString, "true")
	v, err := a.AsBool()
	if err != nil || v != true {
		t.Fatalf("AsBool() = %v, %v; want true, nil", v, err)
	}
	if _, err := argOf(TagString, "yes").AsBool(); err == nil {
		t.Fatalf("expected an error for a non true/false lexeme")
	}
}

func TestArgumentAsDoubleInvariantLocale(t *testing.T) {
	a := argOf(TagString, "3.5")
	v, err := a.AsDouble()
	if err != nil || v != 3.5 {
		t.Fatalf("AsDouble() = %v, %v; want 3.5, nil", v, err)
	}
}

func TestArgumentEqualityByLexeme(t *testing.T) {
	a := argOf(TagString, "hello")
	b := argOf(TagString, "hello")
	c := argOf(TagString, "world")
	if !a.Equal(b) {
		t.Fatalf("expected equal arguments with identical lexemes")
	}
	if a.Equal(c) {
		t.Fatalf("expected unequal arguments with different lexemes")
	}
}

func TestCompareValuesPromotesToDouble(t *testing.T) {
	ok, err := CompareValues(IntComparable(5), DoubleComparable(5.0), TagEqual)
	if err != nil {
		t.Fatalf("CompareValues error: %v", err)
	}
	if !ok {
		t.Fatalf("expected 5 == 5.0 to hold after promotion to double")
	}
}

func TestCompareValuesCoercesToBoolWhenRightIsBool(t *testing.T) {
	ok, err := CompareValues(StringComparable("true"), BoolComparable(true), TagEqual)
	if err != nil {
		t.Fatalf("CompareValues error: %v", err)
	}
	if !ok {
		t.Fatalf("expected \"true\" == true to hold after coercion to bool")
	}
}

func TestCompareValuesCoercesRightToLeftKind(t *testing.T) {
	ok, err := CompareValues(IntComparable(5), StringComparable("5"), TagEqual)
	if err != nil {
		t.Fatalf("CompareValues error: %v", err)
	}
	if !ok {
		t.Fatalf("expected 5 == \"5\" to hold after coercing the right side to int")
	}
}

func TestCompareValuesOrderedRelations(t *testing.T) {
	ok, err := CompareValues(IntComparable(3), IntComparable(5), TagLessThan)
	if err != nil || !ok {
		t.Fatalf("expected 3 < 5, got %v, %v", ok, err)
	}
}
