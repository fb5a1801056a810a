package uosteam

import (
	"strconv"
	"strings"
)

// Argument is a lazy, typed view over one AST leaf. It never eagerly
// converts its lexeme; every As* method except AsBool re-resolves the lexeme against the
// owning script's scope chain each time it's called, so loop variables see
// fresh bindings on every iteration rather than a value captured at parse
// time. Grounded on the "evaluate when asked" contract called out in the
// design notes, and on pawscript's own Argument-equivalent lazy coercion
// methods (as_int/as_uint/as_string/...).
type Argument struct {
	script *Script
	node   *Node
}

// NewArgument wraps node as a lazy value owned by script.
func NewArgument(script *Script, node *Node) *Argument {
	return &Argument{script: script, node: node}
}

// Node returns the underlying AST leaf.
func (a *Argument) Node() *Node { return a.node }

// rawLexeme returns the node's literal lexeme without variable resolution.
func (a *Argument) rawLexeme() string { return a.node.Lexeme() }

// resolved walks the scope chain for a variable binding matching the raw
// lexeme; if one exists, coercion delegates to that bound Argument instead
// of the literal lexeme. Returns (bound, true) or (nil, false).
func (a *Argument) resolved() (*Argument, bool) {
	if a.script == nil {
		return nil, false
	}
	return a.script.lookupVariable(a.rawLexeme())
}

// AsInt coerces to a signed 64-bit integer: 0x-prefixed lexemes parse as
// hex, everything else as signed decimal.
func (a *Argument) AsInt() (int64, error) {
	if bound, ok := a.resolved(); ok {
		return bound.AsInt()
	}
	return parseInt(a.rawLexeme(), a.node)
}

func parseInt(lexeme string, node *Node) (int64, error) {
	if hasHexPrefix(lexeme) {
		v, err := strconv.ParseUint(stripHexPrefix(lexeme), 16, 64)
		if err != nil {
			return 0, newRuntimeError(node, "cannot coerce %q to an integer", lexeme)
		}
		return int64(v), nil
	}
	v, err := strconv.ParseInt(lexeme, 10, 64)
	if err != nil {
		return 0, newRuntimeError(node, "cannot coerce %q to an integer", lexeme)
	}
	return v, nil
}

// AsUint coerces to an unsigned 32-bit integer the same way AsInt does.
func (a *Argument) AsUint() (uint32, error) {
	if bound, ok := a.resolved(); ok {
		return bound.AsUint()
	}
	v, err := parseUint(a.rawLexeme(), a.node, 32)
	return uint32(v), err
}

// AsUshort coerces to an unsigned 16-bit integer.
func (a *Argument) AsUshort() (uint16, error) {
	if bound, ok := a.resolved(); ok {
		return bound.AsUshort()
	}
	v, err := parseUint(a.rawLexeme(), a.node, 16)
	return uint16(v), err
}

func parseUint(lexeme string, node *Node, bits int) (uint64, error) {
	if hasHexPrefix(lexeme) {
		v, err := strconv.ParseUint(stripHexPrefix(lexeme), 16, bits)
		if err != nil {
			return 0, newRuntimeError(node, "cannot coerce %q to an unsigned integer", lexeme)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(lexeme, 10, bits)
	if err != nil {
		return 0, newRuntimeError(node, "cannot coerce %q to an unsigned integer", lexeme)
	}
	return v, nil
}

// AsSerial coerces to a 32-bit serial: variables resolve first, then the
// alias table, then falls back to AsUint for a bare numeric/hex lexeme.
func (a *Argument) AsSerial() (uint32, error) {
	if bound, ok := a.resolved(); ok {
		return bound.AsSerial()
	}
	if a.script != nil && a.script.engine != nil {
		if serial := a.script.engine.GetAlias(a.rawLexeme()); serial != AliasAbsent {
			return serial, nil
		}
	}
	return a.AsUint()
}

// AsString coerces to a string: variables resolve first, then the literal
// lexeme. This coercion never fails.
func (a *Argument) AsString() (string, error) {
	if bound, ok := a.resolved(); ok {
		return bound.AsString()
	}
	return a.rawLexeme(), nil
}

// AsBool parses "true"/"false" case-insensitively. No variable lookup and
// no alias lookup — intentional, matching the reference.
func (a *Argument) AsBool() (bool, error) {
	switch strings.ToLower(a.rawLexeme()) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, newRuntimeError(a.node, "cannot coerce %q to a boolean", a.rawLexeme())
	}
}

// AsDouble coerces to a float64 using '.' as the decimal separator
// regardless of host locale.
func (a *Argument) AsDouble() (float64, error) {
	if bound, ok := a.resolved(); ok {
		return bound.AsDouble()
	}
	lexeme := strings.ReplaceAll(a.rawLexeme(), ",", "")
	v, err := strconv.ParseFloat(lexeme, 64)
	if err != nil {
		return 0, newRuntimeError(a.node, "cannot coerce %q to a double", a.rawLexeme())
	}
	return v, nil
}

// Equal reports whether two Arguments' underlying lexemes are textually
// equal, per the data model's equality rule.
func (a *Argument) Equal(other *Argument) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.rawLexeme() == other.rawLexeme()
}

func hasHexPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func stripHexPrefix(s string) string { return s[2:] }

// ComparableKind tags the dynamic type carried by a Comparable value.
type ComparableKind int

const (
	KindInt ComparableKind = iota
	KindUint
	KindString
	KindDouble
	KindBool
)

// Comparable is the generic type-juggling comparator's operand shape:
// integer literal → int; SERIAL → uint; STRING → string; DOUBLE → double;
// a handler-produced boolean → bool.
type Comparable struct {
	Kind   ComparableKind
	Int    int64
	Uint   uint32
	Str    string
	Double float64
	Bool   bool
}

func IntComparable(v int64) Comparable      { return Comparable{Kind: KindInt, Int: v} }
func UintComparable(v uint32) Comparable    { return Comparable{Kind: KindUint, Uint: v} }
func StringComparable(v string) Comparable  { return Comparable{Kind: KindString, Str: v} }
func DoubleComparable(v float64) Comparable { return Comparable{Kind: KindDouble, Double: v} }
func BoolComparable(v bool) Comparable      { return Comparable{Kind: KindBool, Bool: v} }

// AsDouble widens any Comparable to a float64, used when promoting to
// double during the generic comparator's type-juggling.
func (c Comparable) AsDouble() (float64, error) {
	switch c.Kind {
	case KindInt:
		return float64(c.Int), nil
	case KindUint:
		return float64(c.Uint), nil
	case KindDouble:
		return c.Double, nil
	case KindString:
		v, err := strconv.ParseFloat(c.Str, 64)
		if err != nil {
			return 0, err
		}
		return v, nil
	case KindBool:
		if c.Bool {
			return 1, nil
		}
		return 0, nil
	}
	return 0, nil
}

// AsBool coerces any Comparable to a boolean, used when the right side of
// a comparison is already boolean.
func (c Comparable) AsBool() (bool, error) {
	switch c.Kind {
	case KindBool:
		return c.Bool, nil
	case KindInt:
		return c.Int != 0, nil
	case KindUint:
		return c.Uint != 0, nil
	case KindDouble:
		return c.Double != 0, nil
	case KindString:
		switch strings.ToLower(c.Str) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, newRuntimeError(nil, "cannot coerce %q to a boolean", c.Str)
	}
	return false, nil
}

// coerceTo converts c to match the kind of target, used for the fallback
// branch of the generic comparator ("coerce the right to the left's kind").
func (c Comparable) coerceTo(kind ComparableKind) (Comparable, error) {
	if c.Kind == kind {
		return c, nil
	}
	switch kind {
	case KindInt:
		switch c.Kind {
		case KindUint:
			return IntComparable(int64(c.Uint)), nil
		case KindDouble:
			return IntComparable(int64(c.Double)), nil
		case KindString:
			v, err := strconv.ParseInt(c.Str, 10, 64)
			if err != nil {
				return Comparable{}, err
			}
			return IntComparable(v), nil
		case KindBool:
			if c.Bool {
				return IntComparable(1), nil
			}
			return IntComparable(0), nil
		}
	case KindUint:
		switch c.Kind {
		case KindInt:
			return UintComparable(uint32(c.Int)), nil
		case KindDouble:
			return UintComparable(uint32(c.Double)), nil
		case KindString:
			v, err := strconv.ParseUint(c.Str, 10, 32)
			if err != nil {
				return Comparable{}, err
			}
			return UintComparable(uint32(v)), nil
		case KindBool:
			if c.Bool {
				return UintComparable(1), nil
			}
			return UintComparable(0), nil
		}
	case KindString:
		return StringComparable(c.string()), nil
	case KindDouble:
		v, err := c.AsDouble()
		if err != nil {
			return Comparable{}, err
		}
		return DoubleComparable(v), nil
	case KindBool:
		v, err := c.AsBool()
		if err != nil {
			return Comparable{}, err
		}
		return BoolComparable(v), nil
	}
	return Comparable{}, newRuntimeError(nil, "cannot coerce value to requested kind")
}

func (c Comparable) string() string {
	switch c.Kind {
	case KindInt:
		return strconv.FormatInt(c.Int, 10)
	case KindUint:
		return strconv.FormatUint(uint64(c.Uint), 10)
	case KindDouble:
		return strconv.FormatFloat(c.Double, 'g', -1, 64)
	case KindBool:
		if c.Bool {
			return "true"
		}
		return "false"
	default:
		return c.Str
	}
}

// CompareValues applies the generic, intentionally asymmetric type-juggling
// comparator: same kind compares directly; otherwise promote left to
// double if the right is double, else coerce left to bool if the right is
// bool, else coerce right to left's kind. Preserve this rule exactly — see
// design notes on the generic comparator.
func CompareValues(left, right Comparable, rel Tag) (bool, error) {
	var l, r Comparable
	var err error

	switch {
	case left.Kind == right.Kind:
		l, r = left, right
	case right.Kind == KindDouble:
		ld, derr := left.AsDouble()
		if derr != nil {
			return false, derr
		}
		l, r = DoubleComparable(ld), right
	case right.Kind == KindBool:
		lb, berr := left.AsBool()
		if berr != nil {
			return false, berr
		}
		l, r = BoolComparable(lb), right
	default:
		r, err = right.coerceTo(left.Kind)
		if err != nil {
			return false, err
		}
		l = left
	}

	return applyRelation(l, r, rel)
}

func applyRelation(l, r Comparable, rel Tag) (bool, error) {
	switch l.Kind {
	case KindInt:
		return compareOrdered(l.Int, r.Int, rel), nil
	case KindUint:
		return compareOrdered(l.Uint, r.Uint, rel), nil
	case KindDouble:
		return compareOrdered(l.Double, r.Double, rel), nil
	case KindString:
		return compareOrdered(l.Str, r.Str, rel), nil
	case KindBool:
		switch rel {
		case TagEqual:
			return l.Bool == r.Bool, nil
		case TagNotEqual:
			return l.Bool != r.Bool, nil
		default:
			return false, newRuntimeError(nil, "boolean values support only == and !=")
		}
	}
	return false, newRuntimeError(nil, "unsupported comparable kind")
}

type ordered interface {
	int64 | uint32 | uint64 | float64 | string
}

func compareOrdered[T ordered](l, r T, rel Tag) bool {
	switch rel {
	case TagEqual:
		return l == r
	case TagNotEqual:
		return l != r
	case TagLessThan:
		return l < r
	case TagLessThanOrEqual:
		return l <= r
	case TagGreaterThan:
		return l > r
	case TagGreaterThanOrEqual:
		return l >= r
	}
	return false
}
