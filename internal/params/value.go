// Package params holds the typed invocation parameters of a launch request.
//
// Raw command-line text is typed heuristically:
//   - "[a,b,c]" becomes a Seq of individually parsed scalars
//   - "true"/"false" (any case) becomes a Bool
//   - an optionally signed run of digits that fits int64 becomes an Int
//   - anything else stays a String
//
// Format is the inverse for every value Parse can produce, so
// Parse(Format(v)) == v.
package params

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Kind discriminates the Value variants.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindSeq
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindSeq:
		return "seq"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a tagged variant: String | Int | Bool | Seq.
type Value struct {
	kind Kind
	s    string
	i    int64
	b    bool
	seq  []Value
}

var integerPattern = regexp.MustCompile(`^-?[0-9]+$`)

func String(s string) Value   { return Value{kind: KindString, s: s} }
func Int(i int64) Value       { return Value{kind: KindInt, i: i} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Seq(vs ...Value) Value   { return Value{kind: KindSeq, seq: append([]Value{}, vs...)} }
func (v Value) Kind() Kind    { return v.kind }
func (v Value) Str() string   { return v.s }
func (v Value) IntVal() int64 { return v.i }
func (v Value) BoolVal() bool { return v.b }

// Items returns a copy of a Seq's elements.
func (v Value) Items() []Value {
	return append([]Value(nil), v.seq...)
}

// AsInt reports the integer held by an Int, or by a String made of digits.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindString:
		if integerPattern.MatchString(v.s) {
			if n, err := strconv.ParseInt(v.s, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindBool:
		return v.b == o.b
	case KindSeq:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Parse types raw text. It never fails.
func Parse(raw string) Value {
	if len(raw) >= 2 && strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		inner := raw[1 : len(raw)-1]
		if strings.TrimSpace(inner) == "" {
			return Seq()
		}
		parts := strings.Split(inner, ",")
		items := make([]Value, 0, len(parts))
		for _, part := range parts {
			items = append(items, parseScalar(strings.TrimSpace(part)))
		}
		return Value{kind: KindSeq, seq: items}
	}
	return parseScalar(raw)
}

func parseScalar(raw string) Value {
	switch strings.ToLower(raw) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if integerPattern.MatchString(raw) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Int(n)
		}
	}
	return String(raw)
}

// Format renders a value back to the text Parse accepts.
func Format(v Value) string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindSeq:
		parts := make([]string, len(v.seq))
		for i, item := range v.seq {
			parts[i] = Format(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return v.s
	}
}

func (v Value) String() string { return Format(v) }

// MarshalJSON encodes the natural JSON form of the variant.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toAny())
}

// UnmarshalJSON decodes any JSON scalar or array into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) toAny() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindBool:
		return v.b
	case KindSeq:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.toAny()
		}
		return out
	default:
		return v.s
	}
}

// FromJSON converts a decoded JSON value (as produced by encoding/json into
// an any) into a Value. Integral numbers become Int; other numbers keep
// their text as a String. Objects are rejected.
func FromJSON(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return String(""), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return Int(int64(x)), nil
		}
		return String(strconv.FormatFloat(x, 'f', -1, 64)), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return Int(n), nil
		}
		return String(x.String()), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case []any:
		items := make([]Value, 0, len(x))
		for i, item := range x {
			v, err := FromJSON(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, v)
		}
		return Value{kind: KindSeq, seq: items}, nil
	default:
		return Value{}, fmt.Errorf("unsupported parameter value of type %T", raw)
	}
}
