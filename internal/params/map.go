package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// UserfileIDsKey is the reserved parameter listing every artifact the remote
// platform must mount for a task.
const UserfileIDsKey = "interface_userfile_ids"

// ErrMalformedAssignment reports a key=value argument that cannot be split.
var ErrMalformedAssignment = errors.New("malformed parameter assignment")

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   string
	Value Value
}

// Map is an insertion-ordered mapping with unique keys.
type Map struct {
	entries []Entry
	index   map[string]int
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{index: make(map[string]int)}
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	i, ok := m.index[key]
	if !ok {
		return Value{}, false
	}
	return m.entries[i].Value, true
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set stores value under key. An existing key keeps its position.
func (m *Map) Set(key string, value Value) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if i, ok := m.index[key]; ok {
		m.entries[i].Value = value
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Value: value})
}

// Delete removes key, preserving the order of the remaining entries.
func (m *Map) Delete(key string) {
	i, ok := m.index[key]
	if !ok {
		return
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	delete(m.index, key)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].Key] = j
	}
}

// Keys returns keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the entries in insertion order.
func (m *Map) Entries() []Entry {
	if m == nil {
		return nil
	}
	return append([]Entry(nil), m.entries...)
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := NewMap()
	if m == nil {
		return out
	}
	for _, e := range m.entries {
		out.Set(e.Key, cloneValue(e.Value))
	}
	return out
}

func cloneValue(v Value) Value {
	if v.kind != KindSeq {
		return v
	}
	items := make([]Value, len(v.seq))
	for i, item := range v.seq {
		items[i] = cloneValue(item)
	}
	return Value{kind: KindSeq, seq: items}
}

// Equal reports whether both maps hold the same entries in the same order.
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i, e := range m.Entries() {
		oe := o.entries[i]
		if e.Key != oe.Key || !e.Value.Equal(oe.Value) {
			return false
		}
	}
	return true
}

// ParseAssignments builds a map from "key=value" arguments. Only the first
// '=' splits, so values may contain '='. A repeated key keeps its first
// position and takes the last value.
func ParseAssignments(args []string) (*Map, error) {
	m := NewMap()
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q (want key=value)", ErrMalformedAssignment, arg)
		}
		m.Set(key, Parse(raw))
	}
	return m, nil
}

// Assignments renders the map back to "key=value" arguments.
func (m *Map) Assignments() []string {
	out := make([]string, 0, m.Len())
	for _, e := range m.Entries() {
		out = append(out, e.Key+"="+Format(e.Value))
	}
	return out
}

// IDs returns the integers held by key, whether it holds a single id or a
// sequence of ids. Non-integer items are skipped.
func (m *Map) IDs(key string) []int {
	v, ok := m.Get(key)
	if !ok {
		return nil
	}
	return valueIDs(v)
}

func valueIDs(v Value) []int {
	if v.kind == KindSeq {
		var out []int
		for _, item := range v.seq {
			if n, ok := item.AsInt(); ok {
				out = append(out, int(n))
			}
		}
		return out
	}
	if n, ok := v.AsInt(); ok {
		return []int{int(n)}
	}
	return nil
}

// AddIDs appends ids to the sequence under key, skipping ids already present.
func (m *Map) AddIDs(key string, ids ...int) {
	existing := m.IDs(key)
	seen := make(map[int]bool, len(existing)+len(ids))
	items := make([]Value, 0, len(existing)+len(ids))
	for _, id := range append(existing, ids...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, Int(int64(id)))
	}
	m.Set(key, Value{kind: KindSeq, seq: items})
}

// ReplaceID substitutes newID for every occurrence of oldID in integer
// values and sequences. It returns the keys that changed.
func (m *Map) ReplaceID(oldID, newID int) []string {
	var changed []string
	for i, e := range m.entries {
		v, hit := replaceID(e.Value, oldID, newID)
		if hit {
			m.entries[i].Value = v
			changed = append(changed, e.Key)
		}
	}
	return changed
}

func replaceID(v Value, oldID, newID int) (Value, bool) {
	switch v.kind {
	case KindInt:
		if v.i == int64(oldID) {
			return Int(int64(newID)), true
		}
	case KindSeq:
		hit := false
		items := make([]Value, len(v.seq))
		for i, item := range v.seq {
			var h bool
			items[i], h = replaceID(item, oldID, newID)
			hit = hit || h
		}
		if hit {
			return Value{kind: KindSeq, seq: items}, true
		}
	}
	return v, false
}

// MarshalJSON encodes the map as a JSON object, keys in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.Entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", e.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FromJSONObject converts a decoded JSON object into a Map. JSON objects carry
// no order once decoded, so keys are sorted. Nested objects are skipped; the
// remote platform stores bookkeeping there that a relaunch must not echo.
func FromJSONObject(obj map[string]any) *Map {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := NewMap()
	for _, k := range keys {
		v, err := FromJSON(obj[k])
		if err != nil {
			continue
		}
		m.Set(k, v)
	}
	return m
}
