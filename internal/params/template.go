package params

import (
	"regexp"
	"slices"
	"strconv"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Lookup returns the text for a placeholder name.
type Lookup func(name string) (string, bool)

// ExpandTemplate substitutes every {name} placeholder that lookup resolves.
// Unresolved placeholders stay as literal text; the platform expands some of
// its own on the server side.
func ExpandTemplate(tmpl string, lookup Lookup) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		if lookup == nil {
			return match
		}
		if text, ok := lookup(name); ok {
			return text
		}
		return match
	})
}

// Placeholders lists the distinct placeholder names in tmpl, in order.
func Placeholders(tmpl string) []string {
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// MapLookup resolves placeholders from m. Keys listed in fileKeys hold
// artifact ids, which are shown by name when names has one.
func MapLookup(m *Map, fileKeys []string, names map[int]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := m.Get(name)
		if !ok {
			return "", false
		}
		if slices.Contains(fileKeys, name) {
			if id, ok := v.AsInt(); ok {
				if n, ok := names[int(id)]; ok {
					return n, true
				}
				return strconv.FormatInt(id, 10), true
			}
		}
		return Format(v), true
	}
}
