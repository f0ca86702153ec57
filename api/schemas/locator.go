package schemas

import (
	"sort"
	"strings"
)

// InstrumentationPrefix marks attributes added by the in-page instrumentation.
// They are transient and never part of a locator or a digest.
const InstrumentationPrefix = "data-scalpel-"

// ElementLocator is a serializable, engine-independent description of an element:
// its tag name plus the full attribute map at the time it was observed. It is not a
// live handle; a browser re-resolves it against the current DOM when needed.
type ElementLocator struct {
	TagName    string            `json:"tag_name"`
	Attributes map[string]string `json:"attributes"`
}

// NewElementLocator normalizes the tag name and copies the attribute map, dropping
// instrumentation attributes.
func NewElementLocator(tagName string, attributes map[string]string) *ElementLocator {
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		if strings.HasPrefix(k, InstrumentationPrefix) {
			continue
		}
		attrs[k] = v
	}
	return &ElementLocator{
		TagName:    strings.ToLower(tagName),
		Attributes: attrs,
	}
}

// Attribute returns the named attribute value, if present.
func (l *ElementLocator) Attribute(name string) (string, bool) {
	if l == nil {
		return "", false
	}
	v, ok := l.Attributes[name]
	return v, ok
}

// Equal reports whether both locators describe the same tag with identical attributes.
func (l *ElementLocator) Equal(other *ElementLocator) bool {
	if l == nil || other == nil {
		return l == other
	}
	if !strings.EqualFold(l.TagName, other.TagName) || len(l.Attributes) != len(other.Attributes) {
		return false
	}
	for k, v := range l.Attributes {
		if ov, ok := other.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the locator canonically, e.g. `button[id="go"][type="submit"]`.
// Attributes are sorted by name so equal locators always render identically.
func (l *ElementLocator) String() string {
	if l == nil {
		return "page"
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(l.TagName))
	for _, name := range l.sortedNames() {
		b.WriteString("[")
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(l.Attributes[name]))
		b.WriteString(`"]`)
	}
	return b.String()
}

// CSS returns a CSS selector matching elements with this tag and every recorded
// attribute. Attribute names that are not valid CSS identifiers are skipped, so the
// selector can match a superset; callers needing exact matches compare attributes.
func (l *ElementLocator) CSS() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(l.TagName))
	for _, name := range l.sortedNames() {
		if !isCSSIdent(name) {
			continue
		}
		b.WriteString("[")
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(escapeAttr(l.Attributes[name]))
		b.WriteString(`"]`)
	}
	return b.String()
}

// Clone returns a deep copy.
func (l *ElementLocator) Clone() *ElementLocator {
	if l == nil {
		return nil
	}
	attrs := make(map[string]string, len(l.Attributes))
	for k, v := range l.Attributes {
		attrs[k] = v
	}
	return &ElementLocator{TagName: l.TagName, Attributes: attrs}
}

func (l *ElementLocator) sortedNames() []string {
	names := make([]string, 0, len(l.Attributes))
	for k := range l.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func escapeAttr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\a `)
}

func isCSSIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r == '-' || (r >= '0' && r <= '9'):
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
