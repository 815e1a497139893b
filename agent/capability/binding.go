package capability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnresolvedBinding is returned when a template names a key that has no binding.
var ErrUnresolvedBinding = errors.New("unresolved binding")

// Bindings resolves placeholder keys to values.
type Bindings interface {
	Lookup(key string) (string, bool)
}

// BindingMap is a map-backed Bindings.
type BindingMap map[string]string

// Lookup implements Bindings.
func (m BindingMap) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// ResolveBindings substitutes every {Key} placeholder in template. Unlike a
// lenient string replace it never leaves literal braces in the output: a
// missing or empty binding fails with ErrUnresolvedBinding, and an unclosed
// brace is a malformed template.
func ResolveBindings(template string, b Bindings) (string, error) {
	var sb strings.Builder
	sb.Grow(len(template))

	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return "", fmt.Errorf("malformed template %q: unmatched '}'", template)
			}
			sb.WriteString(rest)
			return sb.String(), nil
		}
		if strings.IndexByte(rest[:open], '}') >= 0 {
			return "", fmt.Errorf("malformed template %q: unmatched '}'", template)
		}
		sb.WriteString(rest[:open])
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			return "", fmt.Errorf("malformed template %q: unclosed '{'", template)
		}
		key := strings.TrimSpace(rest[open+1 : open+closeIdx])
		if key == "" {
			return "", fmt.Errorf("malformed template %q: empty placeholder", template)
		}
		var (
			val string
			ok  bool
		)
		if b != nil {
			val, ok = b.Lookup(key)
		}
		if !ok || val == "" {
			return "", fmt.Errorf("%w: {%s} in %q", ErrUnresolvedBinding, key, template)
		}
		sb.WriteString(val)
		rest = rest[open+closeIdx+1:]
	}
}
