// Package keypath resolves dotted cache keys into a root key and a sub-path, and
// reads or rewrites JSON-shaped values (maps, lists and scalars) at such a path.
package keypath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator joins the segments of keys and paths.
const Separator = "."

// ErrPath is returned when a path cannot be written, such as a list index past the end.
var ErrPath = errors.New("invalid path")

// Resolve turns a caller supplied key and optional explicit path into the root key and final path
// that every store and mirror operation works on.
//
// With dotted mode on, "user.profile.name" becomes root "user" with path "profile.name". An explicit path
// is appended to the implicit one, so Resolve("user.profile", "name", true) yields the same pair.
// An empty path means "the whole value".
func Resolve(key, path string, dotted bool) (string, string) {
	if !dotted || !strings.Contains(key, Separator) {
		return key, path
	}
	root, implicit, _ := strings.Cut(key, Separator)
	switch {
	case implicit == "":
		return root, path
	case path == "":
		return root, implicit
	default:
		return root, implicit + Separator + path
	}
}

// Split breaks a path into its segments. Bracket indexes are accepted, "a[0].b" is the same as "a.0.b".
func Split(path string) []string {
	if path == "" {
		return nil
	}
	path = strings.ReplaceAll(path, "]", "")
	path = strings.ReplaceAll(path, "[", Separator)
	parts := strings.Split(path, Separator)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Join is the inverse of Split for non-empty segments.
func Join(segments ...string) string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, Separator)
}

// Get reads the value at path. Missing segments, or segments that walk into a scalar, are reported as not found.
func Get(value any, path string) (any, bool) {
	cur := value
	for _, seg := range Split(path) {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, ok := index(seg, len(node))
			if !ok {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at path inside value and returns the new root value. Missing intermediate segments are created
// as maps and scalars in the way are replaced. Lists may be indexed in range or appended to at their length.
func Set(value any, path string, v any) (any, error) {
	return set(value, Split(path), v)
}

func set(node any, segs []string, v any) (any, error) {
	if len(segs) == 0 {
		return v, nil
	}
	seg := segs[0]
	switch n := node.(type) {
	case map[string]any:
		next, err := set(n[seg], segs[1:], v)
		if err != nil {
			return nil, err
		}
		n[seg] = next
		return n, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i > len(n) {
			return nil, fmt.Errorf("%w: segment %q does not index a list of length %d", ErrPath, seg, len(n))
		}
		var child any
		if i < len(n) {
			child = n[i]
		}
		next, err := set(child, segs[1:], v)
		if err != nil {
			return nil, err
		}
		if i == len(n) {
			return append(n, next), nil
		}
		n[i] = next
		return n, nil
	default:
		next, err := set(nil, segs[1:], v)
		if err != nil {
			return nil, err
		}
		return map[string]any{seg: next}, nil
	}
}

// Delete removes the map key or list element at path and returns the new root value. The boolean reports
// whether anything was removed. An empty path never matches; removing a whole entry is the caller's job.
func Delete(value any, path string) (any, bool) {
	segs := Split(path)
	if len(segs) == 0 {
		return value, false
	}
	return del(value, segs)
}

func del(node any, segs []string) (any, bool) {
	seg, last := segs[0], len(segs) == 1
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[seg]
		if !ok {
			return node, false
		}
		if last {
			delete(n, seg)
			return n, true
		}
		next, ok := del(child, segs[1:])
		if !ok {
			return node, false
		}
		n[seg] = next
		return n, true
	case []any:
		i, ok := index(seg, len(n))
		if !ok {
			return node, false
		}
		if last {
			return append(n[:i:i], n[i+1:]...), true
		}
		next, ok := del(n[i], segs[1:])
		if !ok {
			return node, false
		}
		n[i] = next
		return n, true
	}
	return node, false
}

// Clone deep copies maps and lists so callers can never alias stored state.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

func index(seg string, length int) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= length {
		return 0, false
	}
	return i, true
}
