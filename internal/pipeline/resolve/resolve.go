// Package resolve reads values out of pipeline context maps by dotted path.
package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// Lookup walks path through nested maps and slices. Each dot-separated
// segment indexes either a map[string]any by key or a []any by decimal
// index. The boolean reports whether the full path resolved.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// String resolves path and coerces the value to a string. Numeric values
// are formatted in decimal; everything else goes through fmt.
func String(ctx map[string]any, path string) (string, bool) {
	v, ok := Lookup(ctx, path)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", s), true
	}
}
