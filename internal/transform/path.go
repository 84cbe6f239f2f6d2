package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// pathStep is one segment of a parsed field path. A step is either a map key
// or an array index.
type pathStep struct {
	key   string
	index int
	isKey bool
}

// parsePath splits a path like "messages[0].content" or "a.b[2].c" into
// steps. Bracket indexes may be chained ("grid[1][2]").
func parsePath(path string) ([]pathStep, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}

	var steps []pathStep
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("invalid field path %q", path)
		}

		key := part
		var indexes []int
		if open := strings.Index(part, "["); open >= 0 {
			key = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, fmt.Errorf("invalid index syntax in path %q", path)
				}
				close := strings.Index(rest, "]")
				if close < 0 {
					return nil, fmt.Errorf("unterminated index in path %q", path)
				}
				idx, err := strconv.Atoi(rest[1:close])
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("invalid array index in path %q", path)
				}
				indexes = append(indexes, idx)
				rest = rest[close+1:]
			}
		}

		if key != "" {
			steps = append(steps, pathStep{key: key, isKey: true})
		} else if len(indexes) == 0 {
			return nil, fmt.Errorf("invalid field path %q", path)
		}
		for _, idx := range indexes {
			steps = append(steps, pathStep{index: idx})
		}
	}

	return steps, nil
}

// GetFieldValue resolves a dotted/bracketed path against a value tree of
// map[string]any and []any nodes. The second return reports whether the path
// resolved to a present value.
func GetFieldValue(source any, path string) (any, bool) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	current := source
	for _, step := range steps {
		if step.isKey {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[step.key]
			if !ok {
				return nil, false
			}
		} else {
			arr, ok := current.([]any)
			if !ok || step.index >= len(arr) {
				return nil, false
			}
			current = arr[step.index]
		}
	}

	return current, true
}

// SetFieldValue writes a value into target at the given path, creating
// intermediate maps and arrays as needed. Arrays are extended with empty
// objects up to the required index. The root of target must be a map.
func SetFieldValue(target map[string]any, path string, value any) error {
	steps, err := parsePath(path)
	if err != nil {
		return err
	}
	if !steps[0].isKey {
		return fmt.Errorf("path %q must start with a field name", path)
	}

	var parent any = target
	for i, step := range steps {
		last := i == len(steps)-1

		if step.isKey {
			m, ok := parent.(map[string]any)
			if !ok {
				return fmt.Errorf("path %q traverses a non-object at %q", path, step.key)
			}
			if last {
				m[step.key] = value
				return nil
			}
			child, exists := m[step.key]
			if !exists || !matchesStep(child, steps[i+1]) {
				child = emptyNode(steps[i+1])
				m[step.key] = child
			}
			if next, grew := growArray(child, steps[i+1]); grew {
				m[step.key] = next
				child = next
			}
			parent = child
		} else {
			arr, ok := parent.([]any)
			if !ok {
				return fmt.Errorf("path %q indexes a non-array", path)
			}
			if last {
				arr[step.index] = value
				return nil
			}
			child := arr[step.index]
			if child == nil || !matchesStep(child, steps[i+1]) {
				child = emptyNode(steps[i+1])
				arr[step.index] = child
			}
			if next, grew := growArray(child, steps[i+1]); grew {
				arr[step.index] = next
				child = next
			}
			parent = child
		}
	}

	return nil
}

// matchesStep reports whether node can be traversed by the given step.
func matchesStep(node any, step pathStep) bool {
	if step.isKey {
		_, ok := node.(map[string]any)
		return ok
	}
	_, ok := node.([]any)
	return ok
}

// emptyNode builds the container a step needs to traverse into.
func emptyNode(step pathStep) any {
	if step.isKey {
		return map[string]any{}
	}
	return make([]any, 0, step.index+1)
}

// growArray pads an array node with empty objects so that step.index is
// addressable. Returns the (possibly reallocated) node and whether it grew.
func growArray(node any, step pathStep) (any, bool) {
	if step.isKey {
		return node, false
	}
	arr, ok := node.([]any)
	if !ok {
		return node, false
	}
	grew := false
	for len(arr) <= step.index {
		arr = append(arr, map[string]any{})
		grew = true
	}
	return arr, grew
}
