// Package vctx implements the run executor's value context (a flat,
// aliasable key-value store keyed by "nodeId.output") and the dotted-path
// resolver used to read it and the trigger payload.
package vctx

import "strings"

// Undefined is the sentinel returned by Resolve when a path cannot be
// walked to completion. It is distinct from a stored nil so callers can
// tell "no value" from "value is null".
var Undefined = undefined{}

type undefined struct{}

// Resolve walks a dotted path left to right against root. At each step the
// current value must be a map[string]interface{} with the next segment as
// a key; anything else (including array indexing, which is unsupported)
// yields Undefined. An empty path returns root unchanged. Resolve never
// panics and never errors: it is pure and total.
func Resolve(root interface{}, path string) interface{} {
	if path == "" {
		return root
	}

	segments := strings.Split(path, ".")
	current := root

	for _, segment := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return Undefined
		}
		v, present := m[segment]
		if !present {
			return Undefined
		}
		current = v
	}

	return current
}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefined)
	return ok
}
