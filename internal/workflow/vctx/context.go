package vctx

import "strings"

// Context is the run executor's value store: a flat mapping from dotted
// keys ("nodeId.out") to values, with a parallel nested view so dispatchers
// can resolve dotted paths ("memory.nodeId.out") with the path resolver.
//
// Writes never mutate a map previously handed out by AsObject or Root:
// every write that touches a nested object replaces it with a shallow copy
// first (copy-on-write).
type Context struct {
	flat   map[string]interface{}
	nested map[string]map[string]interface{}
}

// New returns an empty value context.
func New() *Context {
	return &Context{
		flat:   make(map[string]interface{}),
		nested: make(map[string]map[string]interface{}),
	}
}

// Get returns the value stored at an exact flat key.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.flat[key]
	return v, ok
}

// Set writes value at key. If key has the form "root.rest", the write also
// merges {rest: value} into the nested object stored at root (creating
// intermediate objects as needed for a multi-segment rest), so that
// resolving "root.rest" against AsObject() agrees with Get(key).
func (c *Context) Set(key string, value interface{}) {
	c.flat[key] = value

	root, rest, hasDot := strings.Cut(key, ".")
	if !hasDot {
		if m, ok := value.(map[string]interface{}); ok {
			c.nested[root] = cloneMap(m)
		}
		return
	}

	updated := cloneMap(c.nested[root])
	setDeep(updated, rest, value)
	c.nested[root] = updated
}

func setDeep(m map[string]interface{}, path string, value interface{}) {
	seg, rest, hasDot := strings.Cut(path, ".")
	if !hasDot {
		m[seg] = value
		return
	}
	child := cloneMap(asMap(m[seg]))
	setDeep(child, rest, value)
	m[seg] = child
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AsObject returns a root -> nested-object view of the context, suitable
// for use as the "memory" root the resolver walks.
func (c *Context) AsObject() map[string]interface{} {
	out := make(map[string]interface{}, len(c.nested))
	for k, v := range c.nested {
		out[k] = v
	}
	return out
}

// Root returns the nested object stored at a single root key.
func (c *Context) Root(root string) (map[string]interface{}, bool) {
	m, ok := c.nested[root]
	return m, ok
}

// WriteResult applies the overlay-write rule a completed node's output is
// recorded under: the node id, its alias (if any), and the block's
// config-declared alias/responseAlias (if any). A non-object result v is
// written once, as "<name>.result" under every applicable name. An object
// result is written once per key plus a "result" key bound to the whole
// object, again under every applicable name. Names are not deduplicated: a
// name present as both alias and configAlias is written twice, the later
// write winning, per the overlay's documented tolerance for duplicate keys.
func (c *Context) WriteResult(nodeID, alias, configAlias string, result interface{}) {
	names := []string{nodeID}
	if alias != "" {
		names = append(names, alias)
	}
	if configAlias != "" {
		names = append(names, configAlias)
	}

	obj, isObject := result.(map[string]interface{})

	for _, name := range names {
		if isObject {
			for k, v := range obj {
				c.Set(name+"."+k, v)
			}
			c.Set(name+".result", obj)
		} else {
			c.Set(name+".result", result)
		}
	}
}
