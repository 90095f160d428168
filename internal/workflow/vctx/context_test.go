package vctx

import "testing"

func TestContextGetSet(t *testing.T) {
	c := New()
	c.Set("node-1.out", "hello")

	v, ok := c.Get("node-1.out")
	if !ok || v != "hello" {
		t.Errorf("Get(node-1.out) = %v, %v; want hello, true", v, ok)
	}

	if _, ok := c.Get("node-1.missing"); ok {
		t.Error("Get of an unset key should report false")
	}
}

func TestContextSetBuildsNestedOverlay(t *testing.T) {
	c := New()
	c.Set("node-1.out", "hello")
	c.Set("node-1.status", "ok")

	root, ok := c.Root("node-1")
	if !ok {
		t.Fatal("expected node-1 root to exist")
	}
	if root["out"] != "hello" || root["status"] != "ok" {
		t.Errorf("unexpected nested root: %+v", root)
	}

	if Resolve(c.AsObject(), "node-1.out") != "hello" {
		t.Error("Resolve over AsObject() should agree with Get")
	}
}

func TestContextSetDeepPath(t *testing.T) {
	c := New()
	c.Set("node-1.body.user.name", "Alice")

	if got := Resolve(c.AsObject(), "node-1.body.user.name"); got != "Alice" {
		t.Errorf("Resolve(node-1.body.user.name) = %v, want Alice", got)
	}

	root, _ := c.Root("node-1")
	body, ok := root["body"].(map[string]interface{})
	if !ok {
		t.Fatal("expected node-1.body to be a nested map")
	}
	if _, ok := body["user"].(map[string]interface{}); !ok {
		t.Fatal("expected node-1.body.user to be a nested map")
	}
}

func TestContextSetOfWholeObjectReplacesRoot(t *testing.T) {
	c := New()
	c.Set("node-1", map[string]interface{}{"a": 1})

	root, ok := c.Root("node-1")
	if !ok || root["a"] != 1 {
		t.Errorf("unexpected root after whole-object set: %+v, %v", root, ok)
	}
}

func TestContextSetDoesNotMutatePreviouslyHandedOutMap(t *testing.T) {
	c := New()
	c.Set("node-1.out", "v1")

	snapshot := c.AsObject()
	snapshotRoot := snapshot["node-1"].(map[string]interface{})

	c.Set("node-1.out", "v2")

	if snapshotRoot["out"] != "v1" {
		t.Errorf("previously handed-out map was mutated: got %v, want v1", snapshotRoot["out"])
	}
	if got := Resolve(c.AsObject(), "node-1.out"); got != "v2" {
		t.Errorf("subsequent resolve should see the new value, got %v", got)
	}
}

func TestWriteResultScalarWritesUnderEveryName(t *testing.T) {
	c := New()
	c.WriteResult("node-1", "myAlias", "", 42)

	if Resolve(c.AsObject(), "node-1.result") != 42 {
		t.Error("expected scalar result under node id")
	}
	if Resolve(c.AsObject(), "myAlias.result") != 42 {
		t.Error("expected scalar result under alias")
	}
}

func TestWriteResultObjectWritesKeysAndWholeObject(t *testing.T) {
	c := New()
	result := map[string]interface{}{"statusCode": 200, "body": "ok"}
	c.WriteResult("node-1", "", "", result)

	if Resolve(c.AsObject(), "node-1.statusCode") != 200 {
		t.Error("expected object key promoted under node id")
	}
	whole, ok := Resolve(c.AsObject(), "node-1.result").(map[string]interface{})
	if !ok || whole["body"] != "ok" {
		t.Errorf("expected whole object under node-1.result, got %v", whole)
	}
}

func TestWriteResultWithNoAliasesOnlyWritesNodeID(t *testing.T) {
	c := New()
	c.WriteResult("node-1", "", "", "value")

	if Resolve(c.AsObject(), "node-1.result") != "value" {
		t.Error("expected result under node id")
	}
}
