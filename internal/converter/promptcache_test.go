package converter

import "testing"

func TestPromptCacheTakeRemovesEntry(t *testing.T) {
	c := newPromptCache(4)
	c.put("sum 2+2", "tu1")

	id, ok := c.take("sum 2+2")
	if !ok || id != "tu1" {
		t.Fatalf("take = %q, %v", id, ok)
	}
	if _, ok := c.take("sum 2+2"); ok {
		t.Error("second take found the consumed entry")
	}
}

func TestPromptCacheEvictsOldest(t *testing.T) {
	c := newPromptCache(2)
	c.put("a", "tu1")
	c.put("b", "tu2")
	c.put("c", "tu3")

	if _, ok := c.take("a"); ok {
		t.Error("oldest entry survived past capacity")
	}
	if id, ok := c.take("b"); !ok || id != "tu2" {
		t.Errorf("take(b) = %q, %v", id, ok)
	}
	if id, ok := c.take("c"); !ok || id != "tu3" {
		t.Errorf("take(c) = %q, %v", id, ok)
	}
}

func TestPromptCacheRepointRefreshesAge(t *testing.T) {
	c := newPromptCache(2)
	c.put("a", "tu1")
	c.put("b", "tu2")
	c.put("a", "tu3") // refresh: "b" is now oldest
	c.put("c", "tu4")

	if _, ok := c.take("b"); ok {
		t.Error("refreshed entry was evicted instead of the stale one")
	}
	if id, ok := c.take("a"); !ok || id != "tu3" {
		t.Errorf("take(a) = %q, %v", id, ok)
	}
	if c.len() != 1 {
		t.Errorf("len = %d, want 1", c.len())
	}
}
