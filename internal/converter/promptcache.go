package converter

import "container/list"

// promptCache maps registered subagent prompts to the tool use that spawned
// them. Entries are evicted oldest-first once capacity is exceeded, and a
// lookup removes its entry: each registered prompt suppresses exactly one
// echoed user message.
type promptCache struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type promptEntry struct {
	prompt    string
	toolUseID string
}

func newPromptCache(capacity int) *promptCache {
	return &promptCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// put registers a prompt. Re-registering an existing prompt repoints it at
// the new tool use and refreshes its age.
func (c *promptCache) put(prompt, toolUseID string) {
	if prompt == "" {
		return
	}
	if el, ok := c.entries[prompt]; ok {
		el.Value.(*promptEntry).toolUseID = toolUseID
		c.order.MoveToBack(el)
		return
	}
	c.entries[prompt] = c.order.PushBack(&promptEntry{prompt: prompt, toolUseID: toolUseID})
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*promptEntry).prompt)
	}
}

// take returns the tool use registered for a prompt and removes the entry.
func (c *promptCache) take(prompt string) (string, bool) {
	el, ok := c.entries[prompt]
	if !ok {
		return "", false
	}
	c.order.Remove(el)
	delete(c.entries, prompt)
	return el.Value.(*promptEntry).toolUseID, true
}

func (c *promptCache) len() int {
	return c.order.Len()
}
