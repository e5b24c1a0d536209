package testfixtures

import (
	"fmt"
	"sync"
)

// IDGenerator yields predictable session identifiers and numeric ids.
type IDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter uint64
}

// NewIDGenerator returns a generator whose string ids look like "prefix-1".
// An empty prefix becomes "id".
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

// Next returns the next string identifier.
func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.NextInt64())
}

// NextInt64 advances the shared counter and returns it.
func (g *IDGenerator) NextInt64() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return int64(g.counter)
}

// Reset rewinds the counter so the next id is "prefix-1" again.
func (g *IDGenerator) Reset() {
	g.mu.Lock()
	g.counter = 0
	g.mu.Unlock()
}
