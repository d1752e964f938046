// Package memory holds messages received during the current process lifetime.
package memory

import (
	"sync"

	"github.com/tinywideclouds/go-push-bridge/pkg/message"
)

// Cache is an unbounded id → message map. Entries leave only through Remove or Clear.
type Cache struct {
	mu       sync.RWMutex
	messages map[string]message.Message
}

func NewCache() *Cache {
	return &Cache{messages: make(map[string]message.Message)}
}

func (c *Cache) Put(msg message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[msg.ID] = msg
}

func (c *Cache) Get(id string) (message.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msg, ok := c.messages[id]
	return msg, ok
}

func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, id)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[string]message.Message)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
