package driver

import (
	"sync"
	"time"
)

// Conversation tracks exchanges in the current chat thread. A fresh thread
// is opened before the send that would exceed the threshold.
type Conversation struct {
	mu        sync.Mutex
	threshold int
	count     int
	lastReset time.Time
	now       func() time.Time
}

// NewConversation returns a Conversation rotating after threshold exchanges.
func NewConversation(threshold int) *Conversation {
	if threshold <= 0 {
		threshold = 10
	}
	return &Conversation{threshold: threshold, lastReset: time.Now(), now: time.Now}
}

// Due reports whether the next send must go to a fresh thread.
func (c *Conversation) Due() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count >= c.threshold
}

// Reset starts counting a new thread.
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.count = 0
	c.lastReset = c.now()
	c.mu.Unlock()
}

// Record counts one completed exchange and returns the new count.
func (c *Conversation) Record() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count
}

// Count returns the exchanges in the current thread.
func (c *Conversation) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// LastReset returns when the current thread was opened.
func (c *Conversation) LastReset() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReset
}

// Threshold returns the rotation threshold.
func (c *Conversation) Threshold() int { return c.threshold }
