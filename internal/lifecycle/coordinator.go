// Package lifecycle decides which received message is the one the user
// tapped and makes sure it reaches the application layer at most once per
// process lifetime.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// Resolution is the terminal state of one tap resolution.
type Resolution int

const (
	Unresolved Resolution = iota
	ResolvedFromMemory
	ResolvedFromStore
	ResolvedFromPendingLaunch
	AlreadyConsumed
	NotFound
)

func (r Resolution) String() string {
	switch r {
	case ResolvedFromMemory:
		return "resolved_from_memory"
	case ResolvedFromStore:
		return "resolved_from_store"
	case ResolvedFromPendingLaunch:
		return "resolved_from_pending_launch"
	case AlreadyConsumed:
		return "already_consumed"
	case NotFound:
		return "not_found"
	default:
		return "unresolved"
	}
}

// Resolved reports whether the resolution produced a message to deliver.
func (r Resolution) Resolved() bool {
	return r == ResolvedFromMemory || r == ResolvedFromStore || r == ResolvedFromPendingLaunch
}

// Coordinator owns the consumed-flag set and the pending launch message.
// One mutex guards both together with every resolution's cache and store
// access, so concurrent launch and resume events resolve one at a time.
type Coordinator struct {
	mu       sync.Mutex
	cache    push.MessageCache
	store    push.MessageStore
	consumed map[string]struct{}
	pending  *message.Message
	logger   *slog.Logger
}

func NewCoordinator(cache push.MessageCache, store push.MessageStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cache:    cache,
		store:    store,
		consumed: make(map[string]struct{}),
		logger:   logger.With("component", "LifecycleCoordinator"),
	}
}

// OnLaunchOrResume resolves the message a launch or resume event refers to.
// A message is returned only for the Resolved* states.
func (c *Coordinator) OnLaunchOrResume(ctx context.Context, id string) (*message.Message, Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(ctx, id)
}

// ConsumePendingLaunch hands out the cold-start message once. Without one it
// falls back to resolving the id carried by the current launch data.
func (c *Coordinator) ConsumePendingLaunch(ctx context.Context, currentLaunchID func() string) (*message.Message, Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		msg := *c.pending
		c.pending = nil
		if _, done := c.consumed[msg.ID]; done {
			c.logger.Debug("Pending launch already delivered on resume", "id", msg.ID)
			return nil, AlreadyConsumed
		}
		c.markConsumedLocked(ctx, msg.ID)
		c.logger.Debug("Pending launch consumed", "id", msg.ID)
		return &msg, ResolvedFromPendingLaunch
	}

	id := ""
	if currentLaunchID != nil {
		id = currentLaunchID()
	}
	return c.resolveLocked(ctx, id)
}

// SetPendingLaunch records the message the process was cold-started from.
// A message already consumed in this process is ignored.
func (c *Coordinator) SetPendingLaunch(msg message.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.consumed[msg.ID]; done {
		return false
	}
	c.pending = &msg
	return true
}

// CapturePendingLaunch looks id up (memory, then store) without consuming it
// and records it as the pending launch.
func (c *Coordinator) CapturePendingLaunch(ctx context.Context, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		return false
	}
	if _, done := c.consumed[id]; done {
		return false
	}
	if msg, ok := c.cache.Get(id); ok {
		c.pending = &msg
		return true
	}
	msg, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Warn("Store lookup failed; treating as not found", "id", id, "err", err)
		return false
	}
	if msg == nil {
		return false
	}
	c.pending = msg
	return true
}

// HasPendingLaunch reports whether a cold-start message is waiting.
func (c *Coordinator) HasPendingLaunch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Coordinator) IsConsumed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.consumed[id]
	return ok
}

// Reset forgets the consumed set and the pending launch (unregister).
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumed = make(map[string]struct{})
	c.pending = nil
}

func (c *Coordinator) resolveLocked(ctx context.Context, id string) (*message.Message, Resolution) {
	if id == "" {
		return nil, NotFound
	}
	if _, done := c.consumed[id]; done {
		c.logger.Debug("Tap already delivered; ignoring repeat", "id", id)
		return nil, AlreadyConsumed
	}

	if msg, ok := c.cache.Get(id); ok {
		c.markConsumedLocked(ctx, id)
		return &msg, ResolvedFromMemory
	}

	msg, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Warn("Store lookup failed; treating as not found", "id", id, "err", err)
		return nil, NotFound
	}
	if msg == nil {
		// Nothing is marked so a late arrival of the same id can still resolve.
		return nil, NotFound
	}
	c.markConsumedLocked(ctx, id)
	return msg, ResolvedFromStore
}

// markConsumedLocked flags id and drops it from both tiers and from the
// pending launch. A failed store removal is logged only: the consumed flag
// already blocks redelivery for this process.
func (c *Coordinator) markConsumedLocked(ctx context.Context, id string) {
	c.consumed[id] = struct{}{}
	if c.pending != nil && c.pending.ID == id {
		c.pending = nil
	}
	c.cache.Remove(id)
	if err := c.store.Remove(ctx, id); err != nil {
		c.logger.Warn("Failed to remove consumed message from store", "id", id, "err", err)
	}
}
