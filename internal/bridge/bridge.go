// Package bridge connects provider deliveries and host lifecycle events to
// the message tiers, the lifecycle coordinator and the application layer.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tinywideclouds/go-push-bridge/internal/lifecycle"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// Dependencies are the collaborators a Bridge is built from. Dispatcher is
// optional; without one showNotification only reaches the local tray.
type Dependencies struct {
	Cache       push.MessageCache
	Store       push.MessageStore
	Coordinator *lifecycle.Coordinator
	Notifier    push.Notifier
	Dispatcher  push.Dispatcher
	Events      push.EventSink
}

type Bridge struct {
	deps     Dependencies
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger

	mu         sync.RWMutex
	token      string
	registered bool
	launch     push.LaunchData
}

func New(deps Dependencies, logger *slog.Logger) *Bridge {
	return &Bridge{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		logger:   logger.With("component", "DeliveryBridge"),
	}
}

// OnMessageArrived normalizes a provider delivery, files it in both tiers
// and tells the application layer about it. A failed write to the persisted
// store is logged: the message is still usable from memory.
func (b *Bridge) OnMessageArrived(ctx context.Context, raw message.RawMessage) (message.Message, error) {
	msg, err := message.Normalize(raw)
	if err != nil {
		return message.Message{}, err
	}

	b.deps.Cache.Put(msg)
	if _, err := b.deps.Store.Put(ctx, msg); err != nil {
		b.logger.Warn("Failed to persist message", "id", msg.ID, "err", err)
	}

	b.emit(ctx, push.EventNotificationReceived, msg.Payload)
	b.logger.Debug("Message received", "id", msg.ID)
	return msg, nil
}

// OnTokenRefreshed remembers the provider token and forwards it verbatim.
func (b *Bridge) OnTokenRefreshed(ctx context.Context, token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()

	b.emit(ctx, push.EventDeviceToken, message.String(token))
}

// OnLaunch handles the host opening or resuming the app. Launches restored
// from the recent-apps history are ignored because their intent is stale.
// A cold start parks the tapped message as the pending launch; a warm resume
// resolves it immediately and emits the click event.
func (b *Bridge) OnLaunch(ctx context.Context, launch push.LaunchData) (*message.Message, lifecycle.Resolution) {
	if launch.FromHistory {
		b.logger.Debug("Ignoring launch restored from history", "id", launch.ID())
		return nil, lifecycle.Unresolved
	}

	b.mu.Lock()
	b.launch = launch
	b.mu.Unlock()

	id := launch.ID()
	if id == "" {
		return nil, lifecycle.NotFound
	}

	var carried *message.Message
	if launch.Message != nil {
		if msg, err := message.Normalize(*launch.Message); err == nil {
			carried = &msg
		} else {
			b.logger.Warn("Launch carried an unusable message", "id", id, "err", err)
		}
	}

	if launch.ColdStart {
		if carried != nil {
			b.deps.Coordinator.SetPendingLaunch(*carried)
		} else if !b.deps.Coordinator.CapturePendingLaunch(ctx, id) {
			b.logger.Info("Cold start message not found", "id", id)
		}
		return nil, lifecycle.Unresolved
	}

	if carried != nil && !b.deps.Coordinator.IsConsumed(id) {
		if _, ok := b.deps.Cache.Get(id); !ok {
			b.deps.Cache.Put(*carried)
		}
	}

	msg, res := b.deps.Coordinator.OnLaunchOrResume(ctx, id)
	if res.Resolved() {
		b.emit(ctx, push.EventNotificationClicked, msg.Payload)
	}
	b.logger.Debug("Launch resolved", "id", id, "resolution", res.String())
	return msg, res
}

// PendingNotification is the application layer asking for the message that
// opened the app. It is answered at most once per message.
func (b *Bridge) PendingNotification(ctx context.Context) (*message.Message, lifecycle.Resolution) {
	return b.deps.Coordinator.ConsumePendingLaunch(ctx, b.currentLaunchID)
}

func (b *Bridge) Token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

func (b *Bridge) Registered() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registered
}

func (b *Bridge) currentLaunchID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.launch.ID()
}

func (b *Bridge) emit(ctx context.Context, name string, payload message.Value) {
	if b.deps.Events == nil {
		return
	}
	err := b.deps.Events.Emit(ctx, push.Event{Name: name, Payload: payload, At: b.now().UTC()})
	if err != nil {
		b.logger.Warn("Failed to emit event", "event", name, "err", err)
	}
}
