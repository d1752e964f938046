// Package push contains the public contracts between the delivery bridge
// and its collaborators: message storage, provider dispatch, local
// notification display and the event stream to the application layer.
package push

import (
	"context"

	"github.com/tinywideclouds/go-push-bridge/pkg/message"
)

// MessageStore is the durable, bounded history of received messages.
// Implementations keep an ordered ledger of ids and evict the oldest entry
// once the ledger grows past its capacity.
type MessageStore interface {
	// Put writes the message under its id and returns the ids evicted to make room.
	Put(ctx context.Context, msg message.Message) ([]string, error)

	// Get returns nil, nil when no usable record exists (missing or corrupt).
	Get(ctx context.Context, id string) (*message.Message, error)

	// Remove is idempotent.
	Remove(ctx context.Context, id string) error

	// Clear wipes every record and the ledger.
	Clear(ctx context.Context) error
}

// MessageCache is the process-local tier consulted before the MessageStore.
type MessageCache interface {
	Put(msg message.Message)
	Get(id string) (message.Message, bool)
	Remove(id string)
	Clear()
}

// Dispatcher sends a notification to a batch of provider tokens (FCM, APNs,
// Web Push). It returns a receipt and the tokens the provider reported as dead.
type Dispatcher interface {
	Dispatch(ctx context.Context, tokens []string, n LocalNotification) (Receipt, []string, error)
}

// Notifier is the host's local notification surface.
type Notifier interface {
	RequestPermission(ctx context.Context, opts PermissionOptions) (bool, error)
	Show(ctx context.Context, n LocalNotification) (bool, error)
	Remove(ctx context.Context, sel RemoveSelector) error
}

// EventSink receives the events pushed to the application layer.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}
