// Package tray is the in-process notification surface: it keeps the
// notifications currently shown and answers permission requests.
package tray

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// Entry is one notification currently shown.
type Entry struct {
	ID           int
	Tag          string
	Notification push.LocalNotification
}

type entryKey struct {
	tag string
	id  int
}

// Tray implements push.Notifier.
type Tray struct {
	mu      sync.Mutex
	enabled bool
	granted push.PermissionOptions
	nextID  int
	entries map[entryKey]Entry
	logger  *slog.Logger
}

// New returns a tray. enabled is the host-level notification switch; when it
// is off every permission request is denied.
func New(enabled bool, logger *slog.Logger) *Tray {
	return &Tray{
		enabled: enabled,
		entries: make(map[entryKey]Entry),
		logger:  logger.With("component", "NotificationTray"),
	}
}

func (t *Tray) RequestPermission(_ context.Context, opts push.PermissionOptions) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return false, nil
	}
	t.granted = opts
	return true, nil
}

// Show files the notification under the next numeric id, tagged with its identifier.
func (t *Tray) Show(_ context.Context, n push.LocalNotification) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		t.logger.Info("Notifications disabled; not shown", "identifier", n.Identifier)
		return false, nil
	}
	t.nextID++
	key := entryKey{tag: n.Identifier, id: t.nextID}
	t.entries[key] = Entry{ID: t.nextID, Tag: n.Identifier, Notification: n}
	return true, nil
}

// Remove cancels by tag+id, by id alone (any tag), by tag alone (every
// notification shown under that identifier), or everything.
func (t *Tray) Remove(_ context.Context, sel push.RemoveSelector) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sel.ID == nil && sel.Tag == "" {
		t.entries = make(map[entryKey]Entry)
		return nil
	}
	for key := range t.entries {
		if sel.ID != nil && key.id != *sel.ID {
			continue
		}
		if sel.Tag != "" && key.tag != sel.Tag {
			continue
		}
		delete(t.entries, key)
	}
	return nil
}

// Active returns the notifications currently shown.
func (t *Tray) Active() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Granted returns the options of the last granted permission request.
func (t *Tray) Granted() push.PermissionOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.granted
}
