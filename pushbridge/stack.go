package pushbridge

import (
	"log/slog"

	"github.com/tinywideclouds/go-push-bridge/internal/bridge"
	"github.com/tinywideclouds/go-push-bridge/internal/events"
	"github.com/tinywideclouds/go-push-bridge/internal/lifecycle"
	"github.com/tinywideclouds/go-push-bridge/internal/platform/tray"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/memory"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

// Stack is the delivery bridge together with the in-process collaborators it
// owns. The persisted store and the provider dispatcher are supplied by the
// caller because they depend on external clients.
type Stack struct {
	Bridge      *bridge.Bridge
	Events      *events.Hub
	Cache       *memory.Cache
	Coordinator *lifecycle.Coordinator
	Tray        *tray.Tray
}

// NewStack wires a bridge over store. dispatcher may be nil.
func NewStack(cfg *config.Config, store push.MessageStore, dispatcher push.Dispatcher, logger *slog.Logger) *Stack {
	cache := memory.NewCache()
	hub := events.NewHub(cfg.EventBuffer, logger)
	coordinator := lifecycle.NewCoordinator(cache, store, logger)
	notifier := tray.New(cfg.NotificationsEnabled, logger)

	deps := bridge.Dependencies{
		Cache:       cache,
		Store:       store,
		Coordinator: coordinator,
		Notifier:    notifier,
		Dispatcher:  dispatcher,
		Events:      hub,
	}

	return &Stack{
		Bridge:      bridge.New(deps, logger),
		Events:      hub,
		Cache:       cache,
		Coordinator: coordinator,
		Tray:        notifier,
	}
}
