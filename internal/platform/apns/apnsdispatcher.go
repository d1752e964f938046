// Package apns forwards locally requested notifications to iOS devices
// through the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Dispatcher struct {
	client APNSClient
	topic  string // The App Bundle ID
	logger *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Sandbox      bool
}

// NewDispatcher creates a configured APNS dispatcher.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(tokenSource)
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return newDispatcher(client, cfg.BundleID, logger), nil
}

func newDispatcher(client APNSClient, topic string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSDispatcher"),
	}
}

// Dispatch sends the notification to every token in turn.
// The APNs HTTP/2 API is unary, there is no multicast endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, n push.LocalNotification) (push.Receipt, []string, error) {
	if len(tokens) == 0 {
		return push.Receipt{Skipped: "no tokens"}, nil, nil
	}

	var invalidTokens []string
	successCount := 0
	failureCount := 0

	builder := buildPayload(n)

	for _, deviceToken := range tokens {
		notification := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       d.topic,
			CollapseID:  n.Identifier,
			Payload:     builder,
		}

		res, err := d.client.PushWithContext(ctx, notification)
		if err != nil {
			d.logger.Error("APNs transport failed", "token", deviceToken, "err", err)
			failureCount++
			continue
		}

		if res.Sent() {
			successCount++
			continue
		}

		failureCount++
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			invalidTokens = append(invalidTokens, deviceToken)
		default:
			// Configuration problems, the token itself may be fine.
			d.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
	}

	receipt := push.Receipt{Delivered: successCount, Invalid: len(invalidTokens), Failed: failureCount}
	return receipt, invalidTokens, nil
}

func buildPayload(n push.LocalNotification) *payload.Payload {
	builder := payload.NewPayload().
		AlertTitle(n.Title).
		AlertBody(n.Body).
		Sound("default")

	if n.Badge != nil {
		builder.Badge(*n.Badge)
	}
	if n.Identifier != "" {
		builder.ThreadID(n.Identifier)
	}
	if n.Image != "" {
		// The notification service extension downloads the attachment.
		builder.MutableContent()
		builder.Custom("image", n.Image)
		if n.FileType != "" {
			builder.Custom("fileType", n.FileType)
		}
	}
	for k, v := range n.Data {
		builder.Custom(k, v)
	}
	return builder
}
