// Package fcm forwards locally requested notifications to Android devices
// through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Dispatcher struct {
	client MessagingClient
	logger *slog.Logger
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		logger: logger.With("component", "FCMDispatcher"),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, n push.LocalNotification) (push.Receipt, []string, error) {
	if len(tokens) == 0 {
		return push.Receipt{Skipped: "no tokens"}, nil, nil
	}

	msg := buildMessage(tokens, n)

	br, err := d.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		if messaging.IsInvalidArgument(err) {
			d.logger.Error("FCM rejected batch as InvalidArgument (dropping)", "err", err)
			return push.Receipt{Skipped: "invalid_argument"}, nil, nil
		}
		return push.Receipt{}, nil, fmt.Errorf("fcm transport failed: %w", err)
	}

	var invalidTokens []string
	retryableErrors := 0

	if br.FailureCount > 0 {
		for idx, resp := range br.Responses {
			if resp.Success {
				continue
			}
			// The token is garbage
			if messaging.IsInvalidArgument(resp.Error) || messaging.IsRegistrationTokenNotRegistered(resp.Error) {
				invalidTokens = append(invalidTokens, tokens[idx])
				continue
			}
			retryableErrors++
		}
	}

	if retryableErrors > 0 {
		return push.Receipt{}, invalidTokens, fmt.Errorf("batch had %d retryable errors", retryableErrors)
	}

	receipt := push.Receipt{Delivered: br.SuccessCount, Invalid: len(invalidTokens), Failed: br.FailureCount}
	return receipt, invalidTokens, nil
}

func buildMessage(tokens []string, n push.LocalNotification) *messaging.MulticastMessage {
	data := make(map[string]string, len(n.Data)+2)
	for k, v := range n.Data {
		data[k] = v
	}
	if n.Identifier != "" {
		data["identifier"] = n.Identifier
	}
	if n.FileType != "" {
		data["fileType"] = n.FileType
	}

	android := &messaging.AndroidNotification{
		Tag: n.Identifier,
	}
	if n.Badge != nil {
		android.NotificationCount = n.Badge
		data["badge"] = strconv.Itoa(*n.Badge)
	}

	return &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
		Notification: &messaging.Notification{
			Title:    n.Title,
			Body:     n.Body,
			ImageURL: n.Image,
		},
		Android: &messaging.AndroidConfig{
			CollapseKey:  n.Identifier,
			Notification: android,
		},
	}
}
