// Package web forwards locally requested notifications to browsers over the
// Web Push protocol. Each device token is a JSON-encoded push subscription.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

type Dispatcher struct {
	subscriber string
	privateKey string
	publicKey  string
	ttl        int
	logger     *slog.Logger
	httpClient *http.Client
}

func NewDispatcher(cfg config.VapidConfig, logger *slog.Logger) *Dispatcher {
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = 60
	}
	return &Dispatcher{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		ttl:        ttl,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: &http.Client{},
	}
}

// ParseSubscription decodes a device token into a push subscription.
func ParseSubscription(deviceToken string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(deviceToken), &sub); err != nil {
		return nil, fmt.Errorf("token is not a push subscription: %w", err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, fmt.Errorf("push subscription is incomplete")
	}
	return &sub, nil
}

// Dispatch returns the tokens that are malformed or that the push service
// reported as gone, so the caller can forget them.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, n push.LocalNotification) (push.Receipt, []string, error) {
	if len(tokens) == 0 {
		return push.Receipt{Skipped: "no tokens"}, nil, nil
	}

	payloadBytes, err := buildPayload(n)
	if err != nil {
		return push.Receipt{}, nil, err
	}

	var invalidTokens []string
	successCount := 0
	failureCount := 0

	for _, deviceToken := range tokens {
		sub, err := ParseSubscription(deviceToken)
		if err != nil {
			d.logger.Warn("Dropping malformed web push token", "err", err)
			invalidTokens = append(invalidTokens, deviceToken)
			failureCount++
			continue
		}

		status, err := d.send(ctx, payloadBytes, sub)
		if err != nil {
			// Transport error (DNS, Timeout) - Log and skip, don't delete
			d.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			failureCount++
			continue
		}

		switch status {
		case http.StatusCreated, http.StatusOK:
			successCount++
		case http.StatusGone, http.StatusNotFound:
			invalidTokens = append(invalidTokens, deviceToken)
			failureCount++
		default:
			d.logger.Warn("WebPush rejected", "status", status, "endpoint", sub.Endpoint)
			failureCount++
		}
	}

	receipt := push.Receipt{Delivered: successCount, Invalid: len(invalidTokens), Failed: failureCount}
	return receipt, invalidTokens, nil
}

func (d *Dispatcher) send(ctx context.Context, body []byte, sub *webpush.Subscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             d.ttl,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func buildPayload(n push.LocalNotification) ([]byte, error) {
	notification := map[string]any{
		"title": n.Title,
		"body":  n.Body,
	}
	if n.Image != "" {
		notification["image"] = n.Image
	}
	if n.Badge != nil {
		notification["badge"] = strconv.Itoa(*n.Badge)
	}
	if n.Identifier != "" {
		notification["tag"] = n.Identifier
	}

	payloadBytes, err := json.Marshal(map[string]any{
		"notification": notification,
		"data":         n.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return payloadBytes, nil
}
