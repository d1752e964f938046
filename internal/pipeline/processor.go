package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
)

// Receiver is the part of the delivery bridge the pipeline feeds.
type Receiver interface {
	OnMessageArrived(ctx context.Context, raw message.RawMessage) (message.Message, error)
	OnTokenRefreshed(ctx context.Context, token string)
}

// NewProcessor hands each Delivery to the bridge. A returned error Nacks
// the Pub/Sub message so it is redelivered.
func NewProcessor(receiver Receiver, logger *slog.Logger) messagepipeline.StreamProcessor[Delivery] {
	return func(ctx context.Context, original messagepipeline.Message, delivery *Delivery) error {
		procLogger := logger.With("pubsub_msg_id", original.ID, "kind", string(delivery.Kind))

		switch delivery.Kind {
		case KindToken:
			receiver.OnTokenRefreshed(ctx, delivery.Token)
			procLogger.Debug("Device token refreshed")
			return nil

		case KindMessage:
			msg, err := receiver.OnMessageArrived(ctx, delivery.Message)
			if err != nil {
				procLogger.Error("Failed to accept provider message", "err", err)
				return err
			}
			procLogger.Info("Provider message accepted", "message_id", msg.ID)
			return nil

		default:
			return fmt.Errorf("unknown delivery kind %q", delivery.Kind)
		}
	}
}
