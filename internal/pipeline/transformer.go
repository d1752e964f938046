// Package pipeline turns provider deliveries streamed from Pub/Sub into
// bridge events.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
)

// Pub/Sub attributes understood by the transformer.
const (
	AttrType      = "type"
	AttrMessageID = "messageId"
	AttrPlatform  = "platform"
)

// DeliveryKind says what a Pub/Sub message carries.
type DeliveryKind string

const (
	KindMessage DeliveryKind = "message"
	KindToken   DeliveryKind = "token"
)

// Delivery is the structured form of one Pub/Sub message.
type Delivery struct {
	Kind    DeliveryKind
	Message message.RawMessage
	Token   string
}

var errEmptyToken = errors.New("token delivery carries no token")

// DeliveryTransformer unmarshals a Pub/Sub payload into a Delivery. The
// "type" attribute selects a token refresh ({"token": ...}); anything else
// is a provider message. Attributes fill in the message id and platform when
// the body omits them.
//
// Malformed payloads return skip=true with an error so the StreamingService
// can Nack them towards the dead-letter topic.
func DeliveryTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*Delivery, bool, error) {
	if DeliveryKind(msg.Attributes[AttrType]) == KindToken {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return nil, true, fmt.Errorf("failed to unmarshal token delivery from message %s: %w", msg.ID, err)
		}
		if body.Token == "" {
			return nil, true, fmt.Errorf("message %s: %w", msg.ID, errEmptyToken)
		}
		return &Delivery{Kind: KindToken, Token: body.Token}, false, nil
	}

	var raw message.RawMessage
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal provider message from message %s: %w", msg.ID, err)
	}
	if raw.MessageID == "" {
		raw.MessageID = msg.Attributes[AttrMessageID]
	}
	if raw.Platform == "" {
		raw.Platform = msg.Attributes[AttrPlatform]
	}
	if raw.MessageID == "" {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, message.ErrMissingID)
	}

	return &Delivery{Kind: KindMessage, Message: raw}, false, nil
}
