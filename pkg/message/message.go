package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one received push notification event.
type Message struct {
	ID      string `json:"id"`
	Payload Value  `json:"payload"`
}

// RawNotification is the display part of a provider delivery.
type RawNotification struct {
	Title       string `json:"title,omitempty"`
	Body        string `json:"body,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Sound       string `json:"sound,omitempty"`
	Tag         string `json:"tag,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	ClickAction string `json:"clickAction,omitempty"`
	Badge       *int   `json:"badge,omitempty"`
}

// RawMessage is the inbound delivery shape accepted from the ingestion
// pipeline and the platform endpoints. It mirrors the fields FCM and APNs
// report for a remote message.
type RawMessage struct {
	MessageID    string            `json:"messageId"`
	From         string            `json:"from,omitempty"`
	CollapseKey  string            `json:"collapseKey,omitempty"`
	MessageType  string            `json:"messageType,omitempty"`
	SentTime     int64             `json:"sentTime,omitempty"`
	TTL          int               `json:"ttl,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	Notification *RawNotification  `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

// ErrMissingID is returned when a delivery carries no provider message id.
var ErrMissingID = errors.New("message id is required")

// Normalize converts a provider delivery into a Message whose payload has the
// stable shape {notification: {title, body, <platform>: {...}}, data: {...}}
// plus the delivery metadata at the top level.
func Normalize(raw RawMessage) (Message, error) {
	if raw.MessageID == "" {
		return Message{}, ErrMissingID
	}

	notification := map[string]Value{}
	if n := raw.Notification; n != nil {
		putString(notification, "title", n.Title)
		putString(notification, "body", n.Body)

		extra := map[string]Value{}
		putString(extra, "imageUrl", n.ImageURL)
		putString(extra, "sound", n.Sound)
		putString(extra, "tag", n.Tag)
		putString(extra, "channelId", n.ChannelID)
		putString(extra, "clickAction", n.ClickAction)
		if n.Badge != nil {
			extra["badge"] = Number(float64(*n.Badge))
		}
		if len(extra) > 0 {
			platform := raw.Platform
			if platform == "" {
				platform = "android"
			}
			notification[platform] = Map(extra)
		}
	}

	payload := map[string]Value{
		"notification": Map(notification),
		"data":         StringMap(raw.Data),
		"messageId":    String(raw.MessageID),
	}
	putString(payload, "from", raw.From)
	putString(payload, "collapseKey", raw.CollapseKey)
	putString(payload, "messageType", raw.MessageType)
	if raw.SentTime != 0 {
		payload["sentTime"] = Number(float64(raw.SentTime))
	}
	if raw.TTL != 0 {
		payload["ttl"] = Number(float64(raw.TTL))
	}

	return Message{ID: raw.MessageID, Payload: Map(payload)}, nil
}

func putString(m map[string]Value, key, val string) {
	if val != "" {
		m[key] = String(val)
	}
}

// EncodePayload serializes a payload for a persisted record.
func EncodePayload(v Value) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

// DecodeRecord rebuilds a Message from a persisted record. The key is the
// message id; the serialized payload is not required to repeat it.
func DecodeRecord(id, record string) (Message, error) {
	var payload Value
	if err := json.Unmarshal([]byte(record), &payload); err != nil {
		return Message{}, fmt.Errorf("corrupt record %q: %w", id, err)
	}
	if payload.Kind() != KindMap {
		return Message{}, fmt.Errorf("corrupt record %q: payload is a %s, not a map", id, payload.Kind())
	}
	return Message{ID: id, Payload: payload}, nil
}
