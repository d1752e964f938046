package push

import (
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-bridge/pkg/message"
)

// Event names as seen by the application layer.
const (
	EventDeviceToken          = "deviceTokenListener"
	EventNotificationReceived = "notificationReceiverListener"
	EventNotificationClicked  = "notificationClickedListener"
)

// Event is one message pushed from the bridge to the application layer.
type Event struct {
	Name    string        `json:"name"`
	Payload message.Value `json:"payload"`
	At      time.Time     `json:"at"`
}

// PermissionOptions mirrors the requestPermission arguments. All default to false.
type PermissionOptions struct {
	Sound bool `json:"sound"`
	Alert bool `json:"alert"`
	Badge bool `json:"badge"`
}

// LocalNotification is the showNotification payload.
type LocalNotification struct {
	Identifier string            `json:"identifier" validate:"omitempty,max=128"`
	Title      string            `json:"title" validate:"required_without=Body"`
	Body       string            `json:"body"`
	Badge      *int              `json:"badge,omitempty" validate:"omitempty,min=0"`
	Image      string            `json:"image,omitempty" validate:"omitempty,url"`
	FileType   string            `json:"fileType,omitempty" validate:"omitempty,oneof=png jpg jpeg gif mp3 mp4 m4a wav"`
	Data       map[string]string `json:"data,omitempty"`
}

// Receipt summarizes one provider dispatch. Failed counts every token that
// was not delivered, the invalid ones included.
type Receipt struct {
	Delivered int
	Invalid   int
	Failed    int
	Skipped   string
}

// Accepted reports whether the provider took the notification for at least
// one token.
func (r Receipt) Accepted() bool { return r.Delivered > 0 }

func (r Receipt) String() string {
	if r.Skipped != "" {
		return "skipped: " + r.Skipped
	}
	return fmt.Sprintf("success:%d invalid:%d total_fail:%d", r.Delivered, r.Invalid, r.Failed)
}

// RemoveSelector picks the notification(s) to cancel. The tag is the
// showNotification identifier. An empty selector cancels all; a tag alone
// cancels everything shown under it; a tag narrows an id.
type RemoveSelector struct {
	ID  *int   `json:"id,omitempty"`
	Tag string `json:"tag,omitempty"`
}

// LaunchData is what the host reports when the app is opened or resumed.
type LaunchData struct {
	MessageID   string              `json:"messageId,omitempty"`
	Message     *message.RawMessage `json:"message,omitempty"`
	ColdStart   bool                `json:"coldStart"`
	FromHistory bool                `json:"fromHistory"`
}

// ID returns the provider id carried by the launch, if any.
func (l LaunchData) ID() string {
	if l.MessageID != "" {
		return l.MessageID
	}
	if l.Message != nil {
		return l.Message.MessageID
	}
	return ""
}
