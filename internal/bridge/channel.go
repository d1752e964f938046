package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// Channel method names understood by HandleMethodCall.
const (
	MethodGetDeviceToken      = "getDeviceToken"
	MethodDeleteDeviceToken   = "deleteDeviceToken"
	MethodRegister            = "register"
	MethodUnregister          = "unregister"
	MethodRequestPermission   = "requestPermission"
	MethodShowNotification    = "showNotification"
	MethodRemoveNotification  = "removeNotification"
	MethodPendingNotification = "pendingNotification"
)

// ChannelErrorCode is the code every channel failure is reported under.
const ChannelErrorCode = "firebase_messaging"

const unknownErrorMessage = "An unknown error has occurred."

// ErrNotImplemented is returned for method names the channel does not know.
var ErrNotImplemented = errors.New("not implemented")

// MethodCall is one request from the application layer.
type MethodCall struct {
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ErrorDetails is the structured part of a ChannelError.
type ErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChannelError reports a failed method call to the application layer.
type ChannelError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details"`
	err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChannelError) Unwrap() error {
	return e.err
}

func newChannelError(err error) *ChannelError {
	msg := unknownErrorMessage
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return &ChannelError{
		Code:    ChannelErrorCode,
		Message: msg,
		Details: ErrorDetails{Code: "unknown", Message: msg},
		err:     err,
	}
}

// HandleMethodCall runs one channel method. The result is JSON-encodable; a
// nil result means "absent". Failures are returned as *ChannelError, unknown
// methods as ErrNotImplemented.
func (b *Bridge) HandleMethodCall(ctx context.Context, call MethodCall) (any, error) {
	var (
		result any
		err    error
	)

	switch call.Method {
	case MethodGetDeviceToken:
		result = b.getDeviceToken()
	case MethodDeleteDeviceToken:
		b.forgetToken("")
	case MethodRegister:
		result = b.register(ctx)
	case MethodUnregister:
		result, err = b.unregister(ctx)
	case MethodRequestPermission:
		result, err = b.requestPermission(ctx, call.Arguments)
	case MethodShowNotification:
		result, err = b.showNotification(ctx, call.Arguments)
	case MethodRemoveNotification:
		err = b.removeNotification(ctx, call.Arguments)
	case MethodPendingNotification, push.EventNotificationClicked:
		if msg, _ := b.PendingNotification(ctx); msg != nil {
			result = msg.Payload
		}
	default:
		return nil, ErrNotImplemented
	}

	if err != nil {
		b.logger.Warn("Channel method failed", "method", call.Method, "err", err)
		return nil, newChannelError(err)
	}
	return result, nil
}

func (b *Bridge) getDeviceToken() any {
	token := b.Token()
	if token == "" {
		return nil
	}
	return map[string]string{"token": token}
}

// forgetToken clears the current token. A non-empty match only clears the
// token when it is still the current one.
func (b *Bridge) forgetToken(match string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if match == "" || b.token == match {
		b.token = ""
	}
}

func (b *Bridge) register(ctx context.Context) bool {
	b.mu.Lock()
	b.registered = true
	token := b.token
	b.mu.Unlock()

	if token != "" {
		b.OnTokenRefreshed(ctx, token)
	}
	return true
}

// unregister logs the device out: the token, the consumed set, the pending
// launch and both message tiers are wiped.
func (b *Bridge) unregister(ctx context.Context) (bool, error) {
	b.mu.Lock()
	b.registered = false
	b.token = ""
	b.launch = push.LaunchData{}
	b.mu.Unlock()

	b.deps.Coordinator.Reset()
	b.deps.Cache.Clear()
	if err := b.deps.Store.Clear(ctx); err != nil {
		return false, fmt.Errorf("failed to clear message store: %w", err)
	}
	return true, nil
}

func (b *Bridge) requestPermission(ctx context.Context, args json.RawMessage) (bool, error) {
	var opts push.PermissionOptions
	if err := decodeArguments(args, &opts); err != nil {
		return false, err
	}
	return b.deps.Notifier.RequestPermission(ctx, opts)
}

// showNotification puts the notification in the local tray and, when a
// provider and a token are available, sends it to the device. Tokens the
// provider reports as dead are forgotten. The notification counts as
// scheduled when the tray showed it or the provider accepted it.
func (b *Bridge) showNotification(ctx context.Context, args json.RawMessage) (bool, error) {
	var n push.LocalNotification
	if err := decodeArguments(args, &n); err != nil {
		return false, err
	}
	if n.FileType != "" {
		n.FileType = strings.ToLower(n.FileType)
	}
	if err := b.validate.Struct(n); err != nil {
		return false, fmt.Errorf("invalid notification: %w", err)
	}
	if n.Identifier == "" {
		n.Identifier = uuid.NewString()
	}

	shown, err := b.deps.Notifier.Show(ctx, n)
	if err != nil {
		return false, err
	}

	token := b.Token()
	if b.deps.Dispatcher == nil || token == "" {
		return shown, nil
	}

	receipt, invalid, err := b.deps.Dispatcher.Dispatch(ctx, []string{token}, n)
	if err != nil {
		return false, fmt.Errorf("provider dispatch failed: %w", err)
	}
	for _, dead := range invalid {
		b.logger.Info("Provider rejected device token; forgetting it")
		b.forgetToken(dead)
	}
	b.logger.Debug("Notification dispatched", "identifier", n.Identifier, "receipt", receipt.String())
	return shown || receipt.Accepted(), nil
}

func (b *Bridge) removeNotification(ctx context.Context, args json.RawMessage) error {
	var sel push.RemoveSelector
	if err := decodeArguments(args, &sel); err != nil {
		return err
	}
	return b.deps.Notifier.Remove(ctx, sel)
}

// decodeArguments accepts missing and null arguments as the zero value.
func decodeArguments(args json.RawMessage, dst any) error {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
