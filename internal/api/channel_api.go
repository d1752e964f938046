// Package api exposes the delivery bridge over HTTP: the application-layer
// method channel, the event stream and the host platform callbacks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-bridge/internal/bridge"
	"github.com/tinywideclouds/go-push-bridge/internal/lifecycle"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Bridge is the subset of the delivery bridge the HTTP layer drives.
type Bridge interface {
	HandleMethodCall(ctx context.Context, call bridge.MethodCall) (any, error)
	OnMessageArrived(ctx context.Context, raw message.RawMessage) (message.Message, error)
	OnTokenRefreshed(ctx context.Context, token string)
	OnLaunch(ctx context.Context, launch push.LaunchData) (*message.Message, lifecycle.Resolution)
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe() (<-chan push.Event, func())
}

type ChannelAPI struct {
	Bridge Bridge
	Events EventSource
	// Owner, when set, is the only user allowed to drive this device.
	Owner  *urn.URN
	Logger *slog.Logger
}

func NewChannelAPI(b Bridge, events EventSource, owner *urn.URN, logger *slog.Logger) *ChannelAPI {
	return &ChannelAPI{
		Bridge: b,
		Events: events,
		Owner:  owner,
		Logger: logger.With("component", "ChannelAPI"),
	}
}

type methodResult struct {
	Result any `json:"result"`
}

// --- Application layer ---

// MethodCall runs one channel method.
func (api *ChannelAPI) MethodCall(w http.ResponseWriter, r *http.Request) {
	if !api.authorize(w, r) {
		return
	}

	var call bridge.MethodCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if call.Method == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing method")
		return
	}

	result, err := api.Bridge.HandleMethodCall(r.Context(), call)
	if err != nil {
		var chErr *bridge.ChannelError
		switch {
		case errors.Is(err, bridge.ErrNotImplemented):
			response.WriteJSONError(w, http.StatusNotImplemented, err.Error())
		case errors.As(err, &chErr):
			writeJSON(w, http.StatusInternalServerError, chErr)
		default:
			api.Logger.Error("Method call failed", "method", call.Method, "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "method call failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, methodResult{Result: result})
}

// StreamEvents writes every bridge event as one JSON line until the client
// disconnects.
func (api *ChannelAPI) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if !api.authorize(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := api.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := enc.Encode(event); err != nil {
				api.Logger.Debug("Event stream closed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

// --- Host platform callbacks ---

type tokenRequest struct {
	Token string `json:"token"`
}

func (api *ChannelAPI) TokenRefreshed(w http.ResponseWriter, r *http.Request) {
	if !api.authorize(w, r) {
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	api.Bridge.OnTokenRefreshed(r.Context(), req.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (api *ChannelAPI) MessageArrived(w http.ResponseWriter, r *http.Request) {
	if !api.authorize(w, r) {
		return
	}

	var raw message.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	msg, err := api.Bridge.OnMessageArrived(r.Context(), raw)
	if err != nil {
		if errors.Is(err, message.ErrMissingID) {
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Logger.Error("Failed to accept message", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to accept message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": msg.ID})
}

type launchResponse struct {
	Resolution string         `json:"resolution"`
	Payload    *message.Value `json:"payload,omitempty"`
}

func (api *ChannelAPI) Launch(w http.ResponseWriter, r *http.Request) {
	if !api.authorize(w, r) {
		return
	}

	var launch push.LaunchData
	if err := json.NewDecoder(r.Body).Decode(&launch); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	msg, res := api.Bridge.OnLaunch(r.Context(), launch)
	out := launchResponse{Resolution: res.String()}
	if msg != nil {
		out.Payload = &msg.Payload
	}
	writeJSON(w, http.StatusOK, out)
}

// authorize requires an authenticated user and, when the device has an
// owner, that the user is that owner.
func (api *ChannelAPI) authorize(w http.ResponseWriter, r *http.Request) bool {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if api.Owner == nil {
		return true
	}
	userURN, err := urn.Parse(userID)
	if err != nil || userURN.String() != api.Owner.String() {
		api.Logger.Warn("Rejected caller for this device", "user", userID)
		response.WriteJSONError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
