package pushbridge_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/sqlite"
	"github.com/tinywideclouds/go-push-bridge/pushbridge"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

const testUser = "urn:sm:user:service-test"

// fakeAuth stands in for the JWKS middleware.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(middleware.ContextWithUserID(r.Context(), testUser)))
	})
}

func newTestService(t *testing.T) (*httptest.Server, *pushbridge.Stack) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	device, err := urn.Parse("urn:sm:device:service-test")
	require.NoError(t, err)
	cfg, err := config.UpdateConfigWithEnvOverrides(&config.Config{
		ListenAddr:           ":0",
		DeviceID:             &device,
		NotificationsEnabled: true,
		Store:                config.StoreConfig{SQLitePath: filepath.Join(t.TempDir(), "messages.db")},
	}, logger)
	require.NoError(t, err)

	store, err := sqlite.NewMessageStore(cfg.Store.SQLitePath, cfg.Store.Capacity, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stack := pushbridge.NewStack(cfg, store, nil, logger)
	svc, err := pushbridge.New(cfg, nil, stack, fakeAuth, logger)
	require.NoError(t, err)

	server := httptest.NewServer(svc.Mux())
	t.Cleanup(server.Close)
	return server, stack
}

func post(t *testing.T, server *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestService_TapDeliveredOnce(t *testing.T) {
	server, stack := newTestService(t)

	resp := post(t, server, "/api/v1/platform/message", map[string]any{
		"messageId":    "m1",
		"notification": map[string]any{"title": "Order shipped"},
		"data":         map[string]string{"orderId": "42"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, stack.Cache.Len())

	resp = post(t, server, "/api/v1/platform/launch", map[string]any{"messageId": "m1", "coldStart": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first struct {
		Result map[string]any `json:"result"`
	}
	resp = post(t, server, "/api/v1/channel", map[string]any{"method": "pendingNotification"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	assert.Equal(t, "m1", first.Result["messageId"])
	assert.Equal(t, map[string]any{"orderId": "42"}, first.Result["data"])

	var second struct {
		Result any `json:"result"`
	}
	resp = post(t, server, "/api/v1/channel", map[string]any{"method": "pendingNotification"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	assert.Nil(t, second.Result)
	assert.True(t, stack.Coordinator.IsConsumed("m1"))
}

func TestService_ChannelErrors(t *testing.T) {
	server, _ := newTestService(t)

	resp := post(t, server, "/api/v1/channel", map[string]any{"method": "subscribeToTopic"})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp = post(t, server, "/api/v1/channel", map[string]any{
		"method":    "showNotification",
		"arguments": map[string]any{"badge": -3},
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var chErr map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chErr))
	assert.Equal(t, "firebase_messaging", chErr["code"])
	assert.Equal(t, "unknown", chErr["details"].(map[string]any)["code"])
}

func TestService_TokenFlow(t *testing.T) {
	server, _ := newTestService(t)

	resp := post(t, server, "/api/v1/platform/token", map[string]string{"token": "tok-1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var out struct {
		Result map[string]string `json:"result"`
	}
	resp = post(t, server, "/api/v1/channel", map[string]any{"method": "getDeviceToken"})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "tok-1", out.Result["token"])

}
