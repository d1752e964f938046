//go:build integration

package pushbridge_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	"github.com/tinywideclouds/go-push-bridge/pushbridge"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// countingStore records how often the pipeline reached the store.
type countingStore struct {
	mu   sync.Mutex
	puts int
}

func (s *countingStore) Put(_ context.Context, _ message.Message) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return nil, nil
}
func (s *countingStore) Get(_ context.Context, _ string) (*message.Message, error) { return nil, nil }
func (s *countingStore) Remove(_ context.Context, _ string) error                  { return nil }
func (s *countingStore) Clear(_ context.Context) error                             { return nil }
func (s *countingStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func TestPushBridge_PoisonPill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-dlq"

	// 1. Setup Pub/Sub Emulator
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	// 2. Arrange: main topic, DLQ topic and their subscriptions
	runID := uuid.NewString()
	mainTopicID := "push-main-" + runID
	dlqTopicID := "push-dlq-" + runID
	mainSubID := mainTopicID + "-sub"
	dlqSubID := dlqTopicID + "-sub"

	createPubsubResources(t, ctx, psClient, projectID, dlqTopicID, dlqSubID)
	dlqTopicName := fmt.Sprintf("projects/%s/topics/%s", projectID, dlqTopicID)

	mainTopicName := fmt.Sprintf("projects/%s/topics/%s", projectID, mainTopicID)
	_, err = psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: mainTopicName})
	require.NoError(t, err)

	mainSubName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, mainSubID)
	_, err = psClient.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  mainSubName,
		Topic: mainTopicName,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlqTopicName,
			MaxDeliveryAttempts: 5,
		},
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	})
	require.NoError(t, err)

	// 3. Arrange: service
	device, err := urn.Parse("urn:sm:device:poison")
	require.NoError(t, err)
	cfg := &config.Config{
		ProjectID:          projectID,
		ListenAddr:         ":0",
		DeviceID:           &device,
		SubscriptionID:     mainSubID,
		NumPipelineWorkers: 2,
	}
	store := &countingStore{}
	stack := pushbridge.NewStack(cfg, store, nil, logger)

	consumerCfg := *messagepipeline.NewGooglePubsubConsumerDefaults(mainSubID)
	consumer, err := messagepipeline.NewGooglePubsubConsumer(&consumerCfg, psClient, logger)
	require.NoError(t, err)

	noopAuth := func(h http.Handler) http.Handler { return h }
	svc, err := pushbridge.New(cfg, consumer, stack, noopAuth, logger)
	require.NoError(t, err)

	// 4. Act: start and publish a poison pill
	serviceCtx, serviceCancel := context.WithCancel(ctx)
	defer serviceCancel()
	go func() {
		if err := svc.Start(serviceCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("service.Start() returned an error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	pills := []struct {
		name       string
		data       []byte
		attributes map[string]string
	}{
		{name: "malformed json", data: []byte(`{"this is not valid json"`)},
		{name: "message without id", data: []byte(`{"notification":{"title":"orphan"}}`)},
		{name: "empty token refresh", data: []byte(`{"token":""}`), attributes: map[string]string{"type": "token"}},
	}
	for _, p := range pills {
		_, err = psClient.Publisher(mainTopicID).Publish(ctx, &pubsub.Message{Data: p.data, Attributes: p.attributes}).Get(ctx)
		require.NoError(t, err, p.name)
	}

	// 5. Assert: every pill is dead-lettered
	dlqSub := psClient.Subscriber(dlqSubID)
	var mu sync.Mutex
	dead := make(map[string]bool)
	cctx, ccancel := context.WithTimeout(ctx, 30*time.Second)
	defer ccancel()
	err = dlqSub.Receive(cctx, func(_ context.Context, msg *pubsub.Message) {
		msg.Ack()
		mu.Lock()
		defer mu.Unlock()
		dead[string(msg.Data)] = true
		if len(dead) == len(pills) {
			ccancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("DLQ Receive returned an unexpected error: %v", err)
	}

	mu.Lock()
	for _, p := range pills {
		assert.True(t, dead[string(p.data)], "%s was not dead-lettered", p.name)
	}
	mu.Unlock()

	// 6. The bridge never saw it
	assert.Equal(t, 0, store.Puts())
	assert.Equal(t, 0, stack.Cache.Len())
	assert.Empty(t, stack.Bridge.Token())
}
