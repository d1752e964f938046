package pipeline_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-bridge/internal/pipeline"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
)

func pubsubMessage(payload string, attrs map[string]string) *messagepipeline.Message {
	return &messagepipeline.Message{
		MessageData: messagepipeline.MessageData{
			ID:      "pubsub-1",
			Payload: []byte(payload),
		},
		Attributes: attrs,
	}
}

func TestDeliveryTransformer(t *testing.T) {
	ctx := context.Background()

	t.Run("Provider message", func(t *testing.T) {
		d, skip, err := pipeline.DeliveryTransformer(ctx, pubsubMessage(
			`{"messageId":"m1","sentTime":1700000000000,"notification":{"title":"Hi"},"data":{"k":"v"}}`, nil))

		require.NoError(t, err)
		assert.False(t, skip)
		assert.Equal(t, pipeline.KindMessage, d.Kind)
		assert.Equal(t, "m1", d.Message.MessageID)
		assert.Equal(t, int64(1700000000000), d.Message.SentTime)
		assert.Equal(t, "Hi", d.Message.Notification.Title)
	})

	t.Run("Attributes fill missing id and platform", func(t *testing.T) {
		d, _, err := pipeline.DeliveryTransformer(ctx, pubsubMessage(
			`{"notification":{"title":"Hi","badge":1}}`,
			map[string]string{pipeline.AttrMessageID: "from-attr", pipeline.AttrPlatform: "ios"}))

		require.NoError(t, err)
		assert.Equal(t, "from-attr", d.Message.MessageID)
		assert.Equal(t, "ios", d.Message.Platform)
	})

	t.Run("Token refresh", func(t *testing.T) {
		d, skip, err := pipeline.DeliveryTransformer(ctx, pubsubMessage(
			`{"token":"tok-9"}`, map[string]string{pipeline.AttrType: "token"}))

		require.NoError(t, err)
		assert.False(t, skip)
		assert.Equal(t, pipeline.KindToken, d.Kind)
		assert.Equal(t, "tok-9", d.Token)
	})

	failures := []struct {
		name    string
		payload string
		attrs   map[string]string
	}{
		{name: "Malformed JSON", payload: `{"messageId":`},
		{name: "Missing message id", payload: `{"notification":{"title":"Hi"}}`},
		{name: "Empty token", payload: `{}`, attrs: map[string]string{pipeline.AttrType: "token"}},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			d, skip, err := pipeline.DeliveryTransformer(ctx, pubsubMessage(tc.payload, tc.attrs))
			assert.Error(t, err)
			assert.True(t, skip)
			assert.Nil(t, d)
		})
	}

	t.Run("Missing id wraps the message sentinel", func(t *testing.T) {
		_, _, err := pipeline.DeliveryTransformer(ctx, pubsubMessage(`{}`, nil))
		assert.ErrorIs(t, err, message.ErrMissingID)
	})
}
