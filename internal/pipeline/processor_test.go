package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-bridge/internal/pipeline"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockReceiver struct {
	mock.Mock
}

func (m *mockReceiver) OnMessageArrived(ctx context.Context, raw message.RawMessage) (message.Message, error) {
	args := m.Called(ctx, raw)
	return args.Get(0).(message.Message), args.Error(1)
}

func (m *mockReceiver) OnTokenRefreshed(ctx context.Context, token string) {
	m.Called(ctx, token)
}

func TestProcessor_Routing(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	original := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "pubsub-1"}}

	t.Run("Provider message reaches the bridge", func(t *testing.T) {
		receiver := new(mockReceiver)
		raw := message.RawMessage{MessageID: "m1"}
		receiver.On("OnMessageArrived", ctx, raw).Return(message.Message{ID: "m1"}, nil).Once()

		processor := pipeline.NewProcessor(receiver, logger)
		err := processor(ctx, original, &pipeline.Delivery{Kind: pipeline.KindMessage, Message: raw})

		require.NoError(t, err)
		receiver.AssertExpectations(t)
	})

	t.Run("Token refresh reaches the bridge", func(t *testing.T) {
		receiver := new(mockReceiver)
		receiver.On("OnTokenRefreshed", ctx, "tok-1").Return().Once()

		processor := pipeline.NewProcessor(receiver, logger)
		err := processor(ctx, original, &pipeline.Delivery{Kind: pipeline.KindToken, Token: "tok-1"})

		require.NoError(t, err)
		receiver.AssertExpectations(t)
	})

	t.Run("Bridge failure is retryable", func(t *testing.T) {
		receiver := new(mockReceiver)
		receiver.On("OnMessageArrived", ctx, mock.Anything).Return(message.Message{}, message.ErrMissingID)

		processor := pipeline.NewProcessor(receiver, logger)
		err := processor(ctx, original, &pipeline.Delivery{Kind: pipeline.KindMessage})

		assert.ErrorIs(t, err, message.ErrMissingID)
	})

	t.Run("Unknown kind", func(t *testing.T) {
		processor := pipeline.NewProcessor(new(mockReceiver), logger)
		err := processor(ctx, original, &pipeline.Delivery{Kind: "bogus"})
		assert.Error(t, err)
	})
}
