package memory_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/memory"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

var _ push.MessageCache = (*memory.Cache)(nil)

func TestCache_Lifecycle(t *testing.T) {
	c := memory.NewCache()
	msg := message.Message{ID: "m1", Payload: message.Map(map[string]message.Value{"k": message.String("v")})}

	c.Put(msg)
	got, ok := c.Get("m1")
	require.True(t, ok)
	assert.True(t, msg.Payload.Equal(got.Payload))

	c.Remove("m1")
	_, ok = c.Get("m1")
	assert.False(t, ok)

	c.Remove("m1")
	assert.Equal(t, 0, c.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := memory.NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			c.Put(message.Message{ID: id})
			_, _ = c.Get(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
