package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatlink/internal/notify"
)

func TestHub_Subscribe(t *testing.T) {
	hub := notify.NewHub(nil)

	hub.Subscribe(1)
	hub.Subscribe(1)
	hub.Subscribe(1)

	assert.Equal(t, 3, hub.SubscriberCount())
}

func TestHub_Publish(t *testing.T) {
	hub := notify.NewHub(nil)
	a := hub.Subscribe(4)
	b := hub.Subscribe(4)

	n := hub.Publish(notify.Notification{Kind: notify.KindConnectionState, Payload: "connected"})
	assert.Equal(t, 2, n)

	for _, sub := range []*notify.Subscriber{a, b} {
		got := <-sub.C
		assert.Equal(t, notify.KindConnectionState, got.Kind)
		assert.Equal(t, "connected", got.Payload)
		assert.False(t, got.At.IsZero())
	}
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	hub := notify.NewHub(nil)
	slow := hub.Subscribe(1)
	fast := hub.Subscribe(8)

	for i := 0; i < 3; i++ {
		hub.Publish(notify.Notification{Kind: notify.KindDeliveryState, Payload: i})
	}

	assert.Len(t, slow.C, 1)
	assert.Len(t, fast.C, 3)
	assert.Equal(t, uint64(2), hub.Dropped())
	assert.Equal(t, 0, (<-slow.C).Payload)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := notify.NewHub(nil)
	sub := hub.Subscribe(1)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	assert.Equal(t, 0, hub.SubscriberCount())
	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed")
	assert.Equal(t, 0, hub.Publish(notify.Notification{Kind: notify.KindQualityLevel}))
}

func TestHub_Close(t *testing.T) {
	hub := notify.NewHub(nil)
	subs := []*notify.Subscriber{hub.Subscribe(0), hub.Subscribe(0)}

	hub.Close()

	require.Equal(t, 0, hub.SubscriberCount())
	for _, sub := range subs {
		_, ok := <-sub.C
		assert.False(t, ok)
	}
}
