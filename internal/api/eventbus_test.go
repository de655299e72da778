package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentrymesh/internal/model"
)

func testEvent(gid uint64) model.Event {
	return model.Event{Kind: model.EventPersonAppeared, GlobalID: gid, CameraID: "cam-1", At: time.Now()}
}

func TestEventBusDeliversToHandler(t *testing.T) {
	b := NewEventBus()
	var received []model.Event
	unsub := b.Subscribe(HandlerFunc(func(evt model.Event) {
		received = append(received, evt)
	}))
	defer unsub()

	b.Publish(testEvent(1))
	b.Publish(testEvent(2))

	require.Len(t, received, 2)
	require.EqualValues(t, 1, received[0].GlobalID)
	require.EqualValues(t, 2, received[1].GlobalID)
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewEventBus()
	count := 0
	unsub := b.Subscribe(HandlerFunc(func(evt model.Event) { count++ }))

	b.Publish(testEvent(1))
	unsub()
	b.Publish(testEvent(2))

	require.Equal(t, 1, count)
}

func TestEventBusSubscribeChannelDeliversAndCloses(t *testing.T) {
	b := NewEventBus()
	ch, unsub := b.SubscribeChannel(4)

	b.Publish(testEvent(1))

	select {
	case evt := <-ch:
		require.EqualValues(t, 1, evt.GlobalID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	unsub()
	_, ok := <-ch
	require.False(t, ok, "channel must be closed after unsubscribe")
}

func TestEventBusChannelDropsWhenFull(t *testing.T) {
	b := NewEventBus()
	ch, unsub := b.SubscribeChannel(1)
	defer unsub()

	b.Publish(testEvent(1))
	b.Publish(testEvent(2)) // channel already holds event 1: it is dropped to make room

	evt := <-ch
	require.EqualValues(t, 2, evt.GlobalID)

	select {
	case <-ch:
		t.Fatal("expected no second event; the oldest should have been dropped")
	default:
	}
}

func TestEventBusSubscriberCount(t *testing.T) {
	b := NewEventBus()
	require.Equal(t, 0, b.SubscriberCount())

	unsub1 := b.Subscribe(HandlerFunc(func(model.Event) {}))
	_, unsub2 := b.SubscribeChannel(1)
	require.Equal(t, 2, b.SubscriberCount())

	unsub1()
	unsub2()
	require.Equal(t, 0, b.SubscriberCount())
}
