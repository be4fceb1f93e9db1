package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeErrors(t *testing.T) {
	b := New[int]()

	require.NoError(t, b.Subscribe("a", make(chan int, 1)))
	assert.ErrorIs(t, b.Subscribe("a", make(chan int, 1)), ErrSubscriberExists)
	assert.ErrorIs(t, b.Subscribe("b", nil), ErrNilChannel)

	_, err := b.SubscribeLatest("a")
	assert.ErrorIs(t, err, ErrSubscriberExists)

	assert.ErrorIs(t, b.Unsubscribe("missing"), ErrSubscriberNotFound)
	_, err = b.Stats("missing")
	assert.ErrorIs(t, err, ErrSubscriberNotFound)

	b.Close()
	assert.ErrorIs(t, b.Subscribe("c", make(chan int, 1)), ErrBusClosed)
	_, err = b.SubscribeLatest("d")
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestPublishDropNew(t *testing.T) {
	b := New[int]()
	ch := make(chan int, 2)
	require.NoError(t, b.Subscribe("slow", ch))

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, 2, <-ch)

	stats, err := b.Stats("slow")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, DropNew, stats.Policy)
	assert.Equal(t, uint64(5), b.Published())
	t.Logf("✅ DropNew kept oldest 2, dropped %d", stats.Dropped)
}

func TestPublishDropOldKeepsLatest(t *testing.T) {
	b := New[string]()
	rx, err := b.SubscribeLatest("latest")
	require.NoError(t, err)

	_, ok := rx.TryReceive()
	assert.False(t, ok)

	b.Publish("a")
	b.Publish("b")
	b.Publish("c")

	ev, ok := rx.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "c", ev)

	_, ok = rx.TryReceive()
	assert.False(t, ok, "event must be consumed once")

	stats, err := b.Stats("latest")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Sent)
	assert.Equal(t, uint64(2), stats.Dropped)
}

func TestReceiveBlocksUntilPublish(t *testing.T) {
	b := New[int]()
	rx, err := b.SubscribeLatest("w")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var got int
	var ok bool
	go func() {
		defer wg.Done()
		got, ok = rx.Receive()
	}()

	time.Sleep(20 * time.Millisecond)
	b.Publish(42)
	wg.Wait()

	assert.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestCloseUnblocksReceivers(t *testing.T) {
	b := New[int]()
	rx, err := b.SubscribeLatest("w")
	require.NoError(t, err)

	done := make(chan bool)
	go func() {
		_, ok := rx.Receive()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	b.Close()
	b.Publish(1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New[int]()
	ch := make(chan int, 4)
	require.NoError(t, b.Subscribe("a", ch))
	b.Publish(1)
	require.NoError(t, b.Unsubscribe("a"))
	b.Publish(2)

	assert.Len(t, ch, 1)
}
