package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFansOutToSubscribers(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe()
	c := b.Subscribe()

	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	select {
	case chunk := <-a:
		assert.Equal(t, "hello", string(chunk))
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the chunk")
	}
	select {
	case chunk := <-c:
		assert.Equal(t, "hello", string(chunk))
	case <-time.After(time.Second):
		t.Fatal("subscriber c never received the chunk")
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestBroadcasterCloseClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe()
	c := b.Subscribe()
	b.Close()

	_, open := <-a
	assert.False(t, open)
	_, open = <-c
	assert.False(t, open)

	// Subscribing after Close returns an already-closed channel.
	late := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()

	// The subscriber channel has a small fixed buffer; writing well past
	// its capacity without draining must not block the writer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Write([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a slow subscriber instead of dropping")
	}
	_ = ch
}

func TestRegistryOpenGetClose(t *testing.T) {
	r := NewRegistry()
	b := r.Open("exec-1")
	require.NotNil(t, b)

	got, ok := r.Get("exec-1")
	assert.True(t, ok)
	assert.Same(t, b, got)

	r.Close("exec-1")
	_, ok = r.Get("exec-1")
	assert.False(t, ok)
}

func TestRegistryGetMissingReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}
