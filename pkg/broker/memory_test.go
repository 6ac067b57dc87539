package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	sub, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "jobs", []byte("hello")))

	msg := recvOne(t, sub)
	assert.Equal(t, "jobs", msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestMemoryChannelIsolation(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	jobs, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)
	other, err := m.Subscribe(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "jobs", []byte("a")))

	assert.Equal(t, []byte("a"), recvOne(t, jobs).Payload)
	select {
	case msg := <-other.C():
		t.Fatalf("unexpected message on other channel: %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryOrderingPerChannel(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	sub, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Publish(ctx, "jobs", []byte(fmt.Sprintf("%d", i))))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), string(recvOne(t, sub).Payload))
	}
}

func TestMemoryFanOut(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	a, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "jobs", []byte("x")))

	assert.Equal(t, []byte("x"), recvOne(t, a).Payload)
	assert.Equal(t, []byte("x"), recvOne(t, b).Payload)
}

func TestMemoryCancelClosesStream(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	sub, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel() // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, m.SubscriberCount("jobs"))
}

func TestMemoryNoReplayAfterResubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, "jobs", []byte("missed")))

	sub, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		t.Fatalf("replayed message: %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySlowSubscriberDropped(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	sub, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	// Fill the buffer and one more; the overflow cancels the subscription.
	for i := 0; i <= subscriberBuffer; i++ {
		require.NoError(t, m.Publish(ctx, "jobs", []byte("x")))
	}

	// Drain everything; the stream must end rather than lose data silently.
	n := 0
	for range sub.C() {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	assert.Equal(t, 0, m.SubscriberCount("jobs"))
}

func TestMemoryKV(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	_, found, err := m.Get(ctx, "job_state:j1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Set(ctx, "job_state:j1", []byte("v1")))

	value, found, err := m.Get(ctx, "job_state:j1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, m.Set(ctx, "job_state:j1", []byte("v2")))
	value, _, err = m.Get(ctx, "job_state:j1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

func TestMemorySetNX(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	stored, err := m.SetNX(ctx, "job_state:j1", []byte("first"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = m.SetNX(ctx, "job_state:j1", []byte("second"))
	require.NoError(t, err)
	assert.False(t, stored)

	value, _, err := m.Get(ctx, "job_state:j1")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), value)
}

func TestMemoryClosedOperationsFail(t *testing.T) {
	m := NewMemory()

	ctx := context.Background()
	sub, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok)

	err = m.Publish(ctx, "jobs", []byte("x"))
	assert.True(t, IsTransportError(err))

	_, err = m.Subscribe(ctx, "jobs")
	assert.True(t, IsTransportError(err))

	err = m.Set(ctx, "k", []byte("v"))
	assert.True(t, IsTransportError(err))
}

func TestMemoryCancelledContext(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, IsTransportError(m.Publish(ctx, "jobs", nil)))
	_, err := m.Subscribe(ctx, "jobs")
	assert.True(t, IsTransportError(err))
}
