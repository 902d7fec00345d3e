package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWakesAllWaiters(t *testing.T) {
	h := NewHub()

	a := h.Wait("p1")
	b := h.Wait("p1")
	other := h.Wait("p2")

	h.Publish("p1")

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("first waiter not woken")
	}
	select {
	case <-b:
	case <-time.After(time.Second):
		t.Fatal("second waiter not woken")
	}
	select {
	case <-other:
		t.Fatal("waiter of another project woken")
	default:
	}
}

func TestWaitAfterPublishIsNextGeneration(t *testing.T) {
	h := NewHub()
	h.Publish("p1") // nobody waiting, no-op

	ch := h.Wait("p1")
	select {
	case <-ch:
		t.Fatal("fresh waiter must not observe a past publish")
	default:
	}

	h.Publish("p1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by current publish")
	}
}

func TestWaiterCap(t *testing.T) {
	h := NewHub()

	require.True(t, h.TryAcquire("p1", 2))
	require.True(t, h.TryAcquire("p1", 2))
	assert.False(t, h.TryAcquire("p1", 2), "third waiter must shed")
	assert.Equal(t, 2, h.Waiters("p1"))

	// Another project has its own budget.
	assert.True(t, h.TryAcquire("p2", 2))

	h.Release("p1")
	assert.True(t, h.TryAcquire("p1", 2))

	// max <= 0 means unlimited.
	for i := 0; i < 100; i++ {
		require.True(t, h.TryAcquire("p3", 0))
	}
}
