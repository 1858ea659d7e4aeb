package ring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPort_DeliversRecordsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := NewBuffer(1024)
	port := NewPort(ctx, buf)

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		require.True(t, buf.Write(p))
	}

	for _, want := range payloads {
		select {
		case got := <-port.Messages():
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestPort_ClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	buf := NewBuffer(256)
	port := NewPort(ctx, buf)

	cancel()

	select {
	case _, ok := <-port.Messages():
		assert.False(t, ok, "messages channel should close after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestPort_WakesAfterIdleBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := NewBuffer(256)
	port := NewPort(ctx, buf)

	// Let the poll interval back off past its first steps (16ms, 32ms).
	time.Sleep(50 * time.Millisecond)
	require.True(t, buf.Write([]byte("late arrival")))

	select {
	case got := <-port.Messages():
		assert.Equal(t, []byte("late arrival"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("port never delivered a record written after idle backoff")
	}
}
