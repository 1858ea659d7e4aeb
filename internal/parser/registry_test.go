package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/schema"
)

func TestSubscriptionMarkResponded_EmitsExactlyOnceAfterAllRelaysRespond(t *testing.T) {
	sub := newSubscription("sub1", nil, schema.SubscriptionConfig{}, nil)
	sub.markSent("wss://r1")
	sub.markSent("wss://r2")

	assert.False(t, sub.markResponded("wss://r1"))
	assert.True(t, sub.markResponded("wss://r2"))
	// A further response (e.g. a relay's own CLOSED arriving after its
	// EOSE) must not re-trigger.
	assert.False(t, sub.markResponded("wss://r2"))
}

func TestSubscriptionMarkResponded_NeverFiresWithNoPendingRelays(t *testing.T) {
	sub := newSubscription("sub1", nil, schema.SubscriptionConfig{}, nil)
	// No markSent calls: a relay answering out of nowhere (shouldn't
	// happen, but) must not synthesize an EOSE with zero subscribers.
	assert.False(t, sub.markResponded("wss://r1"))
}

func TestRegistry_PutIsIdempotentByID(t *testing.T) {
	r := newRegistry()
	sub := newSubscription("sub1", nil, schema.SubscriptionConfig{}, nil)
	other := newSubscription("sub1", nil, schema.SubscriptionConfig{}, nil)

	require.True(t, r.put(sub))
	require.False(t, r.put(other))
	assert.Equal(t, 1, r.count())

	got, ok := r.get("sub1")
	require.True(t, ok)
	assert.Same(t, sub, got)

	removed, ok := r.remove("sub1")
	require.True(t, ok)
	assert.Same(t, sub, removed)
	assert.Equal(t, 0, r.count())
}
