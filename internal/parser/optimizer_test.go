package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/schema"
)

func id(b byte) schema.ID32 {
	var out schema.ID32
	out[0] = b
	return out
}

func TestOptimizeRequests_MergesCompatibleRequestsOnSameRelay(t *testing.T) {
	requests := []schema.Request{
		{Authors: []schema.ID32{id(1)}, Kinds: []uint16{1}, Relays: []string{"wss://r1"}},
		{Authors: []schema.ID32{id(2)}, Kinds: []uint16{1}, Relays: []string{"wss://r1"}},
	}

	out := OptimizeRequests(requests)

	require.Len(t, out, 1)
	assert.ElementsMatch(t, []schema.ID32{id(1), id(2)}, out[0].Authors)
	assert.Equal(t, []string{"wss://r1"}, out[0].Relays)
}

func TestOptimizeRequests_KeepsIncompatibleRequestsSeparate(t *testing.T) {
	requests := []schema.Request{
		{Authors: []schema.ID32{id(1)}, Since: 100, Relays: []string{"wss://r1"}},
		{Authors: []schema.ID32{id(2)}, Since: 200, Relays: []string{"wss://r1"}},
	}

	out := OptimizeRequests(requests)

	require.Len(t, out, 2)
}

func TestOptimizeRequests_DoesNotMergePastAuthorCap(t *testing.T) {
	var a, b schema.Request
	for i := 0; i < maxAuthorsPerRequest; i++ {
		a.Authors = append(a.Authors, id(byte(i%255)))
	}
	b.Authors = []schema.ID32{id(250), id(251)}
	a.Relays = []string{"wss://r1"}
	b.Relays = []string{"wss://r1"}

	out := OptimizeRequests([]schema.Request{a, b})

	require.Len(t, out, 2)
	assert.LessOrEqual(t, len(out[0].Authors), maxAuthorsPerRequest)
	assert.LessOrEqual(t, len(out[1].Authors), maxAuthorsPerRequest)
}

func TestOptimizeRequests_BypassesNoOptimize(t *testing.T) {
	r := schema.Request{Authors: []schema.ID32{id(1)}, Relays: []string{"wss://r1"}, NoOptimize: true}

	out := OptimizeRequests([]schema.Request{r})

	require.Len(t, out, 1)
	assert.True(t, out[0].NoOptimize)
}

func TestOptimizeRequests_DeduplicatesIdenticalRequests(t *testing.T) {
	r := schema.Request{Kinds: []uint16{1}, Relays: []string{"wss://r1", "wss://r2"}}

	out := OptimizeRequests([]schema.Request{r, r})

	// r fans out to both relays; after grouping/merging each relay group
	// produces one request, so two requests survive (one per relay), not
	// four.
	require.Len(t, out, 2)
}

func TestOptimizeRequests_KeepsZeroRelayRequestForCachePlannerFallback(t *testing.T) {
	r := schema.Request{Kinds: []uint16{1}}

	out := OptimizeRequests([]schema.Request{r})

	require.Len(t, out, 1)
	assert.Empty(t, out[0].Relays)
}
