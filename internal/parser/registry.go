package parser

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrflow/engine/internal/pipeline"
	"github.com/nostrflow/engine/internal/schema"
)

// subscription is the parser's record for one open subscription: its
// pipeline, its configuration, and the relay sets EOSE aggregation
// needs.
type subscription struct {
	subID    string
	pipeline *pipeline.Pipeline
	config   schema.SubscriptionConfig
	batch    *batchBuffer

	mu            sync.Mutex
	pendingRelays map[string]struct{} // relays a REQ was sent to (or attempted)
	eoseReceived  map[string]struct{} // relays that answered EOSE/CLOSED/Failed
	eoseEmitted   bool
}

func newSubscription(subID string, p *pipeline.Pipeline, cfg schema.SubscriptionConfig, batch *batchBuffer) *subscription {
	return &subscription{
		subID:         subID,
		pipeline:      p,
		config:        cfg,
		batch:         batch,
		pendingRelays: make(map[string]struct{}),
		eoseReceived:  make(map[string]struct{}),
	}
}

// markSent records that a REQ was dispatched to relay, growing the set
// EOSE aggregation waits on.
func (s *subscription) markSent(relay string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRelays[relay] = struct{}{}
}

// markResponded records that relay answered EOSE, CLOSED, or failed, and
// reports whether every relay the subscription was sent to has now
// responded and an EOSE has not already been emitted -- the single
// trigger point for the synthetic aggregate EOSE.
func (s *subscription) markResponded(relay string) (shouldEmitEose bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eoseReceived[relay] = struct{}{}
	if s.eoseEmitted || len(s.pendingRelays) == 0 {
		return false
	}
	for r := range s.pendingRelays {
		if _, ok := s.eoseReceived[r]; !ok {
			return false
		}
	}
	s.eoseEmitted = true
	return true
}

// pendingRelaySnapshot returns the relays a REQ has been sent to so far.
func (s *subscription) pendingRelaySnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pendingRelays))
	for r := range s.pendingRelays {
		out = append(out, r)
	}
	return out
}

// registry is the subscription-id -> subscription map, backed by
// xsync.MapOf like the other concurrent registries in this module
// (internal/connections.Manager, internal/store.Store).
type registry struct {
	subs *xsync.MapOf[string, *subscription]
}

func newRegistry() *registry {
	return &registry{subs: xsync.NewMapOf[string, *subscription]()}
}

func (r *registry) put(s *subscription) bool {
	_, loaded := r.subs.LoadOrStore(s.subID, s)
	return !loaded
}

func (r *registry) get(subID string) (*subscription, bool) {
	return r.subs.Load(subID)
}

func (r *registry) remove(subID string) (*subscription, bool) {
	return r.subs.LoadAndDelete(subID)
}

func (r *registry) count() int {
	return r.subs.Size()
}
