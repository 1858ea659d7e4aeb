// Package cache implements the cache planner worker: it owns the local
// event store and, on each CacheRequest, either persists a publish and
// forwards it to relays or answers a lookup from the store and forwards a
// REQ to whichever relays are likely to hold the rest.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nostrflow/engine/internal/schema"
)

// Store is the subset of internal/store.Store the planner needs.
// Declared here rather than importing the concrete type, following
// internal/pipeline's dependency-leaf convention.
type Store interface {
	Query(req schema.Request) []schema.Event
	AddEvent(event schema.Event) (uint64, error)
	RelayList(pubkey schema.ID32) (schema.Event, bool)
}

// Dispatcher is the subset of internal/eventkind.Dispatcher the planner
// needs to reconstruct a ParsedEvent for a cache hit.
type Dispatcher interface {
	Parse(event schema.Event) (*schema.ParsedData, []schema.Request, error)
}

// Result is what one CacheRequest produces: host-bound WorkerMessage
// frames and connections-bound envelopes, both already JSON-encoded.
type Result struct {
	Upstream  [][]byte
	Envelopes []schema.Envelope
}

// Planner is the cache worker's core logic.
type Planner struct {
	store      Store
	dispatcher Dispatcher
	log        *slog.Logger

	defaultRelays []string
	maxRelays     int

	mu     sync.Mutex
	seenOn map[schema.ID32]map[string]struct{} // pubkey -> relays any of its events arrived from
}

// NewPlanner builds a Planner. defaultRelays and maxRelays come from
// config.RelayConfig; maxRelays defaults to 8.
func NewPlanner(store Store, dispatcher Dispatcher, defaultRelays []string, maxRelays int, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	if maxRelays <= 0 {
		maxRelays = 8
	}
	return &Planner{
		store:         store,
		dispatcher:    dispatcher,
		log:           log,
		defaultRelays: defaultRelays,
		maxRelays:     maxRelays,
		seenOn:        make(map[schema.ID32]map[string]struct{}),
	}
}

// RecordSeen notes that an event by pubkey arrived from relay, feeding
// the relay-candidate-selection fallback (the relays where any event by
// that pubkey was seen). Called by the parser worker as it routes inbound
// EVENT messages.
func (p *Planner) RecordSeen(pubkey schema.ID32, relay string) {
	if relay == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.seenOn[pubkey]
	if !ok {
		set = make(map[string]struct{})
		p.seenOn[pubkey] = set
	}
	set[relay] = struct{}{}
}

func (p *Planner) seenRelaysFor(pubkey schema.ID32) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.seenOn[pubkey]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// Persist appends event to the local store. The store is owned by this
// worker and mutated only through it; the parser's SaveToDb pipe writes
// through here rather than holding the store itself.
func (p *Planner) Persist(event schema.Event) error {
	if _, err := p.store.AddEvent(event); err != nil {
		return fmt.Errorf("cache: persist event: %w", err)
	}
	return nil
}

// Handle classifies req as a publish or a lookup and produces the
// host-bound frames and relay envelopes it implies.
func (p *Planner) Handle(req schema.CacheRequest) (Result, error) {
	if req.Event != nil {
		return p.handlePublish(req)
	}
	return p.handleLookup(req)
}

func (p *Planner) handlePublish(req schema.CacheRequest) (Result, error) {
	event := *req.Event
	if _, err := p.store.AddEvent(event); err != nil {
		return Result{}, fmt.Errorf("cache: persist publish: %w", err)
	}

	relays := dedupCap(unionRelays(req.Relays, p.authorRelayList(event.Pubkey)), p.maxRelays)
	if len(relays) == 0 {
		relays = dedupCap(p.defaultRelays, p.maxRelays)
	}

	frame, err := buildEventFrame(event)
	if err != nil {
		return Result{}, err
	}
	return Result{Envelopes: []schema.Envelope{{Relays: relays, Frames: []string{frame}}}}, nil
}

func (p *Planner) handleLookup(req schema.CacheRequest) (Result, error) {
	var result Result

	for _, r := range req.Requests {
		candidates := p.store.Query(r)
		for _, ev := range candidates {
			wm, err := p.cacheHitMessage(req.SubID, ev)
			if err != nil {
				p.log.Warn("cache: reconstructing parsed event for cache hit", "id", ev.ID, "error", err)
				continue
			}
			result.Upstream = append(result.Upstream, wm)
		}

		if !satisfiedByCache(r, len(candidates)) {
			relays := p.resolveRequestRelays(r)
			frame, err := buildReqFrame(req.SubID, r)
			if err != nil {
				return Result{}, err
			}
			result.Envelopes = append(result.Envelopes, schema.Envelope{Relays: relays, Frames: []string{frame}})
		}
	}

	eoce, err := json.Marshal(schema.WorkerMessage{Type: schema.WMEoce, SubID: req.SubID})
	if err != nil {
		return Result{}, fmt.Errorf("cache: marshal EOCE: %w", err)
	}
	result.Upstream = append(result.Upstream, eoce)

	return result, nil
}

// cacheHitMessage reparses a stored event through the dispatcher so a
// cache hit carries the same Parsed payload a live event would. SeenOn is
// left empty: a cached replay has no relay source.
func (p *Planner) cacheHitMessage(subID string, ev schema.Event) ([]byte, error) {
	parsed, followUps, err := p.dispatcher.Parse(ev)
	if err != nil {
		return nil, fmt.Errorf("cache: parse cached event %s: %w", ev.ID, err)
	}
	wm := schema.WorkerMessage{
		Type:  schema.WMParsedEvent,
		SubID: subID,
		Parsed: &schema.ParsedEvent{
			Event:     ev,
			Parsed:    parsed,
			FollowUps: followUps,
		},
	}
	encoded, err := json.Marshal(wm)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal cache hit: %w", err)
	}
	return encoded, nil
}

// satisfiedByCache decides whether a request needs no relay round trip.
// A request that didn't ask for cache_first always also
// goes to relays, since a live subscription must observe new events a
// point-in-time cache scan cannot; a cache_first request is satisfied
// once the cache produced at least one hit (or reached its limit, if
// one was given).
func satisfiedByCache(r schema.Request, hits int) bool {
	if !r.CacheFirst {
		return false
	}
	if r.Limit > 0 {
		return hits >= r.Limit
	}
	return hits > 0
}

func (p *Planner) authorRelayList(pubkey schema.ID32) []string {
	ev, ok := p.store.RelayList(pubkey)
	if !ok {
		return nil
	}
	return readRelaysFromEvent(ev)
}

// readRelaysFromEvent extracts the "read" relays from a kind-10002
// event's "r" tags: a tag with no marker or an explicit "read" marker
// counts, a "write"-only tag does not.
func readRelaysFromEvent(ev schema.Event) []string {
	var out []string
	for _, vals := range ev.Tags.FindAll("r") {
		if len(vals) == 0 {
			continue
		}
		if len(vals) >= 2 && vals[1] == "write" {
			continue
		}
		out = append(out, vals[0])
	}
	return out
}

func unionRelays(sets ...[]string) []string {
	var out []string
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

func dedupCap(relays []string, max int) []string {
	seen := make(map[string]struct{}, len(relays))
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
