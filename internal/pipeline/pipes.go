package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nostrflow/engine/internal/schema"
)

// EventStore is the persistence surface the SaveToDb pipe needs. The
// pipeline never holds the store itself: the cache worker owns it, and
// only cache mutates it, so the engine hands the pipeline a cache-routed
// persist call (cache.Planner.Persist) rather than the store.
type EventStore interface {
	Persist(event schema.Event) error
}

// KindDispatcher is the subset of internal/eventkind.Dispatcher the Parse
// pipe needs.
type KindDispatcher interface {
	Parse(event schema.Event) (*schema.ParsedData, []schema.Request, error)
}

// ProofVerifier is the subset of internal/crypto the ProofVerification
// pipe needs: check the DLEQ witness of every Cashu proof in an event
// against its mint.
type ProofVerifier interface {
	VerifyProof(event schema.Event) (mintToY map[string]string, err error)
}

// MuteFilter drops events matching mute criteria on author, hashtag,
// word, or thread.
type MuteFilter struct {
	basePipe
	Criteria schema.MuteCriteria
}

func (MuteFilter) Name() string { return string(schema.PipeMuteFilter) }

func (f MuteFilter) Process(e Event) (PipeOutput, error) {
	if e.Raw == nil {
		return ContinueWith(e), nil
	}
	if f.muted(e.Raw) {
		return Drop(), nil
	}
	return ContinueWith(e), nil
}

// ProcessCachedBatch applies the same mute criteria to a batch of
// already-serialized cache-hit WorkerMessages, dropping any whose
// ParsedEvent matches; since cache hits are already parsed, this filters
// the encoded form directly. Messages with no ParsedEvent payload (e.g.
// an EOCE marker) pass through untouched.
func (f MuteFilter) ProcessCachedBatch(messages [][]byte) ([][]byte, error) {
	out := make([][]byte, 0, len(messages))
	for _, raw := range messages {
		var wm schema.WorkerMessage
		if err := json.Unmarshal(raw, &wm); err != nil || wm.Parsed == nil {
			out = append(out, raw)
			continue
		}
		if f.muted(&wm.Parsed.Event) {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

func (f MuteFilter) muted(raw *schema.Event) bool {
	for _, a := range f.Criteria.Authors {
		if a == raw.Pubkey {
			return true
		}
	}
	if len(f.Criteria.Hashtags) > 0 {
		for _, ht := range raw.Tags.Values("t") {
			if containsFold(f.Criteria.Hashtags, ht) {
				return true
			}
		}
	}
	if len(f.Criteria.Words) > 0 {
		lower := strings.ToLower(raw.Content)
		for _, w := range f.Criteria.Words {
			if w != "" && strings.Contains(lower, strings.ToLower(w)) {
				return true
			}
		}
	}
	if len(f.Criteria.Threads) > 0 {
		for _, v := range raw.Tags.Values("e") {
			for _, t := range f.Criteria.Threads {
				if v == t.String() {
					return true
				}
			}
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

// KindFilter drops events whose kind is not in AllowKinds.
type KindFilter struct {
	basePipe
	AllowKinds []uint16
}

func (KindFilter) Name() string { return string(schema.PipeKindFilter) }

func (f KindFilter) Process(e Event) (PipeOutput, error) {
	if e.Raw == nil {
		return ContinueWith(e), nil
	}
	for _, k := range f.AllowKinds {
		if k == e.Raw.Kind {
			return ContinueWith(e), nil
		}
	}
	return Drop(), nil
}

// NpubLimiter drops events once a per-author count exceeds Limit.
// Counts are scoped to the lifetime of the Pipeline, not persisted.
type NpubLimiter struct {
	basePipe
	Limit int
	seen  map[schema.ID32]int
}

func NewNpubLimiter(limit int) *NpubLimiter {
	return &NpubLimiter{Limit: limit, seen: make(map[schema.ID32]int)}
}

func (NpubLimiter) Name() string { return string(schema.PipeNpubLimiter) }

func (f *NpubLimiter) Process(e Event) (PipeOutput, error) {
	if e.Raw == nil || f.Limit <= 0 {
		return ContinueWith(e), nil
	}
	f.seen[e.Raw.Pubkey]++
	if f.seen[e.Raw.Pubkey] > f.Limit {
		return Drop(), nil
	}
	return ContinueWith(e), nil
}

// Parse dispatches the raw event to the kind-specific parser, attaching
// ParsedData and any follow-up requests it discovered. Parse failures
// never drop the event.
type Parse struct {
	basePipe
	Dispatcher KindDispatcher
	Log        *slog.Logger
}

func (Parse) Name() string { return string(schema.PipeParse) }

func (p Parse) Process(e Event) (PipeOutput, error) {
	if e.Raw == nil {
		return ContinueWith(e), nil
	}
	parsed, followUps, err := p.Dispatcher.Parse(*e.Raw)
	if err != nil {
		log := p.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("pipeline: parse failed, passing event through unparsed", "kind", e.Raw.Kind, "id", e.Raw.ID, "error", err)
		parsed, followUps = nil, nil
	}
	e.Parsed = &schema.ParsedEvent{Event: *e.Raw, Parsed: parsed, FollowUps: followUps}
	if e.SourceRelay != "" {
		e.Parsed.SeenOn = []string{e.SourceRelay}
	}
	return ContinueWith(e), nil
}

// SaveToDb persists the event into the local store as a side effect,
// passing the event through unchanged.
type SaveToDb struct {
	basePipe
	Store EventStore
	Log   *slog.Logger
}

func (SaveToDb) Name() string { return string(schema.PipeSaveToDb) }

func (p SaveToDb) Process(e Event) (PipeOutput, error) {
	if e.Raw == nil {
		return ContinueWith(e), nil
	}
	if err := p.Store.Persist(*e.Raw); err != nil {
		log := p.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("pipeline: save_to_db failed, skipping event", "id", e.Raw.ID, "error", err)
	}
	return ContinueWith(e), nil
}

// SerializeEvents is the terminal pipe that encodes a ParsedEvent as a
// WorkerMessage for delivery to the host.
type SerializeEvents struct {
	basePipe
	SubID string
}

func (SerializeEvents) Name() string          { return string(schema.PipeSerializeEvents) }
func (SerializeEvents) CanDirectOutput() bool { return true }

func (p SerializeEvents) Process(e Event) (PipeOutput, error) {
	parsed := e.Parsed
	if parsed == nil && e.Raw != nil {
		parsed = &schema.ParsedEvent{Event: *e.Raw}
	}
	if parsed == nil {
		return Drop(), nil
	}
	msg := schema.WorkerMessage{Type: schema.WMParsedEvent, SubID: p.SubID, Parsed: parsed}
	data, err := msg.Encode()
	if err != nil {
		return PipeOutput{}, fmt.Errorf("serialize_events: encode worker message: %w", err)
	}
	return DirectOutput(data), nil
}

func (p SerializeEvents) ProcessCachedBatch(messages [][]byte) ([][]byte, error) {
	return messages, nil
}

// ProofVerification checks a Cashu proof event's DLEQ witnesses and emits
// a ValidProofs WorkerMessage carrying the Y point of each verified proof
// (one per mint; mint URLs are not included). Events with no verified
// proof are dropped.
type ProofVerification struct {
	basePipe
	Verifier ProofVerifier
	SubID    string
	Log      *slog.Logger
}

func (ProofVerification) Name() string          { return string(schema.PipeProofVerification) }
func (ProofVerification) CanDirectOutput() bool { return true }

func (p ProofVerification) Process(e Event) (PipeOutput, error) {
	if e.Raw == nil {
		return Drop(), nil
	}
	mintToY, err := p.Verifier.VerifyProof(*e.Raw)
	if err != nil {
		log := p.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("pipeline: proof verification error", "id", e.Raw.ID, "error", err)
		return Drop(), nil
	}
	if len(mintToY) == 0 {
		return Drop(), nil
	}
	ys := make([]string, 0, len(mintToY))
	for _, y := range mintToY {
		ys = append(ys, y)
	}
	msg := schema.WorkerMessage{Type: schema.WMValidProofs, SubID: p.SubID, ProofYs: ys}
	data, err := msg.Encode()
	if err != nil {
		return PipeOutput{}, fmt.Errorf("proof_verification: encode worker message: %w", err)
	}
	return DirectOutput(data), nil
}

// Counter counts events it sees and logs a running total every EveryN
// events.
type Counter struct {
	basePipe
	EveryN int
	Log    *slog.Logger
	count  int
}

func NewCounter(everyN int) *Counter { return &Counter{EveryN: everyN} }

func (Counter) Name() string { return string(schema.PipeCounter) }

func (c *Counter) Process(e Event) (PipeOutput, error) {
	c.count++
	if c.EveryN > 0 && c.count%c.EveryN == 0 {
		log := c.Log
		if log == nil {
			log = slog.Default()
		}
		log.Info("pipeline: counter", "count", c.count)
	}
	return ContinueWith(e), nil
}

// Deduplication is an explicit, pipe-local dedup stage distinct from the
// Pipeline's own global seen_ids gate, with its own bounded set. It acts
// only in Process; cached-batch replays pass through it unchanged.
type Deduplication struct {
	basePipe
	cap   int
	seen  map[schema.ID32]struct{}
	order []schema.ID32
}

func NewDeduplication(capacity int) *Deduplication {
	return &Deduplication{cap: capacity, seen: make(map[schema.ID32]struct{})}
}

func (Deduplication) Name() string { return string(schema.PipeDeduplication) }

func (d *Deduplication) Process(e Event) (PipeOutput, error) {
	id := e.ID
	if e.Raw != nil {
		id = e.Raw.ID
	}
	if _, ok := d.seen[id]; ok {
		return Drop(), nil
	}
	if d.cap > 0 && len(d.seen) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return ContinueWith(e), nil
}
