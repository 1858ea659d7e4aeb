// Package pipeline implements the event-processing pipeline: an ordered
// sequence of pipes a raw event passes through before it becomes
// host-visible output, plus the seen-id deduplication that guards that
// sequence. A pipe either passes the event on, drops it, or -- last pipe
// only -- emits terminal bytes for the host.
package pipeline

import (
	"fmt"

	"github.com/nostrflow/engine/internal/schema"
)

// dedupMaxSize bounds each pipeline's seen-id set.
const dedupMaxSize = 10_000

// Event is the value flowing through a pipeline: either a raw event
// awaiting parsing or a ParsedEvent produced by an earlier pipe, plus the
// envelope metadata carried alongside it for the whole run.
type Event struct {
	Raw         *schema.Event
	Parsed      *schema.ParsedEvent
	ID          schema.ID32
	SourceRelay string
}

// OutputKind discriminates PipeOutput's tagged union.
type OutputKind int

const (
	OutputEvent OutputKind = iota
	OutputDrop
	OutputDirect
)

// PipeOutput is what a Pipe returns for one input Event.
type PipeOutput struct {
	Kind   OutputKind
	Event  Event
	Direct []byte
}

func ContinueWith(e Event) PipeOutput     { return PipeOutput{Kind: OutputEvent, Event: e} }
func Drop() PipeOutput                    { return PipeOutput{Kind: OutputDrop} }
func DirectOutput(data []byte) PipeOutput { return PipeOutput{Kind: OutputDirect, Direct: data} }

// Pipe is one stage of a pipeline.
type Pipe interface {
	Name() string
	Process(e Event) (PipeOutput, error)
	// ProcessCachedBatch answers a batch of already-parsed cached events;
	// pipes that don't participate in the cached-replay path inherit a
	// no-op passthrough.
	ProcessCachedBatch(messages [][]byte) ([][]byte, error)
	// CanDirectOutput reports whether this pipe may terminate the
	// pipeline with DirectOutput; only the last pipe in a Pipeline may
	// answer true.
	CanDirectOutput() bool
	// RunForCachedEvents reports whether this pipe participates in the
	// cached-batch replay path.
	RunForCachedEvents() bool
}

// basePipe supplies the common defaults most Pipe implementations share.
type basePipe struct{}

func (basePipe) ProcessCachedBatch(messages [][]byte) ([][]byte, error) { return messages, nil }
func (basePipe) CanDirectOutput() bool                                  { return false }
func (basePipe) RunForCachedEvents() bool                               { return true }

// Pipeline runs an ordered list of pipes over incoming events, with
// seen-id deduplication gating the whole run.
type Pipeline struct {
	pipes          []Pipe
	subscriptionID string
	seen           map[schema.ID32]struct{}
	seenOrder      []schema.ID32
}

// New validates pipes (only the last may DirectOutput) and builds a
// Pipeline for subscriptionID.
func New(pipes []Pipe, subscriptionID string) (*Pipeline, error) {
	for i, p := range pipes {
		isLast := i == len(pipes)-1
		if p.CanDirectOutput() && !isLast {
			return nil, fmt.Errorf("pipeline: pipe %q can produce direct output but is not last", p.Name())
		}
	}
	return &Pipeline{
		pipes:          pipes,
		subscriptionID: subscriptionID,
		seen:           make(map[schema.ID32]struct{}, dedupMaxSize),
	}, nil
}

// Default builds the default pipeline: MuteFilter -> Parse -> SaveToDb
// -> SerializeEvents.
func Default(subscriptionID string, parse, saveToDB, serialize Pipe, mute Pipe) (*Pipeline, error) {
	return New([]Pipe{mute, parse, saveToDB, serialize}, subscriptionID)
}

// proofVerificationPipeline builds the Cashu-proof pipeline:
// KindFilter([9321,7375]) -> Parse -> ProofVerification.
func proofVerificationPipeline(subscriptionID string, kindFilter, parse, verify Pipe) (*Pipeline, error) {
	return New([]Pipe{kindFilter, parse, verify}, subscriptionID)
}

// SubscriptionID returns the subscription this pipeline serves.
func (p *Pipeline) SubscriptionID() string { return p.subscriptionID }

func (p *Pipeline) alreadySeen(id schema.ID32) bool {
	_, ok := p.seen[id]
	return ok
}

func (p *Pipeline) markSeen(id schema.ID32) {
	if _, ok := p.seen[id]; ok {
		return
	}
	if len(p.seen) >= dedupMaxSize {
		// Evict the oldest entry so long subscriptions keep
		// deduplicating recent traffic under the fixed cap.
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
}

// MarkSeen records id as already delivered without running it through
// any pipe, so a later live event for the same id is deduplicated. Used
// by the parser worker to pre-mark cache hits replayed from the store.
func (p *Pipeline) MarkSeen(id schema.ID32) { p.markSeen(id) }

// Process runs one raw event through the pipeline, returning direct
// output bytes if the terminal pipe produced any, or nil if the event
// was dropped (by a pipe, or as a duplicate).
func (p *Pipeline) Process(raw schema.Event) ([]byte, error) {
	if p.alreadySeen(raw.ID) {
		return nil, nil
	}
	p.markSeen(raw.ID)

	event := Event{Raw: &raw, ID: raw.ID}
	return p.run(event)
}

func (p *Pipeline) run(event Event) ([]byte, error) {
	for i, pipe := range p.pipes {
		isLast := i == len(p.pipes)-1
		out, err := pipe.Process(event)
		if err != nil {
			return nil, fmt.Errorf("pipeline: pipe %q: %w", pipe.Name(), err)
		}
		switch out.Kind {
		case OutputEvent:
			event = out.Event
		case OutputDrop:
			return nil, nil
		case OutputDirect:
			if !isLast {
				return nil, fmt.Errorf("pipeline: non-terminal pipe %q produced direct output", pipe.Name())
			}
			return out.Direct, nil
		}
	}
	return nil, nil
}

// ProcessCachedBatch replays a batch of already-known serialized
// WorkerMessages (cache hits the cache worker already parsed and
// serialized) through every pipe that declares RunForCachedEvents --
// typically MuteFilter and other pre-Parse filters, since cached events
// are already parsed and persisted. Messages a filtering pipe drops do
// not appear in the result; messages carrying no ParsedEvent (e.g. an
// EOCE marker) pass through every pipe unchanged.
func (p *Pipeline) ProcessCachedBatch(messages [][]byte) ([][]byte, error) {
	for _, pipe := range p.pipes {
		if !pipe.RunForCachedEvents() {
			continue
		}
		out, err := pipe.ProcessCachedBatch(messages)
		if err != nil {
			return nil, fmt.Errorf("pipeline: cached batch in pipe %q: %w", pipe.Name(), err)
		}
		messages = out
	}
	return messages, nil
}
