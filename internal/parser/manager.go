package parser

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nostrflow/engine/internal/cache"
	"github.com/nostrflow/engine/internal/crypto"
	"github.com/nostrflow/engine/internal/pipeline"
	"github.com/nostrflow/engine/internal/schema"
)

// ConnectionSender is the subset of internal/connections.Manager the
// parser needs: dispatching an envelope to whichever relays it names.
// Declared locally rather than importing the concrete type, following the
// dependency-leaf convention internal/cache and internal/pipeline already
// use.
type ConnectionSender interface {
	ProcessEnvelope(ctx context.Context, env schema.Envelope)
}

// Bounded backoff for acquiring a subscription-concurrency permit.
const (
	permitBackoffMin = 2 * time.Millisecond
	permitBackoffMax = 32 * time.Millisecond
)

// Manager is the subscription/parser worker: it owns the
// subscription registry, the bounded-concurrency permit set, the host
// batch buffers, and the routing between the cache, connections, and
// crypto workers for everything a MainMessage or inbound RelayMessage
// implies.
type Manager struct {
	log        *slog.Logger
	cache      *cache.Planner
	crypto     *crypto.Service
	conns      ConnectionSender
	deps       pipeline.Deps
	reg        *registry
	permits    chan struct{}
	output     chan []byte
	batchBytes int
	batchWait  time.Duration
}

// defaultOutputCapacity sizes the bounded host-bound delivery channel;
// when it would block, the frame is dropped rather than stalling the
// worker (see emit).
const defaultOutputCapacity = 256

// NewManager builds a Manager. maxConcurrent and batchFlushBytes come
// from config.ParserConfig.MaxConcurrentSubscriptions/BatchFlushBytes
// (defaults 36 and 16 KiB); the flush timeout is fixed at batchTimeout,
// since no call site wants a different one.
func NewManager(cachePlanner *cache.Planner, cryptoSvc *crypto.Service, conns ConnectionSender, deps pipeline.Deps, maxConcurrent, batchFlushBytes int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 36
	}
	permits := make(chan struct{}, maxConcurrent)
	for i := 0; i < maxConcurrent; i++ {
		permits <- struct{}{}
	}
	return &Manager{
		log:        log,
		cache:      cachePlanner,
		crypto:     cryptoSvc,
		conns:      conns,
		deps:       deps,
		reg:        newRegistry(),
		permits:    permits,
		output:     make(chan []byte, defaultOutputCapacity),
		batchBytes: batchFlushBytes,
		batchWait:  batchTimeout,
	}
}

// Output is the stream of flushed, length-prefixed WorkerMessage frames
// bound for the host.
func (m *Manager) Output() <-chan []byte { return m.output }

// HandleMain dispatches one host -> parser MainMessage.
func (m *Manager) HandleMain(ctx context.Context, msg schema.MainMessage) error {
	switch msg.Type {
	case schema.MsgSubscribe:
		return m.subscribe(ctx, msg)
	case schema.MsgUnsubscribe:
		m.unsubscribe(ctx, msg.SubID, true)
		return nil
	case schema.MsgPublish:
		return m.publish(ctx, msg)
	case schema.MsgSignEvent:
		return m.signEvent(msg)
	case schema.MsgSetSigner:
		return m.setSigner(msg)
	case schema.MsgGetPublicKey:
		return m.getPublicKey()
	default:
		return fmt.Errorf("parser: unknown MainMessage type %q", msg.Type)
	}
}

func (m *Manager) subscribe(ctx context.Context, msg schema.MainMessage) error {
	if err := m.acquirePermit(ctx); err != nil {
		return err
	}

	cfg := schema.DefaultPipelineConfig()
	subCfg := schema.SubscriptionConfig{}
	if msg.Config != nil {
		subCfg = *msg.Config
		if subCfg.Pipeline != nil && len(subCfg.Pipeline.Pipes) > 0 {
			cfg = *subCfg.Pipeline
		}
	}

	pl, err := pipeline.Build(cfg, msg.SubID, m.deps)
	if err != nil {
		m.releasePermit()
		return fmt.Errorf("parser: subscribe %s: build pipeline: %w", msg.SubID, err)
	}

	batch := newBatchBuffer(m.batchBytes, m.batchWait, m.emit)
	sub := newSubscription(msg.SubID, pl, subCfg, batch)
	if !m.reg.put(sub) {
		// Idempotent: the sub-id is already open.
		m.releasePermit()
		return nil
	}

	result, err := m.cache.Handle(schema.CacheRequest{SubID: msg.SubID, Requests: OptimizeRequests(msg.Requests)})
	if err != nil {
		m.reg.remove(msg.SubID)
		m.releasePermit()
		return fmt.Errorf("parser: subscribe %s: cache planner: %w", msg.SubID, err)
	}

	// The planner's final upstream frame is the EOCE marker; it is held
	// back until every REQ envelope has been handed to connections, so the
	// host's cache-mode/network-mode switch happens only once the network
	// fetch is actually underway.
	upstream := result.Upstream
	eoce := upstream[len(upstream)-1]
	hits := upstream[:len(upstream)-1]
	for _, raw := range hits {
		m.markCachedSeen(sub, raw)
	}
	// Cache hits enter the pipeline at its cache stage:
	// already parsed and persisted, they skip Parse/SaveToDb but still
	// pass every cache-capable filter (MuteFilter and friends).
	filtered, err := sub.pipeline.ProcessCachedBatch(hits)
	if err != nil {
		m.log.Warn("parser: cached-batch replay failed, delivering unfiltered", "sub_id", msg.SubID, "error", err)
		filtered = hits
	}
	for _, raw := range filtered {
		sub.batch.Add(raw)
	}

	for _, env := range result.Envelopes {
		for _, relay := range env.Relays {
			sub.markSent(relay)
		}
		m.conns.ProcessEnvelope(ctx, env)
	}

	sub.batch.Add(eoce)

	if len(sub.pendingRelaySnapshot()) == 0 && subCfg.CloseOnEose {
		// Nothing to wait on: the cache already satisfied every request and
		// the caller wants a one-shot subscription, so synthesize the
		// closing EOSE immediately.
		m.emitEose(sub)
		m.unsubscribe(ctx, msg.SubID, false)
	}

	return nil
}

// markCachedSeen pre-marks a cache hit's event id as seen in the
// subscription's pipeline, so a later live EVENT for the same id is
// deduplicated against the replay.
func (m *Manager) markCachedSeen(sub *subscription, raw []byte) {
	var wm schema.WorkerMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return
	}
	if wm.Type == schema.WMParsedEvent && wm.Parsed != nil {
		sub.pipeline.MarkSeen(wm.Parsed.Event.ID)
	}
}

func (m *Manager) unsubscribe(ctx context.Context, subID string, sendClose bool) {
	sub, ok := m.reg.remove(subID)
	if !ok {
		return
	}
	sub.batch.Drop()

	if sendClose {
		relays := sub.pendingRelaySnapshot()
		if len(relays) > 0 {
			frame := fmt.Sprintf(`["CLOSE",%q]`, subID)
			m.conns.ProcessEnvelope(ctx, schema.Envelope{Relays: relays, Frames: []string{frame}})
		}
	}

	m.releasePermit()
}

func (m *Manager) publish(ctx context.Context, msg schema.MainMessage) error {
	if msg.Template == nil {
		return fmt.Errorf("parser: publish %s: missing template", msg.PublishID)
	}

	signResp := m.crypto.Handle(schema.SignerRequest{RequestID: msg.PublishID, Op: schema.SignerOpSignEvent, Template: msg.Template})
	if signResp.Err != "" {
		return fmt.Errorf("parser: publish %s: sign event: %s", msg.PublishID, signResp.Err)
	}
	signed := *signResp.Event

	result, err := m.cache.Handle(schema.CacheRequest{SubID: msg.PublishID, Event: &signed, Relays: msg.Relays})
	if err != nil {
		return fmt.Errorf("parser: publish %s: cache planner: %w", msg.PublishID, err)
	}
	for _, env := range result.Envelopes {
		m.conns.ProcessEnvelope(ctx, env)
	}

	encoded, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("parser: publish %s: encode signed event: %w", msg.PublishID, err)
	}
	m.emitImmediate(schema.WorkerMessage{Type: schema.WMSignedEvent, SubID: msg.PublishID, PublishID: msg.PublishID, Signed: encoded})
	return nil
}

func (m *Manager) signEvent(msg schema.MainMessage) error {
	resp := m.crypto.Handle(schema.SignerRequest{RequestID: msg.SubID, Op: schema.SignerOpSignEvent, Template: msg.Template})
	if resp.Err != "" {
		return fmt.Errorf("parser: sign_event: %s", resp.Err)
	}
	encoded, err := json.Marshal(*resp.Event)
	if err != nil {
		return fmt.Errorf("parser: sign_event: encode signed event: %w", err)
	}
	m.emitImmediate(schema.WorkerMessage{Type: schema.WMSignedEvent, Signed: encoded})
	return nil
}

func (m *Manager) setSigner(msg schema.MainMessage) error {
	if msg.Signer == nil {
		return fmt.Errorf("parser: set_signer: missing signer spec")
	}
	switch msg.Signer.Type {
	case schema.SignerPrivateKey:
		local, err := crypto.NewLocalSigner(msg.Signer.PrivHex)
		if err != nil {
			return fmt.Errorf("parser: set_signer: %w", err)
		}
		m.crypto.SetSigner(local, msg.Signer.PrivHex)
		return nil
	case schema.SignerNip07:
		return fmt.Errorf("parser: set_signer: nip07 requires a host-provided browser-extension bridge")
	case schema.SignerNip46:
		return fmt.Errorf("parser: set_signer: nip46 requires a host-provided remote-signer transport")
	default:
		return fmt.Errorf("parser: set_signer: unknown signer type %q", msg.Signer.Type)
	}
}

func (m *Manager) getPublicKey() error {
	resp := m.crypto.Handle(schema.SignerRequest{Op: schema.SignerOpGetPublicKey})
	if resp.Err != "" {
		return fmt.Errorf("parser: get_public_key: %s", resp.Err)
	}
	m.emitImmediate(schema.WorkerMessage{Type: schema.WMPubkey, Pubkey: resp.Pubkey})
	return nil
}

// RouteRelayMessage handles one inbound frame from the connections
// worker, feeding events to the owning subscription's pipeline and
// aggregating per-relay EOSE/CLOSED/failure into one host-visible EOSE.
// A relay CLOSED also closes the whole subscription; the EOSE is emitted
// first only when that relay was the last one still outstanding.
func (m *Manager) RouteRelayMessage(ctx context.Context, msg schema.RelayMessage) {
	switch msg.Type {
	case schema.RelaySubscribed:
		if sub, ok := m.reg.get(msg.SubID); ok {
			sub.markSent(msg.Relay)
		}
	case schema.RelayFailed:
		if sub, ok := m.reg.get(msg.SubID); ok {
			sub.markSent(msg.Relay)
			if sub.markResponded(msg.Relay) {
				m.emitEose(sub)
				if sub.config.CloseOnEose {
					m.unsubscribe(ctx, sub.subID, true)
				}
			}
		}
	case schema.RelayEvent:
		m.routeRelayEvent(msg)
	case schema.RelayEose:
		if sub, ok := m.reg.get(msg.SubID); ok {
			if sub.markResponded(msg.Relay) {
				m.emitEose(sub)
				if sub.config.CloseOnEose {
					m.unsubscribe(ctx, sub.subID, true)
				}
			}
		}
	case schema.RelayClosed:
		if sub, ok := m.reg.get(msg.SubID); ok {
			if sub.markResponded(msg.Relay) {
				m.emitEose(sub)
			}
			m.unsubscribe(ctx, sub.subID, true)
		}
	case schema.RelayNotice:
		m.emitImmediate(schema.WorkerMessage{Type: schema.WMNotice, Notice: msg.Text})
	case schema.RelayOK:
		status := schema.OKFailed
		if msg.Ok {
			status = schema.OKAccepted
		}
		m.emitImmediate(schema.WorkerMessage{Type: schema.WMOK, EventID: msg.EventID, Status: status, Message: msg.Reason})
	case schema.RelayAuth, schema.RelayCount:
		m.log.Debug("parser: ignoring relay frame with no reference behavior", "type", msg.Type, "relay", msg.Relay)
	default:
		m.log.Warn("parser: unknown relay message type", "type", msg.Type)
	}
}

func (m *Manager) routeRelayEvent(msg schema.RelayMessage) {
	sub, ok := m.reg.get(msg.SubID)
	if !ok || msg.Event == nil {
		return
	}
	event := *msg.Event
	m.cache.RecordSeen(event.Pubkey, msg.Relay)

	out, err := sub.pipeline.Process(event)
	if err != nil {
		m.log.Warn("parser: pipeline error", "sub_id", msg.SubID, "error", err)
		return
	}
	if out != nil {
		sub.batch.Add(out)
	}
}

func (m *Manager) emitEose(sub *subscription) {
	sub.batch.Flush()
	encoded, err := json.Marshal(schema.WorkerMessage{Type: schema.WMEose, SubID: sub.subID})
	if err != nil {
		m.log.Error("parser: encode EOSE", "error", err)
		return
	}
	m.emit(lengthPrefix(encoded))
}

func (m *Manager) emitImmediate(wm schema.WorkerMessage) {
	encoded, err := json.Marshal(wm)
	if err != nil {
		m.log.Error("parser: encode worker message", "type", wm.Type, "error", err)
		return
	}
	m.emit(lengthPrefix(encoded))
}

func lengthPrefix(message []byte) []byte {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(message)))
	return append(prefix[:], message...)
}

// emit is the shared host-output sink for both batched flushes and
// immediate (non-subscription-scoped) messages. If the bounded output
// channel would block, data is dropped instead of stalling the parser
// worker, and a BufferFull marker is then offered to the channel without
// blocking; when the channel is still full, the marker is dropped as well.
func (m *Manager) emit(data []byte) {
	select {
	case m.output <- data:
		return
	default:
	}

	m.log.Warn("parser: host output channel full, dropping batch")
	marker, err := json.Marshal(schema.WorkerMessage{Type: schema.WMBufferFull, RingName: "host_output"})
	if err != nil {
		return
	}
	select {
	case m.output <- lengthPrefix(marker):
	default:
	}
}

func (m *Manager) acquirePermit(ctx context.Context) error {
	select {
	case <-m.permits:
		return nil
	default:
	}

	wait := permitBackoffMin
	for {
		select {
		case <-m.permits:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			wait *= 2
			if wait > permitBackoffMax {
				wait = permitBackoffMax
			}
		}
	}
}

func (m *Manager) releasePermit() {
	select {
	case m.permits <- struct{}{}:
	default:
	}
}
