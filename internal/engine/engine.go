// Package engine wires the five workers (host boundary, parser, cache,
// connections, crypto) into one running process, owning the SPSC rings
// that cross a goroutine boundary and exposing the host-facing
// Submit/Output/Status API. Boundaries whose two ends are pure
// synchronous calls with no blocking I/O of their own (parser<->cache,
// parser<->crypto) are direct method calls rather than rings.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nostrflow/engine/internal/cache"
	"github.com/nostrflow/engine/internal/config"
	"github.com/nostrflow/engine/internal/connections"
	"github.com/nostrflow/engine/internal/crypto"
	"github.com/nostrflow/engine/internal/eventkind"
	"github.com/nostrflow/engine/internal/parser"
	"github.com/nostrflow/engine/internal/pipeline"
	"github.com/nostrflow/engine/internal/ring"
	"github.com/nostrflow/engine/internal/schema"
	"github.com/nostrflow/engine/internal/store"
)

// Engine owns every worker and the rings between them, and is the single
// object cmd/nostrengine talks to.
type Engine struct {
	log *slog.Logger

	store   *store.Store
	planner *cache.Planner
	crypto  *crypto.Service
	conns   *connections.Manager
	parser  *parser.Manager

	wsResponse *ring.Buffer
	status     *ring.Buffer
	statusCh   chan []byte
}

// New builds every worker from cfg and wires the ws_response and status
// rings (internal/connections writes both; internal/engine owns the
// reader side of each). It does not start any goroutines; call Run for
// that.
func New(cfg *config.EngineConfig, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	var persister store.Persister
	if cfg.Store.PersistPath != "" {
		persister = store.NewFilePersister(cfg.Store.PersistPath)
	}
	evStore := store.New(cfg.Store.MaxBufferSize, persister, log)

	dispatcher := eventkind.NewDispatcher(
		eventkind.ProfileParser{},
		eventkind.RelayListParser{},
	)

	planner := cache.NewPlanner(evStore, dispatcher, cfg.Relay.DefaultRelays, cfg.Relay.MaxRelays, log)

	signer, privHex, err := bootstrapSigner(cfg.Signer)
	if err != nil {
		return nil, fmt.Errorf("engine: bootstrap signer: %w", err)
	}
	mintPubkeys := map[string]string{} // populated by the host as mints are learned; none known at startup
	cryptoSvc := crypto.NewService(signer, privHex, mintPubkeys, log)

	wsResponse := ring.NewBuffer(cfg.Ring.WsResponseCapacity)
	status := ring.NewBuffer(cfg.Ring.StatusCapacity)
	// ws_response_signer is left nil: this reference engine does not
	// implement the NIP-46 remote-signer transport's inbound frame
	// consumption (see parser.Manager.setSigner's SignerNip46 case), so
	// connections.Manager simply drops any n46:-prefixed traffic, per its
	// own documented nil-destination behavior.
	connMgr := connections.NewManager(wsResponse, nil, status, log)

	// The pipeline's SaveToDb pipe persists through the planner, not the
	// store: only the cache worker mutates the store.
	deps := pipeline.Deps{Store: planner, Dispatcher: dispatcher, Verifier: cryptoSvc, Log: log}
	parserMgr := parser.NewManager(planner, cryptoSvc, connMgr, deps, cfg.Parser.MaxConcurrentSubscriptions, cfg.Parser.BatchFlushBytes, log)

	return &Engine{
		log:        log,
		store:      evStore,
		planner:    planner,
		crypto:     cryptoSvc,
		conns:      connMgr,
		parser:     parserMgr,
		wsResponse: wsResponse,
		status:     status,
		statusCh:   make(chan []byte, 64),
	}, nil
}

// bootstrapSigner builds the crypto worker's initial Signer from
// config.SignerConfig, if a private key was configured. A host that
// wants to start with no active signer and call SetSigner later may
// leave NOSTR_PRIVATE_KEY unset; the returned nil Signer makes
// crypto.Service.Handle fail every operation with "no active signer"
// until SetSigner is called.
func bootstrapSigner(cfg config.SignerConfig) (crypto.Signer, string, error) {
	if cfg.NostrPrivateKey == "" {
		return nil, "", nil
	}
	signer, err := crypto.NewLocalSigner(cfg.NostrPrivateKey)
	if err != nil {
		return nil, "", err
	}
	return signer, cfg.NostrPrivateKey, nil
}

// Run starts the worker goroutines that consume the rings New wired
// (ws_response -> parser.RouteRelayMessage) and blocks until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	wsResponsePort := ring.NewPort(ctx, e.wsResponse)
	statusPort := ring.NewPort(ctx, e.status)

	for {
		select {
		case <-ctx.Done():
			e.conns.Close()
			return
		case payload, ok := <-wsResponsePort.Messages():
			if !ok {
				return
			}
			var msg schema.RelayMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				e.log.Warn("engine: malformed relay message on ws_response", "error", err)
				continue
			}
			e.parser.RouteRelayMessage(ctx, msg)
		case line, ok := <-statusPort.Messages():
			if !ok {
				return
			}
			select {
			case e.statusCh <- line:
			default:
				// Status lines are advisory; a host that stops draining
				// them loses the oldest, same as the ring they came off.
			}
		}
	}
}

// Submit hands one host -> parser MainMessage to the parser worker.
func (e *Engine) Submit(ctx context.Context, msg schema.MainMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return e.parser.HandleMain(ctx, msg)
}

// Output is the stream of length-prefixed, batched WorkerMessage frames
// bound for the host.
func (e *Engine) Output() <-chan []byte { return e.parser.Output() }

// Status is the stream of raw `status|url` ASCII lines from the
// connections worker.
func (e *Engine) Status() <-chan []byte { return e.statusCh }
