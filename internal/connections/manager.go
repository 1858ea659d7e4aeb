package connections

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrflow/engine/internal/ring"
	"github.com/nostrflow/engine/internal/schema"
)

var errBackoff = errors.New("connections: relay in reconnect backoff window")

// Nip46Prefix marks a sub-id as belonging to the NIP-46 remote-signer
// transport: such sub-ids are routed to a second ring pair instead of the
// parser's main inbound ring.
const Nip46Prefix = "n46:"

// backoffState tracks the next permitted dial attempt for one relay URL.
// The window widens 1.7x after each failure; dialing is driven by
// envelope arrival rather than a dedicated goroutine, since this worker
// only dials on demand.
type backoffState struct {
	nextAttempt time.Time
	wait        time.Duration
}

// Manager owns one Connection per normalized relay URL.
type Manager struct {
	log   *slog.Logger
	conns *xsync.MapOf[string, *connection]
	back  *xsync.MapOf[string, *backoffState]

	// dialMu holds one mutex per relay URL so concurrent envelopes naming
	// the same relay serialize their dial attempts instead of racing into
	// two sockets for one URL. Entries are never removed; the set of
	// distinct URLs a session touches is small.
	dialMu *xsync.MapOf[string, *sync.Mutex]

	toParser    *ring.Buffer // RelayMessage frames, normal inbound traffic
	toSignerSub *ring.Buffer // RelayMessage frames whose sub-id carries Nip46Prefix
	status      *ring.Buffer // "status|url" ASCII lines
}

// NewManager builds a Manager writing inbound relay traffic to toParser,
// NIP-46-prefixed traffic to toSignerSub, and status lines to status.
func NewManager(toParser, toSignerSub, status *ring.Buffer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:         log,
		conns:       xsync.NewMapOf[string, *connection](),
		back:        xsync.NewMapOf[string, *backoffState](),
		dialMu:      xsync.NewMapOf[string, *sync.Mutex](),
		toParser:    toParser,
		toSignerSub: toSignerSub,
		status:      status,
	}
}

// ProcessEnvelope fans env out to every relay it names, sending each
// relay's frames in order. Relays are processed concurrently; order of
// completion across relays is not observable to the caller.
func (m *Manager) ProcessEnvelope(ctx context.Context, env schema.Envelope) {
	done := make(chan struct{}, len(env.Relays))
	for _, url := range env.Relays {
		go func(url string) {
			defer func() { done <- struct{}{} }()
			m.processOneRelay(ctx, url, env.Frames)
		}(url)
	}
	for range env.Relays {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) processOneRelay(ctx context.Context, rawURL string, frames []string) {
	nm, err := NormalizeURL(rawURL)
	if err != nil {
		m.log.Warn("connections: rejecting malformed relay url", "url", rawURL, "error", err)
		return
	}

	conn, err := m.ensureConnection(ctx, nm)
	if err != nil {
		m.writeStatus("failed", nm)
		for _, frame := range frames {
			m.emitFrameFailure(nm, frame)
		}
		return
	}

	for _, frame := range frames {
		header, err := peekFrameHeader(frame)
		if err != nil {
			m.log.Warn("connections: unparseable outbound frame", "relay", nm, "error", err)
			continue
		}

		if err := conn.send(ctx, []byte(frame)); err != nil {
			m.writeStatus("failed", nm)
			m.emitSubscribeResult(nm, header.SubID, false, err.Error())
			return // stop sending remaining frames to this relay
		}
		if header.Kind == "REQ" {
			m.emitSubscribeResult(nm, header.SubID, true, "")
		}
	}
}

func (m *Manager) emitFrameFailure(relayURL, frame string) {
	header, err := peekFrameHeader(frame)
	if err != nil {
		return
	}
	if header.Kind == "REQ" {
		m.emitSubscribeResult(relayURL, header.SubID, false, "relay unreachable")
	}
}

func (m *Manager) emitSubscribeResult(relayURL, subID string, ok bool, reason string) {
	msg := schema.RelayMessage{Relay: relayURL, SubID: subID, Ok: ok, Reason: reason}
	if ok {
		msg.Type = schema.RelaySubscribed
	} else {
		msg.Type = schema.RelayFailed
	}
	m.routeRelayMessage(msg)
}

// ensureConnection returns a live connection for nm, dialing if none
// exists or the previous one has gone down. If nm is in its backoff
// window from a prior failed dial, it fails fast without attempting a
// new connection; the window widens 1.7x on each further failure, capped
// at maxReconnectWait, and resets once a dial succeeds.
func (m *Manager) ensureConnection(ctx context.Context, nm string) (*connection, error) {
	if c, ok := m.conns.Load(nm); ok {
		return c, nil
	}

	mu, _ := m.dialMu.LoadOrCompute(nm, func() *sync.Mutex { return new(sync.Mutex) })
	mu.Lock()
	defer mu.Unlock()

	if c, ok := m.conns.Load(nm); ok {
		return c, nil
	}

	if b, ok := m.back.Load(nm); ok && time.Now().Before(b.nextAttempt) {
		return nil, errBackoff
	}

	c, err := dial(ctx, nm, m.log, m.handleInbound, m.handleDown)
	if err != nil {
		wait := minReconnectWait
		if b, ok := m.back.Load(nm); ok {
			wait = b.wait * 17 / 10
			if wait > maxReconnectWait {
				wait = maxReconnectWait
			}
		}
		m.back.Store(nm, &backoffState{nextAttempt: time.Now().Add(wait), wait: wait})
		return nil, err
	}

	m.back.Delete(nm)
	m.conns.Store(nm, c)
	m.writeStatus("connected", nm)
	return c, nil
}

func (m *Manager) handleDown(url string) {
	m.conns.Delete(url)
	m.writeStatus("close", url)
}

func (m *Manager) handleInbound(url string, raw []byte) {
	msg, err := parseRelayFrame(url, raw)
	if err != nil {
		m.log.Debug("connections: dropping unparseable inbound frame", "relay", url, "error", err)
		return
	}
	m.routeRelayMessage(msg)
}

func (m *Manager) routeRelayMessage(msg schema.RelayMessage) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("connections: encode relay message", "error", err)
		return
	}

	dst := m.toParser
	if strings.HasPrefix(msg.SubID, Nip46Prefix) {
		dst = m.toSignerSub
	}
	if dst == nil {
		return
	}
	if ok := dst.Write(encoded); !ok {
		m.log.Warn("connections: outbound ring full, message dropped", "sub_id", msg.SubID)
	}
}

func (m *Manager) writeStatus(status, url string) {
	if m.status == nil {
		return
	}
	line := status + "|" + url
	m.status.Write([]byte(line))
}

// Close tears down every tracked connection.
func (m *Manager) Close() {
	m.conns.Range(func(url string, c *connection) bool {
		c.close()
		return true
	})
}
