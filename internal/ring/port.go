package ring

import (
	"context"
	"time"
)

// Backoff bounds for an empty-ring poll: starts at 16ms and doubles up
// to 500ms.
const (
	minPollInterval = 16 * time.Millisecond
	maxPollInterval = 500 * time.Millisecond
)

// Port turns a Buffer's reader side into a single-consumer channel, the
// Go equivalent of a MessagePort. Exactly one goroutine should range over
// Messages().
type Port struct {
	buf      *Buffer
	messages chan []byte
}

// NewPort starts a polling goroutine over buf and returns a Port whose
// Messages channel delivers each committed record in arrival order. The
// goroutine exits when ctx is canceled.
func NewPort(ctx context.Context, buf *Buffer) *Port {
	p := &Port{
		buf:      buf,
		messages: make(chan []byte),
	}
	go p.pump(ctx)
	return p
}

func (p *Port) pump(ctx context.Context) {
	defer close(p.messages)
	interval := minPollInterval
	for {
		payload, ok := p.buf.ReadNext()
		if !ok {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			interval *= 2
			if interval > maxPollInterval {
				interval = maxPollInterval
			}
			continue
		}
		interval = minPollInterval
		select {
		case p.messages <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// Messages returns the channel of delivered payloads. It is closed when
// the port's context is canceled.
func (p *Port) Messages() <-chan []byte {
	return p.messages
}

// Send writes payload to the ring backing this port's writer side. Callers
// on the producing end of a ring write directly against their own *Buffer
// via Write; Send is a convenience for symmetrical two-ring bridges (e.g.
// ws_request/ws_response) where one side both sends and receives.
func (p *Port) Send(payload []byte) bool {
	return p.buf.Write(payload)
}
