package connections

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout      = 15 * time.Second
	minReconnectWait = 1 * time.Second
	maxReconnectWait = 30 * time.Second
)

// connection is one long-lived relay socket: a single writer goroutine
// draining a write queue so concurrent senders never race on the same
// *websocket.Conn, and a separate read loop handing raw frame bytes to the
// owning Manager.
type connection struct {
	url    string
	log    *slog.Logger
	onMsg  func(url string, raw []byte)
	onDown func(url string)

	writeQueue chan writeRequest
	cancel     context.CancelFunc
}

type writeRequest struct {
	payload []byte
	result  chan error
}

// dial opens the socket, blocking until the handshake completes or fails
// (bounded by dialTimeout), and starts its writer/reader goroutines. The
// returned connection is already connected and usable for Send.
func dial(ctx context.Context, url string, log *slog.Logger, onMsg func(string, []byte), onDown func(string)) (*connection, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{
		url:        url,
		log:        log,
		onMsg:      onMsg,
		onDown:     onDown,
		writeQueue: make(chan writeRequest),
		cancel:     cancel,
	}

	go c.writeLoop(connCtx, ws)
	go c.readLoop(connCtx, ws)
	return c, nil
}

func (c *connection) writeLoop(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.writeQueue:
			err := ws.WriteMessage(websocket.TextMessage, req.payload)
			select {
			case req.result <- err:
			default:
			}
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *connection) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer c.cancel()
	defer c.onDown(c.url)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("connections: relay read closed", "relay", c.url, "error", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
			c.onMsg(c.url, data)
		}
	}
}

// send writes payload to the relay socket, blocking until the writer
// goroutine accepts it or ctx is done.
func (c *connection) send(ctx context.Context, payload []byte) error {
	req := writeRequest{payload: payload, result: make(chan error, 1)}
	select {
	case c.writeQueue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) close() {
	c.cancel()
}
