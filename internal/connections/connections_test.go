package connections

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/ring"
	"github.com/nostrflow/engine/internal/schema"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "  WSS://Relay.Example.com/ ", want: "wss://relay.example.com"},
		{in: "ws://relay.example.com", want: "ws://relay.example.com"},
		{in: "https://relay.example.com", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestPeekFrameHeader(t *testing.T) {
	h, err := peekFrameHeader(`["REQ","sub-1",{"kinds":[1]}]`)
	require.NoError(t, err)
	assert.Equal(t, "REQ", h.Kind)
	assert.Equal(t, "sub-1", h.SubID)

	h, err = peekFrameHeader(`["EVENT",{"id":"abc"}]`)
	require.NoError(t, err)
	assert.Equal(t, "EVENT", h.Kind)
	assert.Empty(t, h.SubID)
}

func TestParseRelayFrame_Eose(t *testing.T) {
	msg, err := parseRelayFrame("wss://relay.example.com", []byte(`["EOSE","sub-1"]`))
	require.NoError(t, err)
	assert.Equal(t, schema.RelayEose, msg.Type)
	assert.Equal(t, "sub-1", msg.SubID)
}

func TestParseRelayFrame_Notice(t *testing.T) {
	msg, err := parseRelayFrame("wss://relay.example.com", []byte(`["NOTICE","rate limited"]`))
	require.NoError(t, err)
	assert.Equal(t, schema.RelayNotice, msg.Type)
	assert.Equal(t, "rate limited", msg.Text)
}

// eoseUpgrader runs a minimal relay stub: it upgrades the connection and,
// on receiving any frame, immediately answers with an EOSE for the sub-id
// it was sent -- enough to exercise ProcessEnvelope's send path and the
// inbound read-loop against a real socket.
func eoseUpgrader() *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`["EOSE","sub-1"]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestManager_ProcessEnvelope_DeliversSyntheticSubscribedAndInboundEose(t *testing.T) {
	srv := eoseUpgrader()
	defer srv.Close()

	toParser := ring.NewBuffer(1 << 16)
	status := ring.NewBuffer(1 << 12)
	mgr := NewManager(toParser, nil, status, nil)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := schema.Envelope{
		Relays: []string{wsURL(srv.URL)},
		Frames: []string{`["REQ","sub-1",{"kinds":[1]}]`},
	}
	mgr.ProcessEnvelope(ctx, env)

	deadline := time.After(2 * time.Second)
	sawSubscribed, sawEose := false, false
	for !sawSubscribed || !sawEose {
		payload, ok := toParser.ReadNext()
		if !ok {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for messages, subscribed=%v eose=%v", sawSubscribed, sawEose)
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		var msg schema.RelayMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		switch msg.Type {
		case schema.RelaySubscribed:
			sawSubscribed = true
		case schema.RelayEose:
			sawEose = true
			assert.Equal(t, "sub-1", msg.SubID)
		}
	}
}
