package parser

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/cache"
	"github.com/nostrflow/engine/internal/crypto"
	"github.com/nostrflow/engine/internal/eventkind"
	"github.com/nostrflow/engine/internal/pipeline"
	"github.com/nostrflow/engine/internal/schema"
	"github.com/nostrflow/engine/internal/store"
)

// recordingConns captures every envelope ProcessEnvelope is handed,
// standing in for internal/connections.Manager.
type recordingConns struct {
	envelopes []schema.Envelope
}

func (c *recordingConns) ProcessEnvelope(_ context.Context, env schema.Envelope) {
	c.envelopes = append(c.envelopes, env)
}

func decodeFrames(t *testing.T, batch []byte) []schema.WorkerMessage {
	t.Helper()
	var out []schema.WorkerMessage
	for len(batch) >= 4 {
		n := binary.LittleEndian.Uint32(batch[:4])
		batch = batch[4:]
		require.GreaterOrEqual(t, uint32(len(batch)), n)
		var wm schema.WorkerMessage
		require.NoError(t, json.Unmarshal(batch[:n], &wm))
		out = append(out, wm)
		batch = batch[n:]
	}
	return out
}

func drainOutput(t *testing.T, m *Manager, want int) []schema.WorkerMessage {
	t.Helper()
	var got []schema.WorkerMessage
	for len(got) < want {
		select {
		case batch := <-m.Output():
			got = append(got, decodeFrames(t, batch)...)
		default:
			t.Fatalf("manager output starved after %d of %d messages", len(got), want)
		}
	}
	return got
}

func newTestManager(t *testing.T, conns *recordingConns) *Manager {
	t.Helper()
	st := store.New(1<<20, nil, nil)
	disp := eventkind.NewDispatcher()
	planner := cache.NewPlanner(st, disp, nil, 8, nil)

	signer, err := crypto.NewLocalSigner("0000000000000000000000000000000000000000000000000000000000a1")
	require.NoError(t, err)
	cryptoSvc := crypto.NewService(signer, "", nil, nil)

	deps := pipeline.Deps{Store: planner, Dispatcher: disp}
	// batchFlushBytes=1: any non-empty batch crosses threshold immediately,
	// so every Add flushes on its own and read order off Output matches
	// write order exactly -- the property these tests check.
	return NewManager(planner, cryptoSvc, conns, deps, 4, 1, nil)
}

func TestManager_Subscribe_CachedHitsPrecedeEoceAndLiveEventFollowsEose(t *testing.T) {
	st := store.New(1<<20, nil, nil)
	disp := eventkind.NewDispatcher()
	planner := cache.NewPlanner(st, disp, nil, 8, nil)
	signer, err := crypto.NewLocalSigner("0000000000000000000000000000000000000000000000000000000000a1")
	require.NoError(t, err)
	cryptoSvc := crypto.NewService(signer, "", nil, nil)
	deps := pipeline.Deps{Store: planner, Dispatcher: disp}
	conns := &recordingConns{}
	m := NewManager(planner, cryptoSvc, conns, deps, 4, 1, nil)

	cachedID := id(1)
	cached := schema.Event{ID: cachedID, Pubkey: id(9), Kind: 1, Content: "cached"}
	_, err = st.AddEvent(cached)
	require.NoError(t, err)

	ctx := context.Background()
	req := schema.MainMessage{
		Type:  schema.MsgSubscribe,
		SubID: "sub1",
		Requests: []schema.Request{
			{Kinds: []uint16{1}, Relays: []string{"wss://relay1"}},
		},
	}
	require.NoError(t, m.HandleMain(ctx, req))
	require.Len(t, conns.envelopes, 1)
	assert.Equal(t, []string{"wss://relay1"}, conns.envelopes[0].Relays)

	msgs := drainOutput(t, m, 2)
	require.Equal(t, schema.WMParsedEvent, msgs[0].Type)
	assert.Equal(t, cachedID, msgs[0].Parsed.Event.ID)
	require.Equal(t, schema.WMEoce, msgs[1].Type)

	liveID := id(2)
	live := schema.Event{ID: liveID, Pubkey: id(9), Kind: 1, Content: "live"}
	m.RouteRelayMessage(ctx, schema.RelayMessage{Type: schema.RelaySubscribed, SubID: "sub1", Relay: "wss://relay1"})
	m.RouteRelayMessage(ctx, schema.RelayMessage{Type: schema.RelayEvent, SubID: "sub1", Relay: "wss://relay1", Event: &live})

	liveMsgs := drainOutput(t, m, 1)
	require.Equal(t, schema.WMParsedEvent, liveMsgs[0].Type)
	assert.Equal(t, liveID, liveMsgs[0].Parsed.Event.ID)

	m.RouteRelayMessage(ctx, schema.RelayMessage{Type: schema.RelayEose, SubID: "sub1", Relay: "wss://relay1"})
	eoseMsgs := drainOutput(t, m, 1)
	assert.Equal(t, schema.WMEose, eoseMsgs[0].Type)
}

func TestManager_Subscribe_DuplicateLiveEventIsDeduplicatedAgainstCacheReplay(t *testing.T) {
	st := store.New(1<<20, nil, nil)
	disp := eventkind.NewDispatcher()
	planner := cache.NewPlanner(st, disp, nil, 8, nil)
	signer, err := crypto.NewLocalSigner("0000000000000000000000000000000000000000000000000000000000a1")
	require.NoError(t, err)
	cryptoSvc := crypto.NewService(signer, "", nil, nil)
	deps := pipeline.Deps{Store: planner, Dispatcher: disp}
	conns := &recordingConns{}
	m := NewManager(planner, cryptoSvc, conns, deps, 4, 1, nil)

	cachedID := id(3)
	cached := schema.Event{ID: cachedID, Pubkey: id(9), Kind: 1, Content: "cached"}
	_, err = st.AddEvent(cached)
	require.NoError(t, err)

	ctx := context.Background()
	req := schema.MainMessage{
		Type:     schema.MsgSubscribe,
		SubID:    "sub1",
		Requests: []schema.Request{{Kinds: []uint16{1}, Relays: []string{"wss://relay1"}}},
	}
	require.NoError(t, m.HandleMain(ctx, req))
	drainOutput(t, m, 2) // cache hit + Eoce

	// The relay echoes the same event back: already-marked-seen means the
	// pipeline's seen-id gate drops it, producing no further frame.
	m.RouteRelayMessage(ctx, schema.RelayMessage{Type: schema.RelayEvent, SubID: "sub1", Relay: "wss://relay1", Event: &cached})

	select {
	case batch := <-m.Output():
		t.Fatalf("expected no output for a duplicate live event, got %v", decodeFrames(t, batch))
	default:
	}
}

func TestManager_Publish_SignsPersistsAndAcksImmediately(t *testing.T) {
	conns := &recordingConns{}
	m := newTestManager(t, conns)

	ctx := context.Background()
	msg := schema.MainMessage{
		Type:      schema.MsgPublish,
		PublishID: "pub1",
		Template:  &schema.Template{Kind: 1, Content: "hello"},
	}
	require.NoError(t, m.HandleMain(ctx, msg))
	require.Len(t, conns.envelopes, 1)

	msgs := drainOutput(t, m, 1)
	require.Equal(t, schema.WMSignedEvent, msgs[0].Type)
	assert.Equal(t, "pub1", msgs[0].PublishID)
}

func TestManager_GetPublicKey_EmitsPubkeyMessage(t *testing.T) {
	conns := &recordingConns{}
	m := newTestManager(t, conns)

	require.NoError(t, m.HandleMain(context.Background(), schema.MainMessage{Type: schema.MsgGetPublicKey}))

	msgs := drainOutput(t, m, 1)
	assert.Equal(t, schema.WMPubkey, msgs[0].Type)
}
