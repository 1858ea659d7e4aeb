package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/schema"
)

type fakeStore struct{ added []schema.Event }

func (s *fakeStore) Persist(e schema.Event) error {
	s.added = append(s.added, e)
	return nil
}

type fakeDispatcher struct{}

func (fakeDispatcher) Parse(e schema.Event) (*schema.ParsedData, []schema.Request, error) {
	return &schema.ParsedData{Kind: e.Kind}, nil, nil
}

func TestBuild_DefaultPipeline_EmitsSerializedEvent(t *testing.T) {
	store := &fakeStore{}
	p, err := Build(schema.PipelineConfig{}, "sub-a", Deps{Store: store, Dispatcher: fakeDispatcher{}})
	require.NoError(t, err)

	raw := schema.Event{ID: schema.ID32{1}, Kind: 1, Content: "hello"}
	out, err := p.Process(raw)
	require.NoError(t, err)
	require.NotNil(t, out)

	var msg schema.WorkerMessage
	require.NoError(t, json.Unmarshal(out, &msg))
	assert.Equal(t, schema.WMParsedEvent, msg.Type)
	assert.Equal(t, "sub-a", msg.SubID)
	require.NotNil(t, msg.Parsed)
	assert.Equal(t, raw.ID, msg.Parsed.Event.ID)
	assert.Len(t, store.added, 1)
}

func TestBuild_MuteFilterDropsMatchingAuthor(t *testing.T) {
	store := &fakeStore{}
	muted := schema.ID32{9}
	cfg := schema.PipelineConfig{Pipes: []schema.PipeConfig{
		{Type: schema.PipeMuteFilter, Mute: &schema.MuteCriteria{Authors: []schema.ID32{muted}}},
		{Type: schema.PipeParse},
		{Type: schema.PipeSaveToDb},
		{Type: schema.PipeSerializeEvents},
	}}
	p, err := Build(cfg, "sub-b", Deps{Store: store, Dispatcher: fakeDispatcher{}})
	require.NoError(t, err)

	out, err := p.Process(schema.Event{ID: schema.ID32{2}, Pubkey: muted, Kind: 1})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, store.added)
}

func TestBuild_NonTerminalDirectOutputPipeFailsConstruction(t *testing.T) {
	cfg := schema.PipelineConfig{Pipes: []schema.PipeConfig{
		{Type: schema.PipeSerializeEvents},
		{Type: schema.PipeParse},
	}}
	_, err := Build(cfg, "sub-c", Deps{Dispatcher: fakeDispatcher{}})
	require.Error(t, err)
}

func TestPipeline_DeduplicatesByID(t *testing.T) {
	store := &fakeStore{}
	p, err := Build(schema.PipelineConfig{}, "sub-d", Deps{Store: store, Dispatcher: fakeDispatcher{}})
	require.NoError(t, err)

	raw := schema.Event{ID: schema.ID32{3}, Kind: 1}
	out1, err := p.Process(raw)
	require.NoError(t, err)
	require.NotNil(t, out1)

	out2, err := p.Process(raw)
	require.NoError(t, err)
	assert.Nil(t, out2, "duplicate id must not be delivered twice")
	assert.Len(t, store.added, 1)
}

func TestMuteFilter_CachedBatchDropsMutedAuthorKeepsMarkers(t *testing.T) {
	muted := schema.ID32{7}
	f := MuteFilter{Criteria: schema.MuteCriteria{Authors: []schema.ID32{muted}}}

	mutedMsg, err := schema.WorkerMessage{
		Type:   schema.WMParsedEvent,
		SubID:  "sub-e",
		Parsed: &schema.ParsedEvent{Event: schema.Event{ID: schema.ID32{1}, Pubkey: muted}},
	}.Encode()
	require.NoError(t, err)
	keptMsg, err := schema.WorkerMessage{
		Type:   schema.WMParsedEvent,
		SubID:  "sub-e",
		Parsed: &schema.ParsedEvent{Event: schema.Event{ID: schema.ID32{2}, Pubkey: schema.ID32{8}}},
	}.Encode()
	require.NoError(t, err)
	marker, err := schema.WorkerMessage{Type: schema.WMEoce, SubID: "sub-e"}.Encode()
	require.NoError(t, err)

	out, err := f.ProcessCachedBatch([][]byte{mutedMsg, keptMsg, marker})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, keptMsg, out[0])
	assert.Equal(t, marker, out[1], "a marker with no event payload passes through untouched")
}

func TestDeduplication_PipeLocalCap(t *testing.T) {
	d := NewDeduplication(2)
	id1, id2, id3 := schema.ID32{1}, schema.ID32{2}, schema.ID32{3}

	out, err := d.Process(Event{ID: id1, Raw: &schema.Event{ID: id1}})
	require.NoError(t, err)
	assert.Equal(t, OutputEvent, out.Kind)

	_, _ = d.Process(Event{ID: id2, Raw: &schema.Event{ID: id2}})
	_, _ = d.Process(Event{ID: id3, Raw: &schema.Event{ID: id3}})

	// id1 should have been evicted once the cap of 2 was exceeded, so it's
	// accepted again instead of dropped.
	out, err = d.Process(Event{ID: id1, Raw: &schema.Event{ID: id1}})
	require.NoError(t, err)
	assert.Equal(t, OutputEvent, out.Kind)
}
