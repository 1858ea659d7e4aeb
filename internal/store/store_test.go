package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/schema"
)

func id(b byte) schema.ID32 {
	var out schema.ID32
	out[0] = b
	return out
}

func TestStore_AddAndGetByOffset(t *testing.T) {
	s := New(1<<16, nil, nil)
	ev := schema.Event{ID: id(1), Pubkey: id(2), Kind: 1, Content: "hello", CreatedAt: 100}

	off, err := s.AddEvent(ev)
	require.NoError(t, err)

	got, ok := s.GetEventAtOffset(off)
	require.True(t, ok)
	assert.Equal(t, ev.Content, got.Content)
}

func TestStore_EventByID(t *testing.T) {
	s := New(1<<16, nil, nil)
	ev := schema.Event{ID: id(5), Pubkey: id(6), Kind: 1, CreatedAt: 1}
	_, err := s.AddEvent(ev)
	require.NoError(t, err)

	got, ok := s.EventByID(id(5))
	require.True(t, ok)
	assert.Equal(t, ev.ID, got.ID)

	_, ok = s.EventByID(id(99))
	assert.False(t, ok)
}

func TestStore_ProfileShortcut(t *testing.T) {
	s := New(1<<16, nil, nil)
	author := id(7)
	profile := schema.Event{ID: id(8), Pubkey: author, Kind: 0, Content: `{"name":"alice"}`, CreatedAt: 10}
	_, err := s.AddEvent(profile)
	require.NoError(t, err)

	newer := schema.Event{ID: id(9), Pubkey: author, Kind: 0, Content: `{"name":"alice2"}`, CreatedAt: 20}
	_, err = s.AddEvent(newer)
	require.NoError(t, err)

	results := s.Query(schema.Request{Authors: []schema.ID32{author}, Kinds: []uint16{0}, Limit: 1})
	require.Len(t, results, 1)
	assert.Equal(t, newer.ID, results[0].ID)
}

func TestStore_ParameterizedReplaceableShortcut(t *testing.T) {
	s := New(1<<16, nil, nil)
	author := id(11)
	ev := schema.Event{
		ID: id(12), Pubkey: author, Kind: 30023, CreatedAt: 5,
		Tags: schema.Tags{{"d", "my-article"}},
	}
	_, err := s.AddEvent(ev)
	require.NoError(t, err)

	results := s.Query(schema.Request{
		Authors: []schema.ID32{author},
		Kinds:   []uint16{30023},
		Tags:    map[string][]string{"d": {"my-article"}},
		Limit:   1,
	})
	require.Len(t, results, 1)
	assert.Equal(t, ev.ID, results[0].ID)
}

func TestStore_ScanByKindAndAuthorIntersection(t *testing.T) {
	s := New(1<<16, nil, nil)
	a, b := id(20), id(21)
	_, err := s.AddEvent(schema.Event{ID: id(1), Pubkey: a, Kind: 1, CreatedAt: 1})
	require.NoError(t, err)
	_, err = s.AddEvent(schema.Event{ID: id(2), Pubkey: b, Kind: 1, CreatedAt: 2})
	require.NoError(t, err)
	_, err = s.AddEvent(schema.Event{ID: id(3), Pubkey: a, Kind: 7, CreatedAt: 3})
	require.NoError(t, err)

	results := s.Query(schema.Request{Authors: []schema.ID32{a}, Kinds: []uint16{1}})
	require.Len(t, results, 1)
	assert.Equal(t, id(1), results[0].ID)
}

func TestStore_EvictionMakesOldOffsetsUnreadable(t *testing.T) {
	s := New(1024, nil, nil) // room for only two encoded events forces eviction
	var lastOffset uint64
	for i := 0; i < 20; i++ {
		off, err := s.AddEvent(schema.Event{ID: id(byte(i)), Pubkey: id(1), Kind: 1, Content: "xxxxxxxxxx", CreatedAt: int64(i)})
		require.NoError(t, err)
		if i == 0 {
			lastOffset = off
		}
	}
	_, ok := s.GetEventAtOffset(lastOffset)
	assert.False(t, ok, "the first event should have been evicted by now")
}

func TestStore_ScanReturnsResidentOffsetsInOrder(t *testing.T) {
	s := New(1<<16, nil, nil)
	var want []uint64
	for i := 0; i < 3; i++ {
		off, err := s.AddEvent(schema.Event{ID: id(byte(40 + i)), Pubkey: id(1), Kind: 1, CreatedAt: int64(i)})
		require.NoError(t, err)
		want = append(want, off)
	}
	assert.Equal(t, want, s.Scan())
}

func TestStore_QuerySearchFiltersByContent(t *testing.T) {
	s := New(1<<16, nil, nil)
	_, err := s.AddEvent(schema.Event{ID: id(30), Pubkey: id(1), Kind: 1, Content: "Nostr is Fun", CreatedAt: 1})
	require.NoError(t, err)
	_, err = s.AddEvent(schema.Event{ID: id(31), Pubkey: id(1), Kind: 1, Content: "something else", CreatedAt: 2})
	require.NoError(t, err)

	results := s.Query(schema.Request{Kinds: []uint16{1}, Search: "fun"})
	require.Len(t, results, 1)
	assert.Equal(t, id(30), results[0].ID)
}

func TestStore_Clear(t *testing.T) {
	s := New(1<<16, nil, nil)
	_, err := s.AddEvent(schema.Event{ID: id(1), Pubkey: id(2), Kind: 1})
	require.NoError(t, err)

	s.Clear()

	_, ok := s.EventByID(id(1))
	assert.False(t, ok)
}

type memPersister struct {
	data []byte
}

func (m *memPersister) Persist(snapshot []byte) error {
	m.data = append([]byte(nil), snapshot...)
	return nil
}

func (m *memPersister) Load() ([]byte, error) {
	return m.data, nil
}

func TestStore_PersistFlushCadence(t *testing.T) {
	p := &memPersister{}
	s := New(1<<20, p, nil)

	for i := 0; i < persistEvery; i++ {
		_, err := s.AddEvent(schema.Event{ID: id(byte(i)), Pubkey: id(1), Kind: 1, CreatedAt: int64(i)})
		require.NoError(t, err)
	}
	assert.NotEmpty(t, p.data, "store should flush after persistEvery appends")

	reopened := New(1<<20, p, nil)
	_, ok := reopened.EventByID(id(0))
	assert.True(t, ok, "reopened store should rebuild indexes from the persisted snapshot")
}
