// Package store is the local event store: an append-only,
// offset-addressed event log bounded by eviction from the front, plus a
// set of in-memory indexes (id, kind, pubkey, tags, latest-replaceable)
// rebuilt from the log on startup.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrflow/engine/internal/schema"
)

// persistEvery is how many appends accumulate between snapshot flushes.
const persistEvery = 25

// Persister flushes the store's durable snapshot. A nil Persister makes
// the store purely in-memory.
type Persister interface {
	Persist(snapshot []byte) error
	Load() ([]byte, error)
}

// Store is the local, bounded, indexed event cache shared by the cache
// and parser workers.
type Store struct {
	mu  sync.RWMutex
	buf *evictingBuffer
	log *slog.Logger

	persister    Persister
	pendingFlush int

	byID         *xsync.MapOf[schema.ID32, uint64]
	byKind       *xsync.MapOf[uint16, map[schema.ID32]struct{}]
	byPubkey     *xsync.MapOf[schema.ID32, map[schema.ID32]struct{}]
	byTagE       *xsync.MapOf[string, map[schema.ID32]struct{}]
	byTagP       *xsync.MapOf[string, map[schema.ID32]struct{}]
	byTagA       *xsync.MapOf[string, map[schema.ID32]struct{}]
	byTagD       *xsync.MapOf[string, map[schema.ID32]struct{}]
	profileByPub *xsync.MapOf[schema.ID32, schema.Event]
	relaysByPub  *xsync.MapOf[schema.ID32, schema.Event]
	paramReplace *xsync.MapOf[string, schema.Event] // key: kind:pubkey:d
}

// New creates a Store backed by an event log of the given byte capacity.
func New(capacityBytes int, persister Persister, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		buf:          newEvictingBuffer(capacityBytes),
		log:          log,
		persister:    persister,
		byID:         xsync.NewMapOf[schema.ID32, uint64](),
		byKind:       xsync.NewMapOf[uint16, map[schema.ID32]struct{}](),
		byPubkey:     xsync.NewMapOf[schema.ID32, map[schema.ID32]struct{}](),
		byTagE:       xsync.NewMapOf[string, map[schema.ID32]struct{}](),
		byTagP:       xsync.NewMapOf[string, map[schema.ID32]struct{}](),
		byTagA:       xsync.NewMapOf[string, map[schema.ID32]struct{}](),
		byTagD:       xsync.NewMapOf[string, map[schema.ID32]struct{}](),
		profileByPub: xsync.NewMapOf[schema.ID32, schema.Event](),
		relaysByPub:  xsync.NewMapOf[schema.ID32, schema.Event](),
		paramReplace: xsync.NewMapOf[string, schema.Event](),
	}
	if persister != nil {
		if err := s.loadFromPersister(); err != nil {
			log.Warn("store: failed loading persisted snapshot", "error", err)
		}
	}
	return s
}

func (s *Store) loadFromPersister() error {
	data, err := s.persister.Load()
	if err != nil {
		return fmt.Errorf("store: load snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	s.buf.Restore(data)
	return s.rebuildIndexes()
}

// rebuildIndexes replays the persisted log through the indexer, since
// only the raw event bytes (not the indexes) are persisted.
func (s *Store) rebuildIndexes() error {
	offset := s.buf.headOffset
	for {
		data, ok := s.buf.Get(offset)
		if !ok {
			break
		}
		var e schema.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("store: decode persisted event at offset %d: %w", offset, err)
		}
		s.index(e, offset)
		offset += uint64(4 + len(data))
	}
	return nil
}

// AddEvent appends event to the log and updates every index, returning
// the event's stable global offset.
func (s *Store) AddEvent(event schema.Event) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, ok := s.buf.Add(data)
	if !ok {
		return 0, fmt.Errorf("store: event %s too large for store capacity", event.ID)
	}

	s.index(event, offset)

	s.pendingFlush++
	if s.persister != nil && s.pendingFlush >= persistEvery {
		if err := s.flush(); err != nil {
			s.log.Warn("store: flush failed", "error", err)
		}
		s.pendingFlush = 0
	}
	return offset, nil
}

func (s *Store) flush() error {
	return s.persister.Persist(s.buf.Snapshot())
}

func (s *Store) index(event schema.Event, offset uint64) {
	s.byID.Store(event.ID, offset)

	addToKind := func(k uint16) {
		set, _ := s.byKind.LoadOrCompute(k, func() map[schema.ID32]struct{} { return map[schema.ID32]struct{}{} })
		set[event.ID] = struct{}{}
	}
	addToKind(event.Kind)

	addToPub := func(k schema.ID32) {
		set, _ := s.byPubkey.LoadOrCompute(k, func() map[schema.ID32]struct{} { return map[schema.ID32]struct{}{} })
		set[event.ID] = struct{}{}
	}
	addToPub(event.Pubkey)

	addToTag := func(m *xsync.MapOf[string, map[schema.ID32]struct{}], vals []string) {
		for _, v := range vals {
			set, _ := m.LoadOrCompute(v, func() map[schema.ID32]struct{} { return map[schema.ID32]struct{}{} })
			set[event.ID] = struct{}{}
		}
	}
	addToTag(s.byTagE, event.Tags.Values("e"))
	addToTag(s.byTagP, event.Tags.Values("p"))
	addToTag(s.byTagA, event.Tags.Values("a"))
	addToTag(s.byTagD, event.Tags.Values("d"))

	switch {
	case event.Kind == 0:
		s.profileByPub.Store(event.Pubkey, event)
	case event.Kind == 10002:
		s.relaysByPub.Store(event.Pubkey, event)
	case schema.IsReplaceable(event.Kind):
		// generic replaceable: last-write-wins, keyed by (kind, pubkey);
		// folded into paramReplace with an empty d-tag for uniformity.
		s.paramReplace.Store(replaceKey(event.Kind, event.Pubkey, ""), event)
	case schema.IsParameterizedReplaceable(event.Kind):
		s.paramReplace.Store(replaceKey(event.Kind, event.Pubkey, event.DTag()), event)
	}
}

func replaceKey(kind uint16, pubkey schema.ID32, d string) string {
	return fmt.Sprintf("%d:%s:%s", kind, pubkey, d)
}

// GetEventAtOffset returns the event written at the given global offset,
// or false if it has since been evicted.
func (s *Store) GetEventAtOffset(offset uint64) (schema.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.buf.Get(offset)
	if !ok {
		return schema.Event{}, false
	}
	var e schema.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return schema.Event{}, false
	}
	return e, true
}

// EventByID returns the event with the given id, if it is still present
// in the log (i.e. has not been evicted since it was indexed).
func (s *Store) EventByID(id schema.ID32) (schema.Event, bool) {
	offset, ok := s.byID.Load(id)
	if !ok {
		return schema.Event{}, false
	}
	return s.GetEventAtOffset(offset)
}

// Profile returns the latest kind-0 event for pubkey, per the
// replaceable-index shortcut.
func (s *Store) Profile(pubkey schema.ID32) (schema.Event, bool) {
	return s.profileByPub.Load(pubkey)
}

// RelayList returns the latest kind-10002 event for pubkey.
func (s *Store) RelayList(pubkey schema.ID32) (schema.Event, bool) {
	return s.relaysByPub.Load(pubkey)
}

// Replaceable returns the latest replaceable/parameterized-replaceable
// event for (kind, pubkey, d).
func (s *Store) Replaceable(kind uint16, pubkey schema.ID32, d string) (schema.Event, bool) {
	return s.paramReplace.Load(replaceKey(kind, pubkey, d))
}

// idsByKind, idsByPubkey and idsByTag expose the secondary indexes' live
// id sets (not copies) to internal/store/query.go's scan path, which only
// reads them.
func (s *Store) idsByKind(k uint16) map[schema.ID32]struct{} {
	set, _ := s.byKind.Load(k)
	return set
}

func (s *Store) idsByPubkey(pk schema.ID32) map[schema.ID32]struct{} {
	set, _ := s.byPubkey.Load(pk)
	return set
}

func (s *Store) idsByTag(kind string, value string) map[schema.ID32]struct{} {
	var m *xsync.MapOf[string, map[schema.ID32]struct{}]
	switch kind {
	case "e":
		m = s.byTagE
	case "p":
		m = s.byTagP
	case "a":
		m = s.byTagA
	case "d":
		m = s.byTagD
	default:
		return nil
	}
	set, _ := m.Load(value)
	return set
}

// Scan walks the log front to back once, returning the stable global
// offset of every resident event.
func (s *Store) Scan() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.Scan()
}

// Clear empties the store and every index.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Clear()
	s.byID.Clear()
	s.byKind.Clear()
	s.byPubkey.Clear()
	s.byTagE.Clear()
	s.byTagP.Clear()
	s.byTagA.Clear()
	s.byTagD.Clear()
	s.profileByPub.Clear()
	s.relaysByPub.Clear()
	s.paramReplace.Clear()
	s.pendingFlush = 0
}
