package store

import (
	"sort"
	"strings"

	"github.com/nostrflow/engine/internal/schema"
)

// Query answers req against the local store. A request with Limit == 1,
// no Since/Until/Search, and exactly one author plus exactly one kind that
// is replaceable or parameterized-replaceable (0 and 10002 included) is
// answered directly from the replaceable/profile/relay-list index; every
// other request goes through index intersection and an in-memory scan.
func (s *Store) Query(req schema.Request) []schema.Event {
	if ev, ok := s.queryReplaceableShortcut(req); ok {
		return ev
	}
	return s.scan(req)
}

func (s *Store) queryReplaceableShortcut(req schema.Request) ([]schema.Event, bool) {
	if req.Limit != 1 || req.Since != 0 || req.Until != 0 || req.Search != "" {
		return nil, false
	}
	if len(req.Authors) != 1 || len(req.Kinds) != 1 {
		return nil, false
	}
	kind, author := req.Kinds[0], req.Authors[0]

	var (
		ev schema.Event
		ok bool
	)
	switch {
	case kind == 0:
		ev, ok = s.Profile(author)
	case kind == 10002:
		ev, ok = s.RelayList(author)
	case schema.IsReplaceable(kind) || schema.IsParameterizedReplaceable(kind):
		d := ""
		if vals, found := req.Tags["d"]; found && len(vals) > 0 {
			d = vals[0]
		}
		ev, ok = s.Replaceable(kind, author, d)
	default:
		return nil, false
	}
	if !ok {
		return nil, true // shortcut applies, store has no match -> empty result
	}
	return []schema.Event{ev}, true
}

// scan answers any other request via index intersection followed by a
// bounded full read of the candidate set.
func (s *Store) scan(req schema.Request) []schema.Event {
	sets := make([]map[schema.ID32]struct{}, 0, 8)

	if len(req.Kinds) > 0 {
		union := map[schema.ID32]struct{}{}
		for _, k := range req.Kinds {
			for id := range s.idsByKind(k) {
				union[id] = struct{}{}
			}
		}
		sets = append(sets, union)
	}
	if len(req.Authors) > 0 {
		union := map[schema.ID32]struct{}{}
		for _, a := range req.Authors {
			for id := range s.idsByPubkey(a) {
				union[id] = struct{}{}
			}
		}
		sets = append(sets, union)
	}
	for tagKind, vals := range req.Tags {
		union := map[schema.ID32]struct{}{}
		for _, v := range vals {
			for id := range s.idsByTag(tagKind, v) {
				union[id] = struct{}{}
			}
		}
		sets = append(sets, union)
	}
	if len(req.IDs) > 0 {
		union := map[schema.ID32]struct{}{}
		for _, id := range req.IDs {
			union[id] = struct{}{}
		}
		sets = append(sets, union)
	}

	var candidates map[schema.ID32]struct{}
	if len(sets) == 0 {
		// No constraint narrows the search: every known id is a candidate.
		candidates = map[schema.ID32]struct{}{}
		s.byID.Range(func(id schema.ID32, _ uint64) bool {
			candidates[id] = struct{}{}
			return true
		})
	} else {
		candidates = intersect(sets)
	}

	events := make([]schema.Event, 0, len(candidates))
	for id := range candidates {
		ev, ok := s.EventByID(id)
		if !ok {
			continue
		}
		if !matches(ev, req) {
			continue
		}
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt > events[j].CreatedAt })

	if req.Limit > 0 && len(events) > req.Limit {
		events = events[:req.Limit]
	}
	return events
}

func intersect(sets []map[schema.ID32]struct{}) map[schema.ID32]struct{} {
	if len(sets) == 1 {
		return sets[0]
	}
	smallest := sets[0]
	for _, s := range sets[1:] {
		if len(s) < len(smallest) {
			smallest = s
		}
	}
	result := map[schema.ID32]struct{}{}
	for id := range smallest {
		inAll := true
		for _, s := range sets {
			if _, ok := s[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result[id] = struct{}{}
		}
	}
	return result
}

func matches(ev schema.Event, req schema.Request) bool {
	if req.Since != 0 && ev.CreatedAt < req.Since {
		return false
	}
	if req.Until != 0 && ev.CreatedAt > req.Until {
		return false
	}
	if req.Search != "" && !strings.Contains(strings.ToLower(ev.Content), strings.ToLower(req.Search)) {
		return false
	}
	return true
}
