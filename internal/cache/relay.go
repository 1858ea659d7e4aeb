package cache

import "github.com/nostrflow/engine/internal/schema"

// kind10002 is the relay-list-metadata kind (NIP-65).
const kind10002 = 10002

// resolveRequestRelays picks the relay candidates for a single remaining
// request: the request's own relay
// hints if given; else, for a kind-10002 lookup, the default relay list
// directly (looking up the author's own kind-10002 to find kind-10002
// would recurse); else the first author's known "read" relays, then the
// relays any of that author's events were seen on, then the default
// list. Always deduplicated and capped.
func (p *Planner) resolveRequestRelays(r schema.Request) []string {
	limit := p.maxRelays
	if r.MaxRelays > 0 {
		limit = r.MaxRelays
	}

	if len(r.Relays) > 0 {
		return dedupCap(r.Relays, limit)
	}

	if isOnlyKind(r, kind10002) {
		return dedupCap(p.defaultRelays, limit)
	}

	var author schema.ID32
	hasAuthor := len(r.Authors) > 0
	if hasAuthor {
		author = r.Authors[0]
	}

	var candidates []string
	if hasAuthor {
		candidates = p.authorRelayList(author)
		if len(candidates) == 0 {
			candidates = p.seenRelaysFor(author)
		}
	}
	if len(candidates) == 0 {
		candidates = p.defaultRelays
	}
	return dedupCap(candidates, limit)
}

func isOnlyKind(r schema.Request, kind uint16) bool {
	return len(r.Kinds) == 1 && r.Kinds[0] == kind
}
