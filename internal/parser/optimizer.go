// Package parser implements the subscription manager: the subscription
// registry, the bounded-concurrency permit set, the EOSE aggregation
// state machine, the host batch buffer, and the request-merge optimizer
// this file defines (group-by-relay -> merge-compatible ->
// split-oversized -> deduplicate-by-signature).
package parser

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/nostrflow/engine/internal/schema"
)

// Per-filter caps a merged request may not exceed.
const (
	maxAuthorsPerRequest = 100
	maxIDsPerRequest     = 100
	maxKindsPerRequest   = 20
)

// OptimizeRequests turns requests into a smaller equivalent batch: group
// by relay, merge compatible requests within a relay group, split any
// request that exceeds the per-filter caps, and deduplicate the
// result by canonical signature. Requests with NoOptimize set bypass this
// and are returned unchanged.
func OptimizeRequests(requests []schema.Request) []schema.Request {
	if len(requests) == 0 {
		return requests
	}

	var bypassed, toOptimize []schema.Request
	for _, r := range requests {
		if r.NoOptimize {
			bypassed = append(bypassed, r)
		} else {
			toOptimize = append(toOptimize, r)
		}
	}
	if len(toOptimize) == 0 {
		return bypassed
	}

	groups := groupByRelay(toOptimize)

	var optimized []schema.Request
	relayNames := make([]string, 0, len(groups))
	for relay := range groups {
		relayNames = append(relayNames, relay)
	}
	sort.Strings(relayNames) // deterministic iteration, not load-bearing for correctness

	for _, relay := range relayNames {
		merged := mergeCompatible(groups[relay])
		for i := range merged {
			if relay == "" {
				merged[i].Relays = nil
			} else {
				merged[i].Relays = []string{relay}
			}
		}
		optimized = append(optimized, merged...)
	}

	return deduplicateRequests(append(bypassed, optimized...))
}

// groupByRelay fans each request out to every relay it names. A request
// naming zero relays is kept as its own group under the empty-string key
// so the cache planner (which resolves relays when a request names none)
// still sees it.
func groupByRelay(requests []schema.Request) map[string][]schema.Request {
	groups := make(map[string][]schema.Request)
	for _, r := range requests {
		if len(r.Relays) == 0 {
			groups[""] = append(groups[""], r)
			continue
		}
		for _, relay := range r.Relays {
			groups[relay] = append(groups[relay], r)
		}
	}
	return groups
}

func mergeCompatible(requests []schema.Request) []schema.Request {
	if len(requests) <= 1 {
		return requests
	}

	var merged []schema.Request
	processed := make([]bool, len(requests))

	for i := range requests {
		if processed[i] {
			continue
		}
		base := requests[i].Clone()
		processed[i] = true

		for j := i + 1; j < len(requests); j++ {
			if processed[j] {
				continue
			}
			if areMergeable(base, requests[j]) {
				base = mergeTwo(base, requests[j])
				processed[j] = true
			}
		}

		merged = append(merged, splitOversized(base)...)
	}
	return merged
}

// areMergeable reports whether two requests share every fixed field and
// their unioned collections stay under the per-filter caps.
func areMergeable(a, b schema.Request) bool {
	if a.Since != b.Since || a.Until != b.Until || a.Limit != b.Limit {
		return false
	}
	if a.CloseOnEose != b.CloseOnEose || a.CacheFirst != b.CacheFirst || a.NoContext != b.NoContext || a.Count != b.Count {
		return false
	}
	if a.Search != "" || b.Search != "" {
		return a.Search == b.Search
	}
	totalAuthors := len(a.Authors) + len(b.Authors)
	totalIDs := len(a.IDs) + len(b.IDs)
	totalKinds := len(a.Kinds) + len(b.Kinds)
	if totalAuthors > maxAuthorsPerRequest || totalIDs > maxIDsPerRequest || totalKinds > maxKindsPerRequest {
		return false
	}
	return true
}

// mergeTwo unions a's and b's collection fields, keeping the larger
// limit.
func mergeTwo(a, b schema.Request) schema.Request {
	a.Authors = lo.Uniq(append(a.Authors, b.Authors...))
	a.IDs = lo.Uniq(append(a.IDs, b.IDs...))
	a.Kinds = lo.Uniq(append(a.Kinds, b.Kinds...))
	a.Relays = lo.Uniq(append(a.Relays, b.Relays...))

	if len(b.Tags) > 0 {
		if a.Tags == nil {
			a.Tags = make(map[string][]string, len(b.Tags))
		}
		for k, vals := range b.Tags {
			a.Tags[k] = lo.Uniq(append(a.Tags[k], vals...))
		}
	}

	if b.Limit > a.Limit {
		a.Limit = b.Limit
	}
	return a
}

// splitOversized chunks a request whose authors, ids or kinds exceed the
// per-filter cap (areMergeable never builds one, so only a request that
// arrived oversized gets here). The first oversized field, checked in that
// order, is chunked; every chunk keeps all the other fields, since a
// filter's ids/authors/kinds combination is an AND in NIP-01 and dropping
// one would widen what the chunk matches.
func splitOversized(r schema.Request) []schema.Request {
	if len(r.Authors) > maxAuthorsPerRequest {
		return chunkBy(r, r.Authors, maxAuthorsPerRequest, func(r *schema.Request, chunk []schema.ID32) {
			r.Authors = chunk
		})
	}
	if len(r.IDs) > maxIDsPerRequest {
		return chunkBy(r, r.IDs, maxIDsPerRequest, func(r *schema.Request, chunk []schema.ID32) {
			r.IDs = chunk
		})
	}
	if len(r.Kinds) > maxKindsPerRequest {
		return chunkKinds(r, r.Kinds, maxKindsPerRequest)
	}
	return []schema.Request{r}
}

func chunkBy(base schema.Request, items []schema.ID32, size int, apply func(*schema.Request, []schema.ID32)) []schema.Request {
	var out []schema.Request
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		r := base.Clone()
		apply(&r, append([]schema.ID32(nil), items[i:end]...))
		out = append(out, r)
	}
	return out
}

func chunkKinds(base schema.Request, kinds []uint16, size int) []schema.Request {
	var out []schema.Request
	for i := 0; i < len(kinds); i += size {
		end := i + size
		if end > len(kinds) {
			end = len(kinds)
		}
		r := base.Clone()
		r.Kinds = append([]uint16(nil), kinds[i:end]...)
		out = append(out, r)
	}
	return out
}

// deduplicateRequests drops requests with an identical canonical
// signature.
func deduplicateRequests(requests []schema.Request) []schema.Request {
	seen := make(map[string]struct{}, len(requests))
	out := make([]schema.Request, 0, len(requests))
	for _, r := range requests {
		sig := requestSignature(r)
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, r)
	}
	return out
}

// requestSignature canonicalizes a request: sort every collection field
// and join into one delimited string.
func requestSignature(r schema.Request) string {
	authors := sortedHex(r.Authors)
	ids := sortedHex(r.IDs)
	kinds := sortedKinds(r.Kinds)
	relays := append([]string(nil), r.Relays...)
	sort.Strings(relays)

	tagKeys := make([]string, 0, len(r.Tags))
	for k := range r.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	var tagParts []string
	for _, k := range tagKeys {
		vals := append([]string(nil), r.Tags[k]...)
		sort.Strings(vals)
		tagParts = append(tagParts, k+"="+strings.Join(vals, ","))
	}

	return fmt.Sprintf("%s:%s:%s:%s:%d:%d:%d:%s:%s:%t:%t:%t",
		strings.Join(authors, ","),
		strings.Join(ids, ","),
		strings.Join(kinds, ","),
		strings.Join(tagParts, ";"),
		r.Since, r.Until, r.Limit, r.Search,
		strings.Join(relays, ","),
		r.CloseOnEose, r.CacheFirst, r.NoContext,
	)
}

func sortedHex(ids []schema.ID32) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	sort.Strings(out)
	return out
}

func sortedKinds(kinds []uint16) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = strconv.FormatUint(uint64(k), 10)
	}
	sort.Strings(out)
	return out
}
