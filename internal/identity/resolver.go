// Package identity resolves a source-platform display handle to a
// target-platform subscription tier. Resolution walks three caches in
// precedence order: explicit mappings, then the tier cache, then the
// auto-match cache. A resolved handle is terminal until a mapping change
// or an explicit cache clear.
package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/you/streamsync/internal/core"
)

// ErrNoMatch is the definitive "no such identity" answer from a lookup.
// Lookups return it (or wrap it) to distinguish a memoizable negative
// from a transient transport failure, which is never cached.
var ErrNoMatch = errors.New("identity: no match")

// State is the per-handle resolution state.
type State string

const (
	StateUnresolved State = "unresolved"
	StatePending    State = "pending"
	StateMapped     State = "mapped"
	StateAuto       State = "auto"
	StateNone       State = "none"
)

// Lookup is the upstream side of resolution. TierFor reports the tier of
// a target-platform handle (TierNone for a non-subscriber). AutoMatch
// attempts a best-effort handle match and returns ErrNoMatch when the
// upstream definitively knows no match exists.
type Lookup interface {
	TierFor(ctx context.Context, targetHandle string) (core.Tier, error)
	AutoMatch(ctx context.Context, sourceHandle string) (core.AutoMatch, error)
}

// Resolution is the outcome of resolving one source handle.
type Resolution struct {
	State        State     `json:"state"`
	SourceHandle string    `json:"source_handle"`
	TargetHandle string    `json:"target_handle,omitempty"`
	Tier         core.Tier `json:"tier,omitempty"`
}

type tierEntry struct {
	tier     core.Tier
	cachedAt time.Time
}

// Resolver owns the mapping, tier and auto-match caches. All methods are
// safe for concurrent use; concurrent resolutions of the same handle
// coalesce onto a single upstream call.
type Resolver struct {
	lookup  Lookup
	tierTTL time.Duration // 0 keeps tier entries until invalidated
	now     func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	mappings map[string]string
	tiers    map[string]tierEntry
	autos    map[string]core.AutoMatch
	pending  map[string]int
}

func NewResolver(lookup Lookup, tierTTL time.Duration) *Resolver {
	return &Resolver{
		lookup:   lookup,
		tierTTL:  tierTTL,
		now:      time.Now,
		mappings: make(map[string]string),
		tiers:    make(map[string]tierEntry),
		autos:    make(map[string]core.AutoMatch),
		pending:  make(map[string]int),
	}
}

// Resolve walks the handle through the cache hierarchy, issuing at most
// one upstream call per miss. A transport failure is returned to the
// caller and leaves the handle retryable; only a definitive no-match is
// memoized.
func (r *Resolver) Resolve(ctx context.Context, sourceHandle string) (Resolution, error) {
	source := normalize(sourceHandle)
	if source == "" {
		return Resolution{State: StateNone, SourceHandle: sourceHandle}, nil
	}

	r.mu.Lock()
	target, mapped := r.mappings[source]
	r.mu.Unlock()

	if mapped {
		// Track the flight so Peek reports pending while the tier
		// lookup is still out, same as the auto-match path.
		r.trackPending(source, 1)
		tier, err := r.tierOf(ctx, target)
		r.trackPending(source, -1)
		if err != nil {
			return Resolution{State: StatePending, SourceHandle: source, TargetHandle: target}, err
		}
		return Resolution{State: StateMapped, SourceHandle: source, TargetHandle: target, Tier: tier}, nil
	}

	r.mu.Lock()
	match, hit := r.autos[source]
	r.mu.Unlock()
	if hit {
		return resolutionFromMatch(source, match), nil
	}

	r.trackPending(source, 1)
	defer r.trackPending(source, -1)

	v, err, _ := r.group.Do("auto:"+source, func() (any, error) {
		// Another caller may have settled the handle while this one
		// queued on the flight group.
		r.mu.Lock()
		match, hit := r.autos[source]
		r.mu.Unlock()
		if hit {
			return match, nil
		}

		match, err := r.lookup.AutoMatch(ctx, source)
		if errors.Is(err, ErrNoMatch) {
			match = core.AutoMatch{Matched: false}
		} else if err != nil {
			return core.AutoMatch{}, err
		}
		if match.Matched {
			match.TargetHandle = normalize(match.TargetHandle)
		}

		r.mu.Lock()
		r.autos[source] = match
		if match.Matched && match.Tier != "" {
			r.tiers[match.TargetHandle] = tierEntry{tier: match.Tier, cachedAt: r.now()}
		}
		r.mu.Unlock()
		return match, nil
	})
	if err != nil {
		return Resolution{State: StatePending, SourceHandle: source}, errors.Wrapf(err, "auto-match %q", source)
	}
	return resolutionFromMatch(source, v.(core.AutoMatch)), nil
}

// tierOf resolves the tier of a target handle through the tier cache,
// coalescing concurrent misses.
func (r *Resolver) tierOf(ctx context.Context, target string) (core.Tier, error) {
	r.mu.Lock()
	entry, hit := r.tiers[target]
	fresh := hit && (r.tierTTL == 0 || r.now().Sub(entry.cachedAt) < r.tierTTL)
	r.mu.Unlock()
	if fresh {
		return entry.tier, nil
	}

	v, err, _ := r.group.Do("tier:"+target, func() (any, error) {
		tier, err := r.lookup.TierFor(ctx, target)
		if errors.Is(err, ErrNoMatch) {
			tier, err = core.TierNone, nil
		}
		if err != nil {
			return core.TierNone, err
		}
		r.mu.Lock()
		r.tiers[target] = tierEntry{tier: tier, cachedAt: r.now()}
		r.mu.Unlock()
		return tier, nil
	})
	if err != nil {
		return core.TierNone, errors.Wrapf(err, "tier lookup %q", target)
	}
	return v.(core.Tier), nil
}

// Peek reports the cached state of a handle without touching the
// network. An in-flight resolution reports StatePending.
func (r *Resolver) Peek(sourceHandle string) Resolution {
	source := normalize(sourceHandle)

	r.mu.Lock()
	defer r.mu.Unlock()

	if target, ok := r.mappings[source]; ok {
		res := Resolution{State: StateMapped, SourceHandle: source, TargetHandle: target}
		if entry, hit := r.tiers[target]; hit {
			res.Tier = entry.tier
		} else if r.pending[source] > 0 {
			res.State = StatePending
		}
		return res
	}
	if match, ok := r.autos[source]; ok {
		return resolutionFromMatch(source, match)
	}
	if r.pending[source] > 0 {
		return Resolution{State: StatePending, SourceHandle: source}
	}
	return Resolution{State: StateUnresolved, SourceHandle: source}
}

// SetMapping installs an explicit source→target mapping. The auto-match
// entry for the source and the tier entry for the target are dropped so
// the next resolution refetches against the new pairing.
func (r *Resolver) SetMapping(sourceHandle, targetHandle string) {
	source, target := normalize(sourceHandle), normalize(targetHandle)
	if source == "" || target == "" {
		return
	}
	r.mu.Lock()
	if prev, ok := r.mappings[source]; ok && prev != target {
		delete(r.tiers, prev)
	}
	r.mappings[source] = target
	delete(r.autos, source)
	delete(r.tiers, target)
	r.mu.Unlock()
}

// DeleteMapping removes an explicit mapping and drops the caches derived
// from it, returning the handle to unresolved.
func (r *Resolver) DeleteMapping(sourceHandle string) {
	source := normalize(sourceHandle)
	r.mu.Lock()
	if target, ok := r.mappings[source]; ok {
		delete(r.tiers, target)
	}
	delete(r.mappings, source)
	delete(r.autos, source)
	r.mu.Unlock()
}

// ReplaceMappings swaps in the authoritative mapping set from upstream.
// Handles whose target changed lose their derived cache entries; the
// rest keep theirs.
func (r *Resolver) ReplaceMappings(mappings map[string]string) {
	next := make(map[string]string, len(mappings))
	for s, t := range mappings {
		s, t = normalize(s), normalize(t)
		if s == "" || t == "" {
			continue
		}
		next[s] = t
	}

	r.mu.Lock()
	for source, target := range next {
		if prev, ok := r.mappings[source]; !ok || prev != target {
			delete(r.autos, source)
			delete(r.tiers, target)
		}
	}
	for source, target := range r.mappings {
		if _, kept := next[source]; !kept {
			delete(r.autos, source)
			delete(r.tiers, target)
		}
	}
	r.mappings = next
	r.mu.Unlock()
}

// Mappings returns a copy of the explicit mapping set.
func (r *Resolver) Mappings() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.mappings))
	for s, t := range r.mappings {
		out[s] = t
	}
	return out
}

// ClearCaches drops the tier and auto-match caches. Explicit mappings
// are operator data and survive.
func (r *Resolver) ClearCaches() {
	r.mu.Lock()
	r.tiers = make(map[string]tierEntry)
	r.autos = make(map[string]core.AutoMatch)
	r.mu.Unlock()
}

// CacheSizes reports (tier, auto-match) cache entry counts.
func (r *Resolver) CacheSizes() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tiers), len(r.autos)
}

func (r *Resolver) trackPending(source string, delta int) {
	r.mu.Lock()
	r.pending[source] += delta
	if r.pending[source] <= 0 {
		delete(r.pending, source)
	}
	r.mu.Unlock()
}

func resolutionFromMatch(source string, match core.AutoMatch) Resolution {
	if !match.Matched {
		return Resolution{State: StateNone, SourceHandle: source}
	}
	return Resolution{
		State:        StateAuto,
		SourceHandle: source,
		TargetHandle: match.TargetHandle,
		Tier:         match.Tier,
	}
}

func normalize(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
