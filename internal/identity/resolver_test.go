package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/streamsync/internal/core"
)

type fakeLookup struct {
	mu        sync.Mutex
	tierCalls map[string]int
	autoCalls map[string]int

	tiers   map[string]core.Tier
	matches map[string]core.AutoMatch
	autoErr error

	gate    chan struct{} // when set, AutoMatch blocks until closed
	started chan struct{} // signalled once when AutoMatch is entered
	once    sync.Once

	tierGate    chan struct{} // when set, TierFor blocks until closed
	tierStarted chan struct{} // signalled once when TierFor is entered
	tierOnce    sync.Once
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		tierCalls: map[string]int{},
		autoCalls: map[string]int{},
		tiers:     map[string]core.Tier{},
		matches:   map[string]core.AutoMatch{},
	}
}

func (f *fakeLookup) TierFor(_ context.Context, target string) (core.Tier, error) {
	f.mu.Lock()
	f.tierCalls[target]++
	tier, ok := f.tiers[target]
	gate := f.tierGate
	started := f.tierStarted
	f.mu.Unlock()

	if started != nil {
		f.tierOnce.Do(func() { close(started) })
	}
	if gate != nil {
		<-gate
	}
	if !ok {
		return core.TierNone, nil
	}
	return tier, nil
}

func (f *fakeLookup) AutoMatch(_ context.Context, source string) (core.AutoMatch, error) {
	f.mu.Lock()
	f.autoCalls[source]++
	err := f.autoErr
	match, ok := f.matches[source]
	gate := f.gate
	started := f.started
	f.mu.Unlock()

	if started != nil {
		f.once.Do(func() { close(started) })
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return core.AutoMatch{}, err
	}
	if !ok {
		return core.AutoMatch{}, ErrNoMatch
	}
	return match, nil
}

func (f *fakeLookup) calls(m map[string]int, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[key]
}

func TestMappingPrecedesAutoMatch(t *testing.T) {
	lk := newFakeLookup()
	lk.tiers["tw_alice"] = core.Tier2
	// An auto-match exists too and would give a different answer.
	lk.matches["alice"] = core.AutoMatch{Matched: true, TargetHandle: "wrong", Tier: core.Tier1}

	r := NewResolver(lk, 0)
	r.SetMapping("Alice", "TW_Alice")

	res, err := r.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.State != StateMapped || res.TargetHandle != "tw_alice" || res.Tier != core.Tier2 {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if n := lk.calls(lk.autoCalls, "alice"); n != 0 {
		t.Fatalf("mapping must short-circuit auto-match, saw %d calls", n)
	}
}

func TestAutoMatchCachedAfterFirstLookup(t *testing.T) {
	lk := newFakeLookup()
	lk.matches["bob"] = core.AutoMatch{Matched: true, TargetHandle: "tw_bob", Tier: core.Tier1}

	r := NewResolver(lk, 0)
	for i := 0; i < 3; i++ {
		res, err := r.Resolve(context.Background(), "bob")
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if res.State != StateAuto || res.TargetHandle != "tw_bob" || res.Tier != core.Tier1 {
			t.Fatalf("resolve %d: unexpected resolution: %+v", i, res)
		}
	}
	if n := lk.calls(lk.autoCalls, "bob"); n != 1 {
		t.Fatalf("expected one auto-match call, saw %d", n)
	}
}

func TestNoMatchIsMemoized(t *testing.T) {
	lk := newFakeLookup() // fake answers ErrNoMatch for unknown handles

	r := NewResolver(lk, 0)
	first, err := r.Resolve(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.State != StateNone {
		t.Fatalf("expected StateNone, got %+v", first)
	}

	second, err := r.Resolve(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.State != StateNone {
		t.Fatalf("expected StateNone, got %+v", second)
	}
	if n := lk.calls(lk.autoCalls, "ghost"); n != 1 {
		t.Fatalf("negative result must short-circuit lookups, saw %d calls", n)
	}
}

func TestTransientFailureStaysRetryable(t *testing.T) {
	lk := newFakeLookup()
	lk.autoErr = errors.New("upstream unreachable")

	r := NewResolver(lk, 0)
	res, err := r.Resolve(context.Background(), "carol")
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if res.State != StatePending {
		t.Fatalf("transient failure must leave handle pending, got %+v", res)
	}

	lk.mu.Lock()
	lk.autoErr = nil
	lk.matches["carol"] = core.AutoMatch{Matched: true, TargetHandle: "tw_carol", Tier: core.Tier3}
	lk.mu.Unlock()

	res, err = r.Resolve(context.Background(), "carol")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.State != StateAuto || res.Tier != core.Tier3 {
		t.Fatalf("retry did not re-issue the lookup: %+v", res)
	}
	if n := lk.calls(lk.autoCalls, "carol"); n != 2 {
		t.Fatalf("expected two auto-match calls, saw %d", n)
	}
}

func TestConcurrentResolutionsCoalesce(t *testing.T) {
	lk := newFakeLookup()
	lk.matches["dave"] = core.AutoMatch{Matched: true, TargetHandle: "tw_dave", Tier: core.Tier1}
	lk.gate = make(chan struct{})
	lk.started = make(chan struct{})

	r := NewResolver(lk, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), "dave")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			if res.State != StateAuto || res.TargetHandle != "tw_dave" {
				t.Errorf("unexpected resolution: %+v", res)
			}
		}()
	}

	<-lk.started
	close(lk.gate)
	wg.Wait()

	if n := lk.calls(lk.autoCalls, "dave"); n != 1 {
		t.Fatalf("concurrent resolutions must share one flight, saw %d calls", n)
	}
}

func TestPeekReportsPendingDuringFlight(t *testing.T) {
	lk := newFakeLookup()
	lk.matches["erin"] = core.AutoMatch{Matched: true, TargetHandle: "tw_erin", Tier: core.Tier1}
	lk.gate = make(chan struct{})
	lk.started = make(chan struct{})

	r := NewResolver(lk, 0)
	if got := r.Peek("erin").State; got != StateUnresolved {
		t.Fatalf("expected unresolved before first touch, got %s", got)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Resolve(context.Background(), "erin"); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}()

	<-lk.started
	if got := r.Peek("erin").State; got != StatePending {
		t.Fatalf("expected pending while flight is open, got %s", got)
	}

	close(lk.gate)
	<-done
	if got := r.Peek("erin").State; got != StateAuto {
		t.Fatalf("expected auto after flight settles, got %s", got)
	}
}

func TestPeekMappedHandleIsPendingDuringTierFlight(t *testing.T) {
	lk := newFakeLookup()
	lk.tiers["tw_walt"] = core.Tier2
	lk.tierGate = make(chan struct{})
	lk.tierStarted = make(chan struct{})

	r := NewResolver(lk, 0)
	r.SetMapping("walt", "tw_walt")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Resolve(context.Background(), "walt"); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}()

	<-lk.tierStarted
	if got := r.Peek("walt").State; got != StatePending {
		t.Fatalf("expected pending while tier lookup is in flight, got %s", got)
	}

	close(lk.tierGate)
	<-done
	res := r.Peek("walt")
	if res.State != StateMapped || res.Tier != core.Tier2 {
		t.Fatalf("expected settled mapped resolution, got %+v", res)
	}
}

func TestSetMappingInvalidatesDerivedCaches(t *testing.T) {
	lk := newFakeLookup()
	lk.matches["frank"] = core.AutoMatch{Matched: true, TargetHandle: "tw_old", Tier: core.Tier1}
	lk.tiers["tw_frank"] = core.Tier3

	r := NewResolver(lk, 0)
	if res, _ := r.Resolve(context.Background(), "frank"); res.State != StateAuto {
		t.Fatalf("expected auto-match first: %+v", res)
	}

	r.SetMapping("frank", "tw_frank")
	res, err := r.Resolve(context.Background(), "frank")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.State != StateMapped || res.TargetHandle != "tw_frank" || res.Tier != core.Tier3 {
		t.Fatalf("mapping did not take precedence: %+v", res)
	}
}

func TestDeleteMappingReturnsHandleToUnresolved(t *testing.T) {
	lk := newFakeLookup()
	lk.tiers["tw_gina"] = core.Tier2

	r := NewResolver(lk, 0)
	r.SetMapping("gina", "tw_gina")
	if _, err := r.Resolve(context.Background(), "gina"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	r.DeleteMapping("gina")
	if got := r.Peek("gina").State; got != StateUnresolved {
		t.Fatalf("expected unresolved after mapping delete, got %s", got)
	}
}

func TestReplaceMappingsKeepsUnchangedEntries(t *testing.T) {
	lk := newFakeLookup()
	lk.tiers["tw_a"] = core.Tier1
	lk.tiers["tw_b"] = core.Tier2

	r := NewResolver(lk, 0)
	r.ReplaceMappings(map[string]string{"a": "tw_a", "b": "tw_b"})
	if _, err := r.Resolve(context.Background(), "a"); err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "b"); err != nil {
		t.Fatalf("resolve b: %v", err)
	}

	// b is re-pointed, a is untouched.
	r.ReplaceMappings(map[string]string{"a": "tw_a", "b": "tw_b2"})
	if _, err := r.Resolve(context.Background(), "a"); err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	if n := lk.calls(lk.tierCalls, "tw_a"); n != 1 {
		t.Fatalf("unchanged mapping must keep its tier entry, saw %d calls", n)
	}

	if _, err := r.Resolve(context.Background(), "b"); err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if n := lk.calls(lk.tierCalls, "tw_b2"); n != 1 {
		t.Fatalf("re-pointed mapping must refetch its tier, saw %d calls", n)
	}
}

func TestClearCachesKeepsMappings(t *testing.T) {
	lk := newFakeLookup()
	lk.tiers["tw_hank"] = core.Tier1
	lk.matches["ivy"] = core.AutoMatch{Matched: true, TargetHandle: "tw_ivy", Tier: core.Tier1}

	r := NewResolver(lk, 0)
	r.SetMapping("hank", "tw_hank")
	if _, err := r.Resolve(context.Background(), "hank"); err != nil {
		t.Fatalf("resolve hank: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "ivy"); err != nil {
		t.Fatalf("resolve ivy: %v", err)
	}

	r.ClearCaches()
	tiers, autos := r.CacheSizes()
	if tiers != 0 || autos != 0 {
		t.Fatalf("expected empty caches, got %d/%d", tiers, autos)
	}
	if len(r.Mappings()) != 1 {
		t.Fatalf("mappings must survive a cache clear: %v", r.Mappings())
	}

	// Next resolution refetches and lands on the mapping again.
	res, err := r.Resolve(context.Background(), "hank")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.State != StateMapped || res.Tier != core.Tier1 {
		t.Fatalf("unexpected resolution after clear: %+v", res)
	}
	if n := lk.calls(lk.tierCalls, "tw_hank"); n != 2 {
		t.Fatalf("expected tier refetch after clear, saw %d calls", n)
	}
}

func TestTierCacheTTLExpiry(t *testing.T) {
	lk := newFakeLookup()
	lk.tiers["tw_judy"] = core.Tier2

	r := NewResolver(lk, time.Hour)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.SetMapping("judy", "tw_judy")
	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), "judy"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if n := lk.calls(lk.tierCalls, "tw_judy"); n != 1 {
		t.Fatalf("entry inside TTL must not refetch, saw %d calls", n)
	}

	r.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := r.Resolve(context.Background(), "judy"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n := lk.calls(lk.tierCalls, "tw_judy"); n != 2 {
		t.Fatalf("expired entry must refetch, saw %d calls", n)
	}
}
