package predictions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"forecast-mcp/internal/simulation"
	"forecast-mcp/internal/workitems"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveLookup(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

func (o *countingObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}

var payKey = Key{ProjectID: "PAY", TargetID: "PAY-12", TargetType: workitems.Issue}

func newTestStore(t *testing.T, clock *fakeClock, dir string) *Store {
	t.Helper()
	s, err := New(Config{Size: 16, TTL: 24 * time.Hour, Clock: clock.Now, SnapshotDir: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// stamped returns a compute func whose results carry the clock time and a call count.
func stamped(clock *fakeClock, calls *atomic.Int32) ComputeFunc {
	return func(ctx context.Context) (simulation.PredictionResult, error) {
		n := calls.Add(1)
		return simulation.PredictionResult{
			ProjectID:   payKey.ProjectID,
			TargetID:    payKey.TargetID,
			TargetType:  payKey.TargetType,
			TrialCount:  int(n),
			GeneratedAt: clock.Now(),
		}, nil
	}
}

func TestStore_FreshnessWindow(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock, "")

	s.Put(payKey, simulation.PredictionResult{TargetID: "PAY-12"}, 0)
	if _, ok := s.Get(payKey); !ok {
		t.Fatal("Expected fresh entry right after Put")
	}

	clock.Advance(23 * time.Hour)
	if _, ok := s.Get(payKey); !ok {
		t.Error("Expected entry to still be fresh inside the window")
	}

	clock.Advance(2 * time.Hour)
	if _, ok := s.Get(payKey); ok {
		t.Error("Expected entry to be stale after the window")
	}
	if _, ok := s.Peek(payKey); !ok {
		t.Error("Expected Peek to return the stale entry")
	}
}

func TestGetOrCompute_IdempotentWithinWindow(t *testing.T) {
	clock := newClock()
	obs := &countingObserver{}
	s, err := New(Config{TTL: time.Hour, Clock: clock.Now, Observer: obs})
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	first, err := s.GetOrCompute(context.Background(), payKey, Options{}, stamped(clock, &calls))
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)
	second, err := s.GetOrCompute(context.Background(), payKey, Options{}, stamped(clock, &calls))
	if err != nil {
		t.Fatal(err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected one computation, got %d", calls.Load())
	}
	if !second.Cached || !second.Result.GeneratedAt.Equal(first.Result.GeneratedAt) {
		t.Errorf("Expected identical cached result, got cached=%v %v vs %v", second.Cached, second.Result.GeneratedAt, first.Result.GeneratedAt)
	}
	if obs.count(OutcomeMiss) != 1 || obs.count(OutcomeHit) != 1 {
		t.Errorf("Unexpected outcomes %v", obs.outcomes)
	}
}

func TestGetOrCompute_ForceRefreshWritesBack(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock, "")

	var calls atomic.Int32
	first, _ := s.GetOrCompute(context.Background(), payKey, Options{}, stamped(clock, &calls))
	clock.Advance(time.Minute)
	forced, err := s.GetOrCompute(context.Background(), payKey, Options{Force: true}, stamped(clock, &calls))
	if err != nil {
		t.Fatal(err)
	}

	if calls.Load() != 2 || forced.Cached {
		t.Fatalf("Expected forced recomputation, calls=%d cached=%v", calls.Load(), forced.Cached)
	}
	if !forced.Result.GeneratedAt.After(first.Result.GeneratedAt) {
		t.Errorf("Expected newer result after force refresh")
	}

	stored, ok := s.Get(payKey)
	if !ok || !stored.Result.GeneratedAt.Equal(forced.Result.GeneratedAt) {
		t.Errorf("Expected forced result to be written back, got %+v", stored)
	}
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock, "")

	joined := make(chan struct{}, 2)
	s.onWait = func(Key) { joined <- struct{}{} }

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (simulation.PredictionResult, error) {
		calls.Add(1)
		<-release
		return simulation.PredictionResult{TargetID: payKey.TargetID, GeneratedAt: clock.Now()}, nil
	}

	type outcome struct {
		lookup Lookup
		err    error
	}
	results := make(chan outcome, 2)
	call := func() {
		l, err := s.GetOrCompute(context.Background(), payKey, Options{}, compute)
		results <- outcome{l, err}
	}

	go call()
	<-joined
	go call()
	<-joined
	close(release)

	a, b := <-results, <-results
	if a.err != nil || b.err != nil {
		t.Fatalf("Unexpected errors: %v, %v", a.err, b.err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("Expected exactly one simulation, got %d", n)
	}
	if !a.lookup.Result.GeneratedAt.Equal(b.lookup.Result.GeneratedAt) {
		t.Errorf("Expected both callers to receive the same result")
	}
	if !a.lookup.Shared || !b.lookup.Shared {
		t.Errorf("Expected both results marked shared")
	}
}

func TestGetOrCompute_WaiterCancellationDoesNotAbortComputation(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock, "")

	release := make(chan struct{})
	done := make(chan struct{})
	compute := func(ctx context.Context) (simulation.PredictionResult, error) {
		defer close(done)
		<-release
		if ctx.Err() != nil {
			t.Errorf("Computation context was cancelled with the caller")
		}
		return simulation.PredictionResult{TargetID: payKey.TargetID}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.onWait = func(Key) { cancel() }

	_, err := s.GetOrCompute(ctx, payKey, Options{}, compute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled for the waiter, got %v", err)
	}

	close(release)
	<-done
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := s.Get(payKey); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Detached computation never stored its result")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGetOrCompute_StaleFallbackOnUpstreamFailure(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock, "")

	var calls atomic.Int32
	original, _ := s.GetOrCompute(context.Background(), payKey, Options{}, stamped(clock, &calls))

	clock.Advance(48 * time.Hour)
	upstream := func(ctx context.Context) (simulation.PredictionResult, error) {
		return simulation.PredictionResult{}, workitems.Unavailable("work item", context.DeadlineExceeded)
	}

	got, err := s.GetOrCompute(context.Background(), payKey, Options{}, upstream)
	if err != nil {
		t.Fatalf("Expected stale fallback, got error %v", err)
	}
	if !got.Stale || !got.Result.GeneratedAt.Equal(original.Result.GeneratedAt) {
		t.Errorf("Expected stale copy of the original result, got %+v", got)
	}

	// Computation errors are not masked by the cache.
	broken := func(ctx context.Context) (simulation.PredictionResult, error) {
		return simulation.PredictionResult{}, &simulation.InsufficientDataError{Reason: "negative"}
	}
	if _, err := s.GetOrCompute(context.Background(), payKey, Options{Force: true}, broken); err == nil {
		t.Error("Expected InsufficientDataError to propagate")
	}

	other := Key{ProjectID: "PAY", TargetID: "S-7", TargetType: workitems.Sprint}
	if _, err := s.GetOrCompute(context.Background(), other, Options{}, upstream); !workitems.IsUpstreamUnavailable(err) {
		t.Errorf("Expected upstream error without a cached value, got %v", err)
	}
}

func TestStore_Invalidate(t *testing.T) {
	clock := newClock()
	s := newTestStore(t, clock, "")
	ctx := context.Background()

	var calls atomic.Int32
	keys := []struct {
		key  Key
		user string
	}{
		{payKey, "alice"},
		{Key{ProjectID: "PAY", TargetID: "S-7", TargetType: workitems.Sprint}, "bob"},
		{Key{ProjectID: "OPS", TargetID: "O-1", TargetType: workitems.Issue}, "alice"},
	}
	for _, k := range keys {
		if _, err := s.GetOrCompute(ctx, k.key, Options{RequestedBy: k.user}, stamped(clock, &calls)); err != nil {
			t.Fatal(err)
		}
	}

	if n, err := s.Invalidate(Scope{UserID: "alice"}); err != nil || n != 2 {
		t.Errorf("Expected 2 entries for alice, got %d (%v)", n, err)
	}
	if n, _ := s.Invalidate(Scope{ProjectID: "PAY"}); n != 1 {
		t.Errorf("Expected 1 remaining PAY entry, got %d", n)
	}
	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d", s.Len())
	}
	if _, err := s.Invalidate(Scope{}); !errors.Is(err, ErrEmptyScope) {
		t.Errorf("Expected ErrEmptyScope, got %v", err)
	}
}

func TestStore_SnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()

	first := newTestStore(t, clock, dir)
	var calls atomic.Int32
	stored, err := first.GetOrCompute(context.Background(), payKey, Options{RequestedBy: "alice"}, stamped(clock, &calls))
	if err != nil {
		t.Fatal(err)
	}

	restarted := newTestStore(t, clock, dir)
	got, ok := restarted.Get(payKey)
	if !ok {
		t.Fatal("Expected snapshot to warm the restarted store")
	}
	if !got.Result.GeneratedAt.Equal(stored.Result.GeneratedAt) || got.RequestedBy != "alice" {
		t.Errorf("Unexpected warmed entry %+v", got)
	}

	if _, err := restarted.Invalidate(Scope{ProjectID: "PAY"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(restarted.snapshots.path("PAY")); !os.IsNotExist(err) {
		t.Errorf("Expected snapshot removed after invalidation, stat err %v", err)
	}

	empty := newTestStore(t, clock, dir)
	if _, ok := empty.Peek(payKey); ok {
		t.Error("Expected no entries after invalidation")
	}
}

func TestStore_SnapshotFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	blocker := dir + "/file"
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The snapshot dir is a regular file, so every write fails.
	s := newTestStore(t, newClock(), blocker)
	s.Put(payKey, simulation.PredictionResult{TargetID: "PAY-12"}, 0)
	if _, ok := s.Get(payKey); !ok {
		t.Error("Expected the entry to be cached despite the snapshot failure")
	}
}

func TestStore_ConcurrentPutsKeepEverySnapshotEntry(t *testing.T) {
	dir := t.TempDir()
	clock := newClock()
	s, err := New(Config{Size: 64, TTL: time.Hour, Clock: clock.Now, SnapshotDir: dir})
	if err != nil {
		t.Fatal(err)
	}

	keys := make([]Key, 40)
	var wg sync.WaitGroup
	for i := range keys {
		keys[i] = Key{ProjectID: "PAY", TargetID: fmt.Sprintf("PAY-%d", i), TargetType: workitems.Issue}
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			s.Put(k, simulation.PredictionResult{ProjectID: k.ProjectID, TargetID: k.TargetID}, 0)
		}(keys[i])
	}
	wg.Wait()

	restarted, err := New(Config{Size: 64, TTL: time.Hour, Clock: clock.Now, SnapshotDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if _, ok := restarted.Peek(k); !ok {
			t.Errorf("Expected %s in the snapshot", k)
		}
	}
}

func TestSnapshotter_CoalescesConcurrentUpdates(t *testing.T) {
	snap := newSnapshotter(t.TempDir())

	var collects atomic.Int32
	inside := make(chan struct{})
	release := make(chan struct{})
	collect := func() []Entry {
		if collects.Add(1) == 1 {
			close(inside)
			<-release
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		snap.schedule("PAY", collect)
	}()
	<-inside

	// The running writer owns the project, so these return without saving.
	for i := 0; i < 20; i++ {
		snap.schedule("PAY", collect)
	}
	close(release)
	<-done

	if n := collects.Load(); n != 2 {
		t.Errorf("Expected one extra pass for 20 queued updates, got %d collects", n)
	}
}
