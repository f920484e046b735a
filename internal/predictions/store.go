// Package predictions caches forecasts per (project, target, target type)
// with a freshness window, single-flight recomputation and stale fallback.
package predictions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"forecast-mcp/internal/simulation"
	"forecast-mcp/internal/workitems"
)

// DefaultSize is the LRU capacity used when Config.Size is unset.
const DefaultSize = 4096

// ErrEmptyScope is returned by Invalidate when neither project nor user is given.
var ErrEmptyScope = errors.New("invalidation scope needs a project or a user")

// Lookup outcomes reported to an Observer.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeRefresh = "refresh"
	OutcomeShared  = "shared"
	OutcomeStale   = "stale"
	OutcomeError   = "error"
)

// Key identifies a cached prediction.
type Key struct {
	ProjectID  string               `json:"project_id"`
	TargetID   string               `json:"target_id"`
	TargetType workitems.TargetType `json:"target_type"`
}

func (k Key) String() string {
	return k.ProjectID + "/" + string(k.TargetType) + "/" + k.TargetID
}

// Entry is a stored prediction.
type Entry struct {
	Key         Key                         `json:"key"`
	Result      simulation.PredictionResult `json:"result"`
	StoredAt    time.Time                   `json:"stored_at"`
	ExpiresAt   time.Time                   `json:"expires_at"`
	RequestedBy string                      `json:"requested_by,omitempty"`
}

// FreshAt reports whether the entry may be served without recomputation.
func (e Entry) FreshAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Lookup is what GetOrCompute hands back.
type Lookup struct {
	Entry
	Cached bool `json:"cached"`
	Stale  bool `json:"stale"`
	Shared bool `json:"shared"`
}

// Scope selects entries to invalidate. Set fields must all match.
type Scope struct {
	ProjectID string
	UserID    string
}

// Options tune GetOrCompute.
type Options struct {
	Force       bool
	RequestedBy string
	TTL         time.Duration
}

// ComputeFunc produces a fresh prediction. It runs detached from the
// caller's cancellation and must bound its own blocking calls.
type ComputeFunc func(ctx context.Context) (simulation.PredictionResult, error)

// Observer receives one outcome per GetOrCompute call.
type Observer interface {
	ObserveLookup(outcome string)
}

// Config configures a Store.
type Config struct {
	Size        int
	TTL         time.Duration
	SnapshotDir string
	Clock       func() time.Time
	Observer    Observer
}

// Store is a bounded, thread-safe prediction cache.
type Store struct {
	cache  *lru.Cache[Key, Entry]
	flight singleflight.Group
	ttl    time.Duration
	now    func() time.Time
	obs    Observer

	snapshots *snapshotter

	mu     sync.Mutex
	warmed map[string]bool

	// onWait runs after a caller has joined (or started) a computation.
	onWait func(Key)
}

func New(cfg Config) (*Store, error) {
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[Key, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction cache: %w", err)
	}

	s := &Store{
		cache:  cache,
		ttl:    cfg.TTL,
		now:    cfg.Clock,
		obs:    cfg.Observer,
		warmed: make(map[string]bool),
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.SnapshotDir != "" {
		s.snapshots = newSnapshotter(cfg.SnapshotDir)
	}
	return s, nil
}

// Get returns the entry for key only while it is fresh.
func (s *Store) Get(key Key) (Entry, bool) {
	s.warm(key.ProjectID)
	e, ok := s.cache.Get(key)
	if !ok || !e.FreshAt(s.now()) {
		return Entry{}, false
	}
	return e, true
}

// Peek returns the entry for key regardless of freshness.
func (s *Store) Peek(key Key) (Entry, bool) {
	s.warm(key.ProjectID)
	return s.cache.Peek(key)
}

// Put stores result under key for ttl (the store default when ttl <= 0).
func (s *Store) Put(key Key, result simulation.PredictionResult, ttl time.Duration) Entry {
	return s.put(key, result, ttl, "")
}

func (s *Store) put(key Key, result simulation.PredictionResult, ttl time.Duration, requestedBy string) Entry {
	s.warm(key.ProjectID)
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	e := Entry{
		Key:         key,
		Result:      result,
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
		RequestedBy: requestedBy,
	}
	s.cache.Add(key, e)
	s.persist(key.ProjectID)
	return e
}

// Invalidate drops every entry matching scope and returns how many were removed.
func (s *Store) Invalidate(scope Scope) (int, error) {
	if scope.ProjectID == "" && scope.UserID == "" {
		return 0, ErrEmptyScope
	}
	if scope.ProjectID != "" {
		s.warm(scope.ProjectID)
	}

	touched := map[string]bool{}
	removed := 0
	for _, k := range s.cache.Keys() {
		e, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		if scope.ProjectID != "" && k.ProjectID != scope.ProjectID {
			continue
		}
		if scope.UserID != "" && e.RequestedBy != scope.UserID {
			continue
		}
		if s.cache.Remove(k) {
			removed++
			touched[k.ProjectID] = true
		}
	}
	for p := range touched {
		s.persist(p)
	}

	log.Info().Str("project", scope.ProjectID).Str("user", scope.UserID).Int("removed", removed).Msg("Invalidated predictions")
	return removed, nil
}

// Len returns the number of cached entries, fresh or not.
func (s *Store) Len() int { return s.cache.Len() }

// GetOrCompute serves a fresh entry, or runs compute once per key no matter
// how many callers ask concurrently. Late callers wait for the running
// computation. With opts.Force the read is skipped but the result is still
// stored. If the computation fails because the provider is unavailable, a
// cached entry of any age is returned with Stale set.
func (s *Store) GetOrCompute(ctx context.Context, key Key, opts Options, compute ComputeFunc) (Lookup, error) {
	if !opts.Force {
		if e, ok := s.Get(key); ok {
			s.observe(OutcomeHit)
			return Lookup{Entry: e, Cached: true}, nil
		}
	}

	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key.String(), func() (any, error) {
		res, err := compute(detached)
		if err != nil {
			return nil, err
		}
		return s.put(key, res, opts.TTL, opts.RequestedBy), nil
	})
	if s.onWait != nil {
		s.onWait(key)
	}

	select {
	case <-ctx.Done():
		return Lookup{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return s.fallback(key, r.Err)
		}
		switch {
		case r.Shared:
			s.observe(OutcomeShared)
		case opts.Force:
			s.observe(OutcomeRefresh)
		default:
			s.observe(OutcomeMiss)
		}
		return Lookup{Entry: r.Val.(Entry), Shared: r.Shared}, nil
	}
}

func (s *Store) fallback(key Key, err error) (Lookup, error) {
	if workitems.IsUpstreamUnavailable(err) {
		if e, ok := s.cache.Peek(key); ok {
			log.Warn().Err(err).Str("key", key.String()).Time("stored_at", e.StoredAt).Msg("Serving stale prediction")
			s.observe(OutcomeStale)
			return Lookup{Entry: e, Cached: true, Stale: true}, nil
		}
	}
	s.observe(OutcomeError)
	return Lookup{}, err
}

func (s *Store) observe(outcome string) {
	if s.obs != nil {
		s.obs.ObserveLookup(outcome)
	}
}

// warm loads a project's snapshot into the cache the first time the project is touched.
func (s *Store) warm(projectID string) {
	if s.snapshots == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warmed[projectID] {
		return
	}
	s.warmed[projectID] = true

	entries, err := s.snapshots.load(projectID)
	if err != nil {
		log.Warn().Err(err).Str("project", projectID).Msg("Failed to load prediction snapshot")
		return
	}
	for _, e := range entries {
		s.cache.ContainsOrAdd(e.Key, e)
	}
}

// persist rewrites the project's snapshot from the live cache. Failures are logged only.
func (s *Store) persist(projectID string) {
	if s.snapshots == nil {
		return
	}
	s.snapshots.schedule(projectID, func() []Entry {
		var entries []Entry
		for _, k := range s.cache.Keys() {
			if k.ProjectID != projectID {
				continue
			}
			if e, ok := s.cache.Peek(k); ok {
				entries = append(entries, e)
			}
		}
		return entries
	})
}
