package store

import (
	"context"
	"errors"
	"fmt"

	"proxypool/internal/logger"
	"proxypool/pkg/proxy"
)

var (
	// ErrPoolEmpty is returned by the selector when no proxy exists in any tier.
	// Callers should back off and retry rather than treat it as fatal.
	ErrPoolEmpty = errors.New("proxy pool is empty")

	// ErrNotFound is returned when a score mutation targets a missing proxy.
	ErrNotFound = errors.New("proxy not found in store")
)

// Scores holds the score range and the mutation amounts applied by the tester.
type Scores struct {
	Min       int
	Max       int
	Init      int
	Decrement int
	Penalty   int
}

func DefaultScores() Scores {
	return Scores{Min: 0, Max: 100, Init: 10, Decrement: 1, Penalty: 10}
}

func (s Scores) Validate() error {
	if !(s.Min < s.Init && s.Init < s.Max) {
		return fmt.Errorf("score range must satisfy min < init < max, got %d/%d/%d", s.Min, s.Init, s.Max)
	}
	if s.Decrement <= 0 || s.Penalty <= 0 {
		return fmt.Errorf("score decrement and penalty must be positive, got %d/%d", s.Decrement, s.Penalty)
	}
	return nil
}

// Adjustment is the outcome of AdjustScore. When Evicted is set the proxy no
// longer exists and Score is the value that triggered the removal.
type Adjustment struct {
	Score   int
	Evicted bool
}

// Store is the scored proxy collection shared by the getter, tester and
// selector. All per-proxy read-modify-write happens inside the backend.
type Store struct {
	backend Backend
	scores  Scores
	logger  *logger.Logger
}

// New wraps a connected backend.
func New(backend Backend, scores Scores) (*Store, error) {
	if err := scores.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		backend: backend,
		scores:  scores,
		logger:  logger.New("store"),
	}, nil
}

func (s *Store) Scores() Scores {
	return s.scores
}

// Add inserts raw at the initial score. It returns false without touching the
// store when raw is not a valid proxy address or the proxy already exists.
func (s *Store) Add(ctx context.Context, raw string) (bool, error) {
	return s.AddWithScore(ctx, raw, s.scores.Init)
}

// AddWithScore is Add with an explicit starting score, clamped into range.
func (s *Store) AddWithScore(ctx context.Context, raw string, score int) (bool, error) {
	p, err := proxy.Parse(raw)
	if err != nil {
		s.logger.DebugBg("Rejected invalid proxy %q: %v", raw, err)
		return false, nil
	}

	score = s.clamp(score)
	inserted, err := s.backend.InsertIfAbsent(ctx, p.String(), score)
	if err != nil {
		return false, fmt.Errorf("failed to add proxy %s: %w", p, err)
	}
	return inserted, nil
}

func (s *Store) Exists(ctx context.Context, p proxy.Proxy) (bool, error) {
	_, ok, err := s.Score(ctx, p)
	return ok, err
}

// Score returns the current score of p and whether it is present.
func (s *Store) Score(ctx context.Context, p proxy.Proxy) (int, bool, error) {
	score, ok, err := s.backend.ScoreOf(ctx, p.String())
	if err != nil {
		return 0, false, fmt.Errorf("failed to read score of %s: %w", p, err)
	}
	return score, ok, nil
}

// IncreaseToMax sets the score of p to the maximum.
func (s *Store) IncreaseToMax(ctx context.Context, p proxy.Proxy) error {
	if err := s.backend.Set(ctx, p.String(), s.scores.Max); err != nil {
		return fmt.Errorf("failed to set max score for %s: %w", p, err)
	}
	s.logger.DebugBg("Proxy %s is valid, score set to %d", p, s.scores.Max)
	return nil
}

// AdjustScore adds delta to the score of p and evicts it when the result is
// at or below the minimum.
func (s *Store) AdjustScore(ctx context.Context, p proxy.Proxy, delta int) (Adjustment, error) {
	score, evicted, err := s.backend.IncrementAndEvict(ctx, p.String(), delta, s.scores.Min)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Adjustment{}, ErrNotFound
		}
		return Adjustment{}, fmt.Errorf("failed to adjust score of %s: %w", p, err)
	}
	if evicted {
		s.logger.InfoBg("Proxy %s reached score %d, removed", p, score)
	}
	return Adjustment{Score: score, Evicted: evicted}, nil
}

// Decrease applies the routine decrement used for validity failures.
func (s *Store) Decrease(ctx context.Context, p proxy.Proxy) (Adjustment, error) {
	return s.AdjustScore(ctx, p, -s.scores.Decrement)
}

// Penalize applies the large decrement used for transport failures.
func (s *Store) Penalize(ctx context.Context, p proxy.Proxy) (Adjustment, error) {
	return s.AdjustScore(ctx, p, -s.scores.Penalty)
}

// Remove deletes p regardless of its score.
func (s *Store) Remove(ctx context.Context, p proxy.Proxy) (bool, error) {
	removed, err := s.backend.Remove(ctx, p.String())
	if err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return removed, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.backend.Cardinality(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count proxies: %w", err)
	}
	return n, nil
}

// All returns every stored proxy, in no particular order.
func (s *Store) All(ctx context.Context) ([]proxy.Proxy, error) {
	return s.rangeByScore(ctx, s.scores.Min, s.scores.Max)
}

// Tiers counts proven proxies, scored above the initial score, and fresh ones
// still at or below it.
func (s *Store) Tiers(ctx context.Context) (proven, fresh int, err error) {
	high, err := s.backend.RangeByScore(ctx, s.scores.Init+1, s.scores.Max)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count proven proxies: %w", err)
	}
	low, err := s.backend.RangeByScore(ctx, s.scores.Min, s.scores.Init)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count fresh proxies: %w", err)
	}
	return len(high), len(low), nil
}

// ScanBatch returns up to pageSize proxies starting at cursor and the cursor
// for the next call. A returned cursor of 0 means the scan is complete. Pages
// may overlap or skip entries while the store is being mutated.
func (s *Store) ScanBatch(ctx context.Context, cursor uint64, pageSize int) (uint64, []proxy.Proxy, error) {
	members, next, err := s.backend.Scan(ctx, cursor, int64(pageSize))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan proxies at cursor %d: %w", cursor, err)
	}
	return next, s.parseMembers(members), nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) rangeByScore(ctx context.Context, min, max int) ([]proxy.Proxy, error) {
	members, err := s.backend.RangeByScore(ctx, min, max)
	if err != nil {
		return nil, fmt.Errorf("failed to query proxies with score %d..%d: %w", min, max, err)
	}
	return s.parseMembers(members), nil
}

func (s *Store) parseMembers(members []string) []proxy.Proxy {
	proxies := make([]proxy.Proxy, 0, len(members))
	for _, m := range members {
		p, err := proxy.Parse(m)
		if err != nil {
			s.logger.WarnBg("Skipping unparsable member %q: %v", m, err)
			continue
		}
		proxies = append(proxies, p)
	}
	return proxies
}

func (s *Store) clamp(score int) int {
	switch {
	case score > s.scores.Max:
		return s.scores.Max
	case score <= s.scores.Min:
		return s.scores.Min + 1
	}
	return score
}
