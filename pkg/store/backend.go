package store

import "context"

// Backend is the ordered-set-with-scores protocol the Store runs on. Members
// are canonical host:port strings. Any implementation must make
// IncrementAndEvict indivisible per member; nothing else needs cross-call
// atomicity.
type Backend interface {
	// InsertIfAbsent adds member with score unless it already exists.
	InsertIfAbsent(ctx context.Context, member string, score int) (bool, error)
	// Set adds or overwrites the score of member.
	Set(ctx context.Context, member string, score int) error
	// IncrementAndEvict adds delta to the score of member and removes it when
	// the new score is <= floor. Missing members yield ErrNotFound.
	IncrementAndEvict(ctx context.Context, member string, delta, floor int) (score int, evicted bool, err error)
	Remove(ctx context.Context, member string) (bool, error)
	ScoreOf(ctx context.Context, member string) (int, bool, error)
	Cardinality(ctx context.Context) (int64, error)
	// RangeByScore returns members with min <= score <= max.
	RangeByScore(ctx context.Context, min, max int) ([]string, error)
	// Scan pages through members. Cursor 0 starts a scan; a returned cursor
	// of 0 ends it.
	Scan(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
	Close() error
}
