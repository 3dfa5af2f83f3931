package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypool/internal/database"
	"proxypool/pkg/proxy"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend {
			return NewMemoryBackend()
		},
		"sqlite": func(t *testing.T) Backend {
			db, err := database.NewDB(filepath.Join(t.TempDir(), "pool.db"))
			require.NoError(t, err)
			return NewSQLiteBackend(db)
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisBackendFromClient(client, "")
		},
	}
}

// forEachBackend runs fn against a fresh default-scored store per backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s, err := New(factory(t), DefaultScores())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func TestAddInsertsAtInitialScore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := proxy.MustParse("1.2.3.4:8080")

		ok, err := s.Exists(ctx, p)
		require.NoError(t, err)
		assert.False(t, ok)

		added, err := s.Add(ctx, "1.2.3.4:8080")
		require.NoError(t, err)
		assert.True(t, added)

		score, ok, err := s.Score(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, s.Scores().Init, score)
	})
}

func TestAddIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := proxy.MustParse("1.2.3.4:8080")

		_, err := s.Add(ctx, p.String())
		require.NoError(t, err)
		require.NoError(t, s.IncreaseToMax(ctx, p))

		added, err := s.Add(ctx, p.String())
		require.NoError(t, err)
		assert.False(t, added)

		score, _, err := s.Score(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, s.Scores().Max, score)

		// a scheme prefix does not make it a different proxy
		added, err = s.Add(ctx, "http://1.2.3.4:8080")
		require.NoError(t, err)
		assert.False(t, added)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestAddRejectsMalformed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		for _, raw := range []string{"", "garbage", "1.2.3.4", "1.2.3.4:notaport", "1.2.3.4:99999"} {
			added, err := s.Add(ctx, raw)
			require.NoError(t, err, raw)
			assert.False(t, added, raw)
		}
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestIncreaseToMax(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := proxy.MustParse("10.0.0.1:3128")
		_, err := s.AddWithScore(ctx, p.String(), 3)
		require.NoError(t, err)

		require.NoError(t, s.IncreaseToMax(ctx, p))
		score, _, err := s.Score(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, s.Scores().Max, score)

		require.NoError(t, s.IncreaseToMax(ctx, p))
		score, _, err = s.Score(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, s.Scores().Max, score)
	})
}

func TestAdjustScore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := proxy.MustParse("10.0.0.1:3128")
		_, err := s.Add(ctx, p.String())
		require.NoError(t, err)

		adj, err := s.Decrease(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, Adjustment{Score: s.Scores().Init - 1}, adj)

		adj, err = s.AdjustScore(ctx, p, 5)
		require.NoError(t, err)
		assert.Equal(t, s.Scores().Init+4, adj.Score)
		assert.False(t, adj.Evicted)
	})
}

func TestAdjustScoreEvictsAtFloor(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := proxy.MustParse("10.0.0.1:3128")
		_, err := s.Add(ctx, p.String())
		require.NoError(t, err)

		// init 10, penalty 10 lands exactly on the floor
		adj, err := s.Penalize(ctx, p)
		require.NoError(t, err)
		assert.True(t, adj.Evicted)
		assert.Equal(t, s.Scores().Min, adj.Score)

		ok, err := s.Exists(ctx, p)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Penalize(ctx, p)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestScenarioAddThenEvict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		sc := s.Scores()

		_, err := s.Add(ctx, "1.2.3.4:8080")
		require.NoError(t, err)
		n, err := s.Count(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		adj, err := s.AdjustScore(ctx, proxy.MustParse("1.2.3.4:8080"), sc.Min-sc.Init-1)
		require.NoError(t, err)
		assert.True(t, adj.Evicted)

		n, err = s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestConcurrentAdjustScoreIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := proxy.MustParse("10.0.0.1:3128")
		_, err := s.Add(ctx, p.String())
		require.NoError(t, err)
		require.NoError(t, s.IncreaseToMax(ctx, p))

		const workers = 40
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Decrease(ctx, p)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		score, ok, err := s.Score(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, s.Scores().Max-workers, score)
	})
}

func TestScanBatchEnumeratesEverything(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		want := make(map[string]bool)
		for i := 1; i <= 23; i++ {
			addr := fmt.Sprintf("10.0.0.%d:8080", i)
			_, err := s.Add(ctx, addr)
			require.NoError(t, err)
			want[addr] = true
		}

		seen := make(map[string]bool)
		var cursor uint64
		for calls := 0; ; calls++ {
			require.Less(t, calls, 100, "scan did not terminate")
			next, batch, err := s.ScanBatch(ctx, cursor, 4)
			require.NoError(t, err)
			for _, p := range batch {
				seen[p.String()] = true
			}
			if next == 0 {
				break
			}
			cursor = next
		}
		assert.Equal(t, want, seen)
	})
}

func TestScanBatchWithEvictionBetweenPages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		want := make(map[string]bool)
		for i := 1; i <= 5; i++ {
			addr := fmt.Sprintf("10.0.1.%d:8080", i)
			_, err := s.Add(ctx, addr)
			require.NoError(t, err)
			want[addr] = true
		}

		seen := make(map[string]bool)
		var cursor uint64
		for calls := 0; ; calls++ {
			require.Less(t, calls, 100, "scan did not terminate")
			next, batch, err := s.ScanBatch(ctx, cursor, 2)
			require.NoError(t, err)
			for _, p := range batch {
				seen[p.String()] = true
				adj, err := s.Penalize(ctx, p)
				require.NoError(t, err)
				assert.True(t, adj.Evicted)
			}
			if next == 0 {
				break
			}
			cursor = next
		}

		assert.Equal(t, want, seen)
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestAllReturnsEveryProxy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		for _, addr := range []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"} {
			_, err := s.Add(ctx, addr)
			require.NoError(t, err)
		}
		require.NoError(t, s.IncreaseToMax(ctx, proxy.MustParse("2.2.2.2:80")))

		all, err := s.All(ctx)
		require.NoError(t, err)
		got := make([]string, 0, len(all))
		for _, p := range all {
			got = append(got, p.String())
		}
		assert.ElementsMatch(t, []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"}, got)
	})
}

func TestRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		p := proxy.MustParse("1.1.1.1:80")
		_, err := s.Add(ctx, p.String())
		require.NoError(t, err)

		removed, err := s.Remove(ctx, p)
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Remove(ctx, p)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestAddWithScoreClamps(t *testing.T) {
	s, err := New(NewMemoryBackend(), DefaultScores())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.AddWithScore(ctx, "1.1.1.1:80", 1000)
	require.NoError(t, err)
	_, err = s.AddWithScore(ctx, "2.2.2.2:80", -5)
	require.NoError(t, err)

	score, _, _ := s.Score(ctx, proxy.MustParse("1.1.1.1:80"))
	assert.Equal(t, 100, score)
	score, _, _ = s.Score(ctx, proxy.MustParse("2.2.2.2:80"))
	assert.Equal(t, 1, score)
}

func TestScoresValidate(t *testing.T) {
	assert.NoError(t, DefaultScores().Validate())
	assert.Error(t, Scores{Min: 0, Max: 100, Init: 0, Decrement: 1, Penalty: 10}.Validate())
	assert.Error(t, Scores{Min: 0, Max: 10, Init: 10, Decrement: 1, Penalty: 10}.Validate())
	assert.Error(t, Scores{Min: 0, Max: 100, Init: 10, Decrement: 0, Penalty: 10}.Validate())

	_, err := New(NewMemoryBackend(), Scores{})
	assert.Error(t, err)
}

func TestMemoryScanPages(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.InsertIfAbsent(ctx, fmt.Sprintf("10.0.0.%d:80", i), 10)
		require.NoError(t, err)
	}

	var sizes []int
	var cursor uint64
	for {
		members, next, err := m.Scan(ctx, cursor, 2)
		require.NoError(t, err)
		sizes = append(sizes, len(members))
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestMemoryScanKeepsPlaceAfterRemoval(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()
	for _, member := range []string{"a:1", "b:1", "c:1", "d:1"} {
		_, err := m.InsertIfAbsent(ctx, member, 10)
		require.NoError(t, err)
	}

	members, next, err := m.Scan(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, members)

	_, err = m.Remove(ctx, "a:1")
	require.NoError(t, err)
	_, err = m.Remove(ctx, "b:1")
	require.NoError(t, err)
	// re-added members go to the end of the scan order
	_, err = m.InsertIfAbsent(ctx, "a:1", 10)
	require.NoError(t, err)

	members, next, err = m.Scan(ctx, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c:1", "d:1"}, members)
	require.NotZero(t, next)

	members, next, err = m.Scan(ctx, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1"}, members)
	assert.Zero(t, next)
}
