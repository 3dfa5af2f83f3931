package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps scores in process memory. It is used for tests and for
// single-process deployments that do not need the pool to survive restarts.
type MemoryBackend struct {
	mu     sync.Mutex
	scores map[string]int

	// seq records insertion order; Scan pages over it like sqlite's rowid.
	seq     map[string]uint64
	lastSeq uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{scores: make(map[string]int), seq: make(map[string]uint64)}
}

// put must be called with mu held.
func (m *MemoryBackend) put(member string, score int) {
	if _, ok := m.seq[member]; !ok {
		m.lastSeq++
		m.seq[member] = m.lastSeq
	}
	m.scores[member] = score
}

// drop must be called with mu held.
func (m *MemoryBackend) drop(member string) {
	delete(m.scores, member)
	delete(m.seq, member)
}

func (m *MemoryBackend) InsertIfAbsent(_ context.Context, member string, score int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scores[member]; ok {
		return false, nil
	}
	m.put(member, score)
	return true, nil
}

func (m *MemoryBackend) Set(_ context.Context, member string, score int) error {
	m.mu.Lock()
	m.put(member, score)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) IncrementAndEvict(_ context.Context, member string, delta, floor int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.scores[member]
	if !ok {
		return 0, false, ErrNotFound
	}
	score += delta
	if score <= floor {
		m.drop(member)
		return score, true, nil
	}
	m.scores[member] = score
	return score, false, nil
}

func (m *MemoryBackend) Remove(_ context.Context, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.scores[member]
	m.drop(member)
	return ok, nil
}

func (m *MemoryBackend) ScoreOf(_ context.Context, member string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.scores[member]
	return score, ok, nil
}

func (m *MemoryBackend) Cardinality(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.scores)), nil
}

func (m *MemoryBackend) RangeByScore(_ context.Context, min, max int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var members []string
	for member, score := range m.scores {
		if score >= min && score <= max {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return m.scores[members[i]] < m.scores[members[j]]
	})
	return members, nil
}

// Scan pages over members in insertion order, the cursor being the last
// sequence number returned. Removals never move later members, so a member
// present for the whole scan is returned exactly once, and members inserted
// mid-scan land after the cursor.
func (m *MemoryBackend) Scan(_ context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}

	m.mu.Lock()
	type entry struct {
		member string
		seq    uint64
	}
	var pending []entry
	for member, seq := range m.seq {
		if seq > cursor {
			pending = append(pending, entry{member, seq})
		}
	}
	m.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	if int64(len(pending)) <= count {
		members := make([]string, len(pending))
		for i, e := range pending {
			members[i] = e.member
		}
		return members, 0, nil
	}
	members := make([]string, count)
	for i, e := range pending[:count] {
		members[i] = e.member
	}
	return members, pending[count-1].seq, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
