package viewer

import (
	"context"
	"sync"
	"time"

	"github.com/tokenscomedyclub/arena/engine/store"
)

type presenceRow struct {
	expiresAt time.Time
	shard     int
}

type voteRow struct {
	side  store.Side
	shard int
}

// MemoryAggregates is an in-process Aggregates used by tests and by
// standalone runs with no Redis available.
type MemoryAggregates struct {
	mu        sync.Mutex
	presence  map[string]presenceRow
	shards    [ShardCount]int64
	votes     map[string]map[string]voteRow // roundID -> viewerID -> voteRow
	tallies   map[string]*[ShardCount]int64 // roundID|side -> shard counts
}

func NewMemoryAggregates() *MemoryAggregates {
	return &MemoryAggregates{
		presence: make(map[string]presenceRow),
		votes:    make(map[string]map[string]voteRow),
		tallies:  make(map[string]*[ShardCount]int64),
	}
}

func (m *MemoryAggregates) total() int64 {
	var n int64
	for _, c := range m.shards {
		n += c
	}
	return n
}

func (m *MemoryAggregates) Heartbeat(ctx context.Context, viewerID, page string, now time.Time) (bool, error) {
	if page != "live" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	beforeTotal := m.total()
	row, exists := m.presence[viewerID]
	wasLive := exists && row.expiresAt.After(now)

	shard := Shard(viewerID)
	m.presence[viewerID] = presenceRow{expiresAt: now.Add(PresenceTTL), shard: shard}
	if !wasLive {
		m.shards[shard]++
	}
	return beforeTotal == 0 && m.total() > 0, nil
}

func (m *MemoryAggregates) TotalViewers(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total(), nil
}

func (m *MemoryAggregates) ReapExpired(ctx context.Context, now time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 1000 {
		limit = 1000
	}
	reaped := 0
	for id, row := range m.presence {
		if reaped >= limit {
			break
		}
		if row.expiresAt.After(now) {
			continue
		}
		if m.shards[row.shard] > 0 {
			m.shards[row.shard]--
		}
		delete(m.presence, id)
		reaped++
	}
	exhausted := reaped < limit
	return reaped, exhausted, nil
}

func (m *MemoryAggregates) CastVote(ctx context.Context, roundID, viewerID string, side store.Side, now, deadline time.Time, votingOpen bool) (VoteStatus, error) {
	if !votingOpen || !now.Before(deadline) {
		return VoteInactive, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	roundVotes, ok := m.votes[roundID]
	if !ok {
		roundVotes = make(map[string]voteRow)
		m.votes[roundID] = roundVotes
	}
	tallyA := m.tallyFor(roundID, store.SideA)
	tallyB := m.tallyFor(roundID, store.SideB)

	shard := Shard(viewerID)
	existing, exists := roundVotes[viewerID]
	if !exists {
		roundVotes[viewerID] = voteRow{side: side, shard: shard}
		if side == store.SideA {
			tallyA[shard]++
		} else {
			tallyB[shard]++
		}
		return VoteAccepted, nil
	}
	if existing.side == side {
		return VoteUnchanged, nil
	}
	if existing.side == store.SideA {
		tallyA[existing.shard]--
		tallyB[existing.shard]++
	} else {
		tallyB[existing.shard]--
		tallyA[existing.shard]++
	}
	roundVotes[viewerID] = voteRow{side: side, shard: shard}
	return VoteUpdated, nil
}

func (m *MemoryAggregates) tallyFor(roundID string, side store.Side) *[ShardCount]int64 {
	key := roundID + "|" + string(side)
	t, ok := m.tallies[key]
	if !ok {
		t = &[ShardCount]int64{}
		m.tallies[key] = t
	}
	return t
}

func (m *MemoryAggregates) RoundTally(ctx context.Context, roundID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var a, b int64
	if t, ok := m.tallies[roundID+"|"+string(store.SideA)]; ok {
		for _, c := range t {
			a += c
		}
	}
	if t, ok := m.tallies[roundID+"|"+string(store.SideB)]; ok {
		for _, c := range t {
			b += c
		}
	}
	return a, b, nil
}

func (m *MemoryAggregates) PurgeRound(ctx context.Context, roundID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.votes, roundID)
	delete(m.tallies, roundID+"|"+string(store.SideA))
	delete(m.tallies, roundID+"|"+string(store.SideB))
	return nil
}

func (m *MemoryAggregates) ResetPresence(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.shards {
		m.shards[i] = 0
	}
	return nil
}
