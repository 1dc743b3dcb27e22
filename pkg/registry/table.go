package registry

import (
	"cmp"
	"slices"
	"time"

	"github.com/ryandielhenn/zephyrreg/pkg/protocol"
)

const descMissingUser = "user name not provided"

// Member is one registered participant.
type Member struct {
	Name         string
	Rank         int64
	LastLiveness time.Time
}

// Table maps member names to ranks and liveness timestamps and owns the
// rank counter. It is not safe for concurrent use; Service serializes all
// access through its loop.
type Table struct {
	members  map[string]*Member
	nextRank int64
}

func NewTable() *Table {
	return &Table{
		members:  make(map[string]*Member),
		nextRank: 1,
	}
}

// RegisterOrGetRank returns the rank of name, assigning the next one if name
// is not registered yet. Repeated calls for a known name change nothing,
// not even its liveness.
func (t *Table) RegisterOrGetRank(name string, now time.Time) (rank int64, created bool, err error) {
	if name == "" {
		return 0, false, invalidRequest(descMissingUser)
	}
	if m, ok := t.members[name]; ok {
		return m.Rank, false, nil
	}
	return t.insert(name, now), true, nil
}

// Heartbeat refreshes the liveness of name. An unknown name is registered
// as if RegisterOrGetRank had been called.
func (t *Table) Heartbeat(name string, now time.Time) (rank int64, created bool, err error) {
	if name == "" {
		return 0, false, invalidRequest(descMissingUser)
	}
	if m, ok := t.members[name]; ok {
		m.LastLiveness = now
		return m.Rank, false, nil
	}
	return t.insert(name, now), true, nil
}

func (t *Table) insert(name string, now time.Time) int64 {
	rank := t.nextRank
	t.members[name] = &Member{Name: name, Rank: rank, LastLiveness: now}
	t.nextRank++
	return rank
}

// List returns all members ordered by ascending rank.
func (t *Table) List() []protocol.Entry {
	out := make([]protocol.Entry, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, protocol.Entry{Name: m.Name, Rank: m.Rank})
	}
	slices.SortFunc(out, func(a, b protocol.Entry) int {
		return cmp.Compare(a.Rank, b.Rank)
	})
	return out
}

// ExpireStale removes every member not heard from for more than timeout and
// returns the removed names in rank order.
func (t *Table) ExpireStale(timeout time.Duration, now time.Time) []string {
	var stale []*Member
	for _, m := range t.members {
		if now.Sub(m.LastLiveness) > timeout {
			stale = append(stale, m)
		}
	}
	slices.SortFunc(stale, func(a, b *Member) int { return cmp.Compare(a.Rank, b.Rank) })

	names := make([]string, 0, len(stale))
	for _, m := range stale {
		delete(t.members, m.Name)
		names = append(names, m.Name)
	}
	return names
}

// get returns a copy of the member stored under name.
func (t *Table) get(name string) (Member, bool) {
	m, ok := t.members[name]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (t *Table) Len() int {
	return len(t.members)
}

// NextRank is the rank the next new member will receive.
func (t *Table) NextRank() int64 {
	return t.nextRank
}
