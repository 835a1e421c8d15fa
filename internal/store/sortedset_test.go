package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedSet_AddAndCard(t *testing.T) {
	z := NewSortedSet()

	added := z.Add(
		ScoredMember{Member: "a", Score: 1},
		ScoredMember{Member: "b", Score: 2},
	)
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, z.Card())

	// Updating a score is not a new insertion.
	added = z.Add(ScoredMember{Member: "a", Score: 5})
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, z.Card())

	score, ok := z.Score("a")
	require.True(t, ok)
	assert.Equal(t, 5.0, score)
}

func TestSortedSet_AddChanged(t *testing.T) {
	z := NewSortedSet()
	z.Add(ScoredMember{Member: "a", Score: 1})

	changed := z.AddChanged(
		ScoredMember{Member: "a", Score: 1}, // same score, not changed
		ScoredMember{Member: "b", Score: 2}, // new
		ScoredMember{Member: "c", Score: 3}, // new
	)
	assert.Equal(t, 2, changed)

	changed = z.AddChanged(ScoredMember{Member: "a", Score: 9})
	assert.Equal(t, 1, changed)
}

func TestSortedSet_Ordering(t *testing.T) {
	z := NewSortedSet()
	z.Add(
		ScoredMember{Member: "c", Score: 3},
		ScoredMember{Member: "a", Score: 1},
		ScoredMember{Member: "b", Score: 2},
	)

	members := z.Members()
	require.Len(t, members, 3)
	assert.Equal(t, "a", members[0].Member)
	assert.Equal(t, "b", members[1].Member)
	assert.Equal(t, "c", members[2].Member)
}

func TestSortedSet_TieBrokenByMember(t *testing.T) {
	z := NewSortedSet()
	z.Add(
		ScoredMember{Member: "zeta", Score: 1},
		ScoredMember{Member: "alpha", Score: 1},
		ScoredMember{Member: "mid", Score: 1},
	)

	members := z.Members()
	assert.Equal(t, "alpha", members[0].Member)
	assert.Equal(t, "mid", members[1].Member)
	assert.Equal(t, "zeta", members[2].Member)
}

func TestSortedSet_ReRankOnUpdate(t *testing.T) {
	z := NewSortedSet()
	z.Add(
		ScoredMember{Member: "a", Score: 1},
		ScoredMember{Member: "b", Score: 2},
		ScoredMember{Member: "c", Score: 3},
	)

	z.Add(ScoredMember{Member: "a", Score: 10})

	rank, ok := z.Rank("a")
	require.True(t, ok)
	assert.Equal(t, 2, rank)

	// The stale (old score, member) pair must be gone from the order.
	members := z.Members()
	require.Len(t, members, 3)
	assert.Equal(t, "b", members[0].Member)
}

func TestSortedSet_Rank(t *testing.T) {
	z := NewSortedSet()
	z.Add(
		ScoredMember{Member: "a", Score: 1},
		ScoredMember{Member: "b", Score: 2},
		ScoredMember{Member: "c", Score: 3},
	)

	rank, ok := z.Rank("b")
	require.True(t, ok)
	assert.Equal(t, 1, rank)

	_, ok = z.Rank("missing")
	assert.False(t, ok)
}

func TestSortedSet_Range(t *testing.T) {
	z := NewSortedSet()
	z.Add(
		ScoredMember{Member: "a", Score: 1},
		ScoredMember{Member: "b", Score: 2},
		ScoredMember{Member: "c", Score: 3},
	)

	full := z.Range(0, -1)
	require.Len(t, full, 3)
	assert.Equal(t, "a", full[0].Member)
	assert.Equal(t, "c", full[2].Member)

	tail := z.Range(-2, -1)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].Member)
	assert.Equal(t, "c", tail[1].Member)

	// Bounds are clamped, never erroring.
	clamped := z.Range(-100, 100)
	assert.Len(t, clamped, 3)

	assert.Nil(t, z.Range(5, 10))
	assert.Nil(t, z.Range(2, 1))
	assert.Nil(t, NewSortedSet().Range(0, -1))
}

func TestSortedSet_IncrBy(t *testing.T) {
	z := NewSortedSet()

	assert.Equal(t, 2.5, z.IncrBy("a", 2.5))
	assert.Equal(t, 4.0, z.IncrBy("a", 1.5))
	assert.Equal(t, 1, z.Card())
}

func TestSortedSet_Remove(t *testing.T) {
	z := NewSortedSet()
	z.Add(
		ScoredMember{Member: "a", Score: 1},
		ScoredMember{Member: "b", Score: 2},
	)

	assert.Equal(t, 1, z.Remove("a", "missing"))
	assert.Equal(t, 1, z.Card())

	_, ok := z.Rank("a")
	assert.False(t, ok)
}

func TestSortedSet_Clone(t *testing.T) {
	z := NewSortedSet()
	z.Add(ScoredMember{Member: "a", Score: 1})

	clone := z.Clone()
	clone.Add(ScoredMember{Member: "b", Score: 2})

	assert.Equal(t, 1, z.Card())
	assert.Equal(t, 2, clone.Card())
}
