// Package store - sorted set implementation for KeyvalDB.
package store

import (
	"github.com/zhangyunhao116/skipset"
)

// ScoredMember represents a member with its score in a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// less orders entries by score ascending, ties broken by member lexicographic
// order. This total order is what rank and range queries observe.
func less(a, b ScoredMember) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Member < b.Member
}

// SortedSet is a Redis-like sorted set: unique members ordered by
// (score, member). The skip-list index keeps insertion, update and removal
// at O(log n). It is not safe for concurrent use; callers hold the owning
// Database lock.
type SortedSet struct {
	scores map[string]float64
	index  *skipset.FuncSet[ScoredMember]
}

// NewSortedSet creates an empty sorted set.
func NewSortedSet() *SortedSet {
	return &SortedSet{
		scores: make(map[string]float64),
		index:  skipset.NewFunc[ScoredMember](less),
	}
}

// Add inserts or updates members. Returns the number of newly-inserted
// members; score updates to existing members do not count.
func (z *SortedSet) Add(members ...ScoredMember) int {
	added := 0
	for _, m := range members {
		old, exists := z.scores[m.Member]
		if exists {
			if old == m.Score {
				continue
			}
			z.index.Remove(ScoredMember{Member: m.Member, Score: old})
		} else {
			added++
		}
		z.scores[m.Member] = m.Score
		z.index.Add(m)
	}
	return added
}

// AddChanged is Add with CH semantics: the return value counts members that
// were inserted or had their score changed.
func (z *SortedSet) AddChanged(members ...ScoredMember) int {
	changed := 0
	for _, m := range members {
		old, exists := z.scores[m.Member]
		if exists && old == m.Score {
			continue
		}
		if exists {
			z.index.Remove(ScoredMember{Member: m.Member, Score: old})
		}
		z.scores[m.Member] = m.Score
		z.index.Add(m)
		changed++
	}
	return changed
}

// IncrBy increments the score of a member, creating it at the increment if
// absent. Returns the new score.
func (z *SortedSet) IncrBy(member string, increment float64) float64 {
	if old, exists := z.scores[member]; exists {
		z.index.Remove(ScoredMember{Member: member, Score: old})
		increment += old
	}
	z.scores[member] = increment
	z.index.Add(ScoredMember{Member: member, Score: increment})
	return increment
}

// Score returns the score of a member.
func (z *SortedSet) Score(member string) (float64, bool) {
	score, exists := z.scores[member]
	return score, exists
}

// Remove removes members from the set. Returns the number removed.
func (z *SortedSet) Remove(members ...string) int {
	removed := 0
	for _, m := range members {
		score, exists := z.scores[m]
		if !exists {
			continue
		}
		delete(z.scores, m)
		z.index.Remove(ScoredMember{Member: m, Score: score})
		removed++
	}
	return removed
}

// Card returns the number of members in the set.
func (z *SortedSet) Card() int {
	return len(z.scores)
}

// Rank returns the zero-based ascending rank of a member.
func (z *SortedSet) Rank(member string) (int, bool) {
	score, exists := z.scores[member]
	if !exists {
		return -1, false
	}

	target := ScoredMember{Member: member, Score: score}
	rank := 0
	z.index.Range(func(m ScoredMember) bool {
		if m == target {
			return false
		}
		rank++
		return true
	})
	return rank, true
}

// Range returns members for an inclusive zero-based index range in ascending
// order. Negative indices count from the end (-1 is the last member); out of
// range bounds are clamped, slice-style, and an entirely out-of-range request
// yields nil.
func (z *SortedSet) Range(start, stop int) []ScoredMember {
	n := len(z.scores)
	if n == 0 {
		return nil
	}

	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}

	result := make([]ScoredMember, 0, stop-start+1)
	i := 0
	z.index.Range(func(m ScoredMember) bool {
		if i > stop {
			return false
		}
		if i >= start {
			result = append(result, m)
		}
		i++
		return true
	})
	return result
}

// Members returns all members in ascending order (for serialization).
func (z *SortedSet) Members() []ScoredMember {
	result := make([]ScoredMember, 0, len(z.scores))
	z.index.Range(func(m ScoredMember) bool {
		result = append(result, m)
		return true
	})
	return result
}

// Clone returns a deep copy of the set.
func (z *SortedSet) Clone() *SortedSet {
	clone := NewSortedSet()
	z.index.Range(func(m ScoredMember) bool {
		clone.scores[m.Member] = m.Score
		clone.index.Add(m)
		return true
	})
	return clone
}

// RestoreSortedSet rebuilds a sorted set from serialized members.
func RestoreSortedSet(members []ScoredMember) *SortedSet {
	z := NewSortedSet()
	z.Add(members...)
	return z
}
