// Package store provides the in-memory databases for KeyvalDB: keys mapped
// to typed values with optional expiry.
package store

import (
	"errors"
	"time"
)

// Kind identifies which variant of the value union an entry holds.
type Kind uint8

const (
	// KindString is a plain string value.
	KindString Kind = iota
	// KindSortedSet is a score-ordered member collection.
	KindSortedSet
)

// ErrWrongType is returned when a command is applied to a key holding an
// incompatible value kind.
var ErrWrongType = errors.New("store: value at key holds the wrong kind")

// Entry represents a value with optional expiration. The value is a closed
// union: exactly one of Str or ZSet is meaningful, selected by Kind.
type Entry struct {
	Kind      Kind
	Str       string
	ZSet      *SortedSet
	ExpireAt  time.Time
	HasExpire bool
}

// Database is one logical keyspace: a mapping from key to Entry. Values are
// exclusively owned by their entry. A Database does no locking of its own;
// the engine serializes all access through its per-database mutation lock.
type Database struct {
	index int
	data  map[string]*Entry
}

// NewDatabase creates an empty Database with the given logical index.
func NewDatabase(index int) *Database {
	return &Database{
		index: index,
		data:  make(map[string]*Entry),
	}
}

// Index returns the database's logical index.
func (db *Database) Index() int {
	return db.index
}

func isExpired(entry *Entry, now time.Time) bool {
	return entry.HasExpire && now.After(entry.ExpireAt)
}

// lookup returns the live entry for key, lazily purging it if expired.
func (db *Database) lookup(key string) (*Entry, bool) {
	entry, ok := db.data[key]
	if !ok {
		return nil, false
	}
	if isExpired(entry, time.Now()) {
		delete(db.data, key)
		return nil, false
	}
	return entry, true
}

// Exists reports whether key holds a live value.
func (db *Database) Exists(key string) bool {
	_, ok := db.lookup(key)
	return ok
}

// Get returns the string value at key. ErrWrongType if the key holds a
// sorted set.
func (db *Database) Get(key string) (string, bool, error) {
	entry, ok := db.lookup(key)
	if !ok {
		return "", false, nil
	}
	if entry.Kind != KindString {
		return "", false, ErrWrongType
	}
	return entry.Str, true, nil
}

// SetString stores a string value at key, replacing any prior value
// regardless of kind. A zero expire time means no expiry.
func (db *Database) SetString(key, value string, expireAt time.Time) {
	entry := &Entry{Kind: KindString, Str: value}
	if !expireAt.IsZero() {
		entry.ExpireAt = expireAt
		entry.HasExpire = true
	}
	db.data[key] = entry
}

// ExpiryOf returns the current absolute expiry of key, if any.
func (db *Database) ExpiryOf(key string) (time.Time, bool) {
	entry, ok := db.lookup(key)
	if !ok || !entry.HasExpire {
		return time.Time{}, false
	}
	return entry.ExpireAt, true
}

// Expire sets an absolute expiry on an existing key. Returns false if the
// key is absent.
func (db *Database) Expire(key string, expireAt time.Time) bool {
	entry, ok := db.lookup(key)
	if !ok {
		return false
	}
	entry.ExpireAt = expireAt
	entry.HasExpire = true
	return true
}

// TTL returns the remaining time to live for key.
// Returns -2s if the key is absent, -1s if it has no expiry.
func (db *Database) TTL(key string) time.Duration {
	entry, ok := db.lookup(key)
	if !ok {
		return -2 * time.Second
	}
	if !entry.HasExpire {
		return -1 * time.Second
	}
	remaining := time.Until(entry.ExpireAt)
	if remaining < 0 {
		return -2 * time.Second
	}
	return remaining
}

// Delete removes key. Returns true if a live value was removed; a key that
// had already expired is purged but not counted.
func (db *Database) Delete(key string) bool {
	_, ok := db.lookup(key)
	if !ok {
		return false
	}
	delete(db.data, key)
	return true
}

// SortedSetAt returns the sorted set at key, or (nil, nil) if the key is
// absent. ErrWrongType if the key holds a string.
func (db *Database) SortedSetAt(key string) (*SortedSet, error) {
	entry, ok := db.lookup(key)
	if !ok {
		return nil, nil
	}
	if entry.Kind != KindSortedSet {
		return nil, ErrWrongType
	}
	return entry.ZSet, nil
}

// PutSortedSet stores a sorted set at key, replacing any prior value. The
// new entry has no expiry.
func (db *Database) PutSortedSet(key string, zset *SortedSet) {
	db.data[key] = &Entry{Kind: KindSortedSet, ZSet: zset}
}

// Len returns the number of live keys.
func (db *Database) Len() int {
	now := time.Now()
	count := 0
	for _, entry := range db.data {
		if !isExpired(entry, now) {
			count++
		}
	}
	return count
}

// RemoveExpired uses Redis-style sampling to probabilistically purge expired
// keys: inspect up to sampleSize keys per round and repeat while more than a
// quarter of the sample was expired, up to maxRounds rounds. Returns the
// number of keys purged.
func (db *Database) RemoveExpired() int {
	const (
		sampleSize   = 20
		maxRounds    = 4
		expiredRatio = 0.25
	)

	total := 0
	for round := 0; round < maxRounds; round++ {
		if len(db.data) == 0 {
			return total
		}

		now := time.Now()
		sampled := 0
		expired := 0

		// Map iteration order is pseudo-random in Go, which is all the
		// sampling needs.
		for key, entry := range db.data {
			if sampled >= sampleSize {
				break
			}
			sampled++
			if isExpired(entry, now) {
				delete(db.data, key)
				expired++
			}
		}
		total += expired

		if sampled == 0 || float64(expired)/float64(sampled) < expiredRatio {
			return total
		}
	}
	return total
}

// KeyState is one key's serializable state within a snapshot.
type KeyState struct {
	Key      string
	Kind     Kind
	Str      string
	Members  []ScoredMember
	ExpireAt int64 // unix milliseconds, 0 means no expiry
}

// State is a full serializable copy of one database.
type State struct {
	Index int
	Keys  []KeyState
}

// Export deep-copies the database into a self-contained State, skipping
// entries that have already expired.
func (db *Database) Export() State {
	now := time.Now()
	state := State{Index: db.index, Keys: make([]KeyState, 0, len(db.data))}
	for key, entry := range db.data {
		if isExpired(entry, now) {
			continue
		}
		ks := KeyState{Key: key, Kind: entry.Kind}
		if entry.HasExpire {
			ks.ExpireAt = entry.ExpireAt.UnixMilli()
		}
		switch entry.Kind {
		case KindString:
			ks.Str = entry.Str
		case KindSortedSet:
			ks.Members = entry.ZSet.Members()
		}
		state.Keys = append(state.Keys, ks)
	}
	return state
}

// Restore replaces the database contents with a previously exported State.
// Keys whose expiry has already passed are skipped.
func (db *Database) Restore(state State) {
	now := time.Now()
	db.data = make(map[string]*Entry, len(state.Keys))
	for _, ks := range state.Keys {
		entry := &Entry{Kind: ks.Kind}
		if ks.ExpireAt > 0 {
			expireAt := time.UnixMilli(ks.ExpireAt)
			if now.After(expireAt) {
				continue
			}
			entry.ExpireAt = expireAt
			entry.HasExpire = true
		}
		switch ks.Kind {
		case KindString:
			entry.Str = ks.Str
		case KindSortedSet:
			entry.ZSet = RestoreSortedSet(ks.Members)
		}
		db.data[ks.Key] = entry
	}
}
