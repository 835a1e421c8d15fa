package engine

import (
	"strconv"
	"time"

	"github.com/anirudhdahiya9/keyval-db/internal/command"
	"github.com/anirudhdahiya9/keyval-db/internal/journal"
	"github.com/anirudhdahiya9/keyval-db/internal/store"
)

// Session is one client's view of the engine: which database is selected, if
// any. A session is owned by a single connection and is not safe for
// concurrent use; the engine itself is.
type Session struct {
	engine   *Engine
	selected int
	active   bool
}

// NewSession returns a session with no database selected.
func (e *Engine) NewSession() *Session {
	return &Session{engine: e, selected: -1}
}

// Selected returns the session's database index, or -1 when none is
// selected.
func (s *Session) Selected() int {
	if !s.active {
		return -1
	}
	return s.selected
}

// Execute tokenizes nothing: it validates already-split tokens into a typed
// command and dispatches it. Relative expiry options are anchored to the
// current wall clock here, before any lock is taken.
func (s *Session) Execute(tokens []string) command.Reply {
	cmd, err := command.Parse(tokens, time.Now())
	if err != nil {
		return command.Err(err)
	}
	return s.Do(cmd)
}

// Do dispatches a typed command. Session commands run lock-free; data
// commands take the selected database's lock for their whole
// validate-apply-journal sequence, so concurrent commands against one
// database never interleave partial effects.
func (s *Session) Do(cmd command.Command) command.Reply {
	e := s.engine
	e.totalCommands.Add(1)

	switch c := cmd.(type) {
	case command.Ping:
		return command.Str("PONG")

	case command.Exit:
		return command.OK()

	case command.Select:
		if c.Index < 0 || c.Index >= len(e.dbs) {
			return command.Err(command.Errorf(command.ErrRange,
				"database index must be between 0 and %d", len(e.dbs)-1))
		}
		s.selected = c.Index
		s.active = true
		return command.OK()

	case command.Deselect:
		if !s.active {
			return command.Err(command.Errorf(command.ErrArgument, "no database selected"))
		}
		s.selected = -1
		s.active = false
		return command.OK()
	}

	if !s.active {
		return command.Err(command.Errorf(command.ErrArgument, "no database selected"))
	}

	e.locks[s.selected].Lock()
	defer e.locks[s.selected].Unlock()

	db := e.dbs[s.selected]
	reply, effects := e.applyData(db, cmd)
	if reply.IsError() {
		return reply
	}

	if len(effects) > 0 {
		e.totalWrites.Add(1)
		for i := range effects {
			effects[i].DB = uint16(s.selected)
		}
		if err := e.journal.Append(effects...); err != nil {
			e.logger.Error("journal append failed", "err", err)
			if e.opts.Journal.Mode == journal.ModeSync {
				// The mutation already happened; only durability is in doubt.
				return command.Err(command.Errorf(command.ErrPersistence,
					"command applied but not journaled: %v", err))
			}
		}
	} else {
		e.totalReads.Add(1)
	}
	return reply
}

// applyData mutates a database for one data command and returns the reply
// plus the effect records describing what actually changed. Guard failures
// and reads produce no effects. The caller holds the database lock; this is
// also the replay path, which discards the reply and appends nothing.
func (e *Engine) applyData(db *store.Database, cmd command.Command) (command.Reply, []journal.Record) {
	switch c := cmd.(type) {
	case command.Get:
		value, ok, err := db.Get(c.Key)
		if err != nil {
			return wrongType(), nil
		}
		if !ok {
			return command.Nil(), nil
		}
		return command.Str(value), nil

	case command.Set:
		exists := db.Exists(c.Key)
		if (c.NX && exists) || (c.XX && !exists) {
			return command.Nil(), nil
		}

		expireAt := c.ExpireAt
		if c.KeepTTL && exists {
			if prior, ok := db.ExpiryOf(c.Key); ok {
				expireAt = prior
			}
		}
		db.SetString(c.Key, c.Value, expireAt)

		rec := journal.Record{Op: journal.OpSet, Key: c.Key, Value: c.Value}
		if !expireAt.IsZero() {
			rec.ExpireAt = expireAt.UnixMilli()
		}
		return command.OK(), []journal.Record{rec}

	case command.Expire:
		prior, hadExpiry := db.ExpiryOf(c.Key)
		if !db.Expire(c.Key, c.ExpireAt) {
			return command.Int(0), nil
		}
		if hadExpiry && prior.Equal(c.ExpireAt) {
			// Re-setting the identical expiry changes nothing.
			return command.Int(1), nil
		}
		return command.Int(1), []journal.Record{{
			Op:       journal.OpExpire,
			Key:      c.Key,
			ExpireAt: c.ExpireAt.UnixMilli(),
		}}

	case command.TTL:
		return command.Int(ttlSeconds(db.TTL(c.Key))), nil

	case command.Del:
		var effects []journal.Record
		deleted := int64(0)
		for _, key := range c.Keys {
			if db.Delete(key) {
				deleted++
				effects = append(effects, journal.Record{Op: journal.OpDel, Key: key})
			}
		}
		return command.Int(deleted), effects

	case command.ZAdd:
		return e.applyZAdd(db, c)

	case command.ZRank:
		zset, err := db.SortedSetAt(c.Key)
		if err != nil {
			return wrongType(), nil
		}
		if zset == nil {
			return command.Nil(), nil
		}
		rank, ok := zset.Rank(c.Member)
		if !ok {
			return command.Nil(), nil
		}
		return command.Int(int64(rank)), nil

	case command.ZRange:
		zset, err := db.SortedSetAt(c.Key)
		if err != nil {
			return wrongType(), nil
		}
		if zset == nil {
			return command.List(nil), nil
		}
		members := zset.Range(c.Start, c.Stop)
		items := make([]string, 0, len(members)*2)
		for _, m := range members {
			items = append(items, m.Member)
			if c.WithScores {
				items = append(items, formatScore(m.Score))
			}
		}
		return command.List(items), nil
	}

	return command.Err(command.Errorf(command.ErrArgument,
		"unhandled command '%s'", cmd.CommandName())), nil
}

func (e *Engine) applyZAdd(db *store.Database, c command.ZAdd) (command.Reply, []journal.Record) {
	zset, err := db.SortedSetAt(c.Key)
	if err != nil {
		return wrongType(), nil
	}

	exists := zset != nil
	if (c.NX && exists) || (c.XX && !exists) {
		return command.Nil(), nil
	}
	if !exists {
		zset = store.NewSortedSet()
		db.PutSortedSet(c.Key, zset)
	}

	if c.Incr {
		m := c.Members[0]
		old, existed := zset.Score(m.Member)
		newScore := zset.IncrBy(m.Member, m.Score)
		if existed && newScore == old {
			// Incrementing by zero leaves the score untouched.
			return command.Str(formatScore(newScore)), nil
		}
		return command.Str(formatScore(newScore)), []journal.Record{{
			Op:    journal.OpZAdd,
			Key:   c.Key,
			Value: m.Member,
			Score: newScore,
		}}
	}

	// Only members whose score actually changes are journaled; an upsert at
	// the current score is a no-op.
	effects := make([]journal.Record, 0, len(c.Members))
	for _, m := range c.Members {
		if old, ok := zset.Score(m.Member); ok && old == m.Score {
			continue
		}
		effects = append(effects, journal.Record{
			Op:    journal.OpZAdd,
			Key:   c.Key,
			Value: m.Member,
			Score: m.Score,
		})
	}

	var n int
	if c.CH {
		n = zset.AddChanged(c.Members...)
	} else {
		n = zset.Add(c.Members...)
	}
	return command.Int(int64(n)), effects
}

func wrongType() command.Reply {
	return command.Err(command.Errorf(command.ErrWrongType,
		"operation against a key holding the wrong kind of value"))
}

// ttlSeconds converts a store TTL to the integer reply: -2 absent, -1 no
// expiry, otherwise remaining whole seconds rounded up so a key set with a
// ten second expiry reports 10 immediately after.
func ttlSeconds(d time.Duration) int64 {
	if d < 0 {
		return int64(d / time.Second)
	}
	return int64((d + time.Second - 1) / time.Second)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
