package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhdahiya9/keyval-db/internal/command"
	"github.com/anirudhdahiya9/keyval-db/internal/journal"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Databases = 4
	opts.JournalPath = filepath.Join(dir, "journal.log")
	opts.SnapshotDir = filepath.Join(dir, "snapshots")
	opts.SnapshotInterval = 0 // manual triggers only
	return opts
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSessionSelection(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()

	reply := s.Execute([]string{"GET", "k"})
	require.True(t, reply.IsError())
	assert.Equal(t, command.ErrArgument, reply.Err.Kind)

	reply = s.Execute([]string{"SELECT", "99"})
	require.True(t, reply.IsError())
	assert.Equal(t, command.ErrRange, reply.Err.Kind)

	assert.Equal(t, command.ReplyOK, s.Execute([]string{"SELECT", "2"}).Kind)
	assert.Equal(t, 2, s.Selected())

	assert.Equal(t, command.ReplyOK, s.Execute([]string{"DESELECT"}).Kind)
	assert.Equal(t, -1, s.Selected())

	reply = s.Execute([]string{"DESELECT"})
	require.True(t, reply.IsError())
}

func TestSetGetDel(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()
	require.Equal(t, command.ReplyOK, s.Execute([]string{"SELECT", "0"}).Kind)

	assert.Equal(t, command.ReplyOK, s.Execute([]string{"SET", "name", "flash"}).Kind)

	reply := s.Execute([]string{"GET", "name"})
	require.Equal(t, command.ReplyStr, reply.Kind)
	assert.Equal(t, "flash", reply.Str)

	assert.Equal(t, command.ReplyNil, s.Execute([]string{"GET", "missing"}).Kind)

	reply = s.Execute([]string{"DEL", "name", "missing"})
	require.Equal(t, command.ReplyInt, reply.Kind)
	assert.Equal(t, int64(1), reply.Int)

	assert.Equal(t, command.ReplyNil, s.Execute([]string{"GET", "name"}).Kind)
}

func TestSetGuards(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})

	assert.Equal(t, command.ReplyOK, s.Execute([]string{"SET", "k", "first", "-NX"}).Kind)
	assert.Equal(t, command.ReplyNil, s.Execute([]string{"SET", "k", "second", "-NX"}).Kind)
	assert.Equal(t, "first", s.Execute([]string{"GET", "k"}).Str)

	assert.Equal(t, command.ReplyNil, s.Execute([]string{"SET", "other", "v", "-XX"}).Kind)
	assert.Equal(t, command.ReplyNil, s.Execute([]string{"GET", "other"}).Kind)

	assert.Equal(t, command.ReplyOK, s.Execute([]string{"SET", "k", "third", "-XX"}).Kind)
	assert.Equal(t, "third", s.Execute([]string{"GET", "k"}).Str)
}

func TestExpiryLifecycle(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})

	s.Execute([]string{"SET", "k", "v", "-EX", "10"})
	reply := s.Execute([]string{"TTL", "k"})
	require.Equal(t, command.ReplyInt, reply.Kind)
	assert.True(t, reply.Int > 0 && reply.Int <= 10)

	// KEEPTTL preserves the expiry across an overwrite.
	s.Execute([]string{"SET", "k", "v2", "-KEEPTTL"})
	assert.True(t, s.Execute([]string{"TTL", "k"}).Int > 0)

	// A plain overwrite clears it.
	s.Execute([]string{"SET", "k", "v3"})
	assert.Equal(t, int64(-1), s.Execute([]string{"TTL", "k"}).Int)

	assert.Equal(t, int64(-2), s.Execute([]string{"TTL", "missing"}).Int)
	assert.Equal(t, int64(0), s.Execute([]string{"EXPIRE", "missing", "5"}).Int)
	assert.Equal(t, int64(1), s.Execute([]string{"EXPIRE", "k", "5"}).Int)

	s.Execute([]string{"SET", "gone", "v", "-PX", "30"})
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, command.ReplyNil, s.Execute([]string{"GET", "gone"}).Kind)
	assert.Equal(t, int64(-2), s.Execute([]string{"TTL", "gone"}).Int)
}

func TestSortedSetCommands(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})

	reply := s.Execute([]string{"ZADD", "board", "3", "carol", "1", "alice", "2", "bob"})
	require.Equal(t, command.ReplyInt, reply.Kind)
	assert.Equal(t, int64(3), reply.Int)

	reply = s.Execute([]string{"ZRANGE", "board", "0", "-1"})
	require.Equal(t, command.ReplyList, reply.Kind)
	assert.Equal(t, []string{"alice", "bob", "carol"}, reply.List)

	reply = s.Execute([]string{"ZRANGE", "board", "0", "1", "-WITHSCORES"})
	assert.Equal(t, []string{"alice", "1", "bob", "2"}, reply.List)

	reply = s.Execute([]string{"ZRANK", "board", "carol"})
	require.Equal(t, command.ReplyInt, reply.Kind)
	assert.Equal(t, int64(2), reply.Int)
	assert.Equal(t, command.ReplyNil, s.Execute([]string{"ZRANK", "board", "nobody"}).Kind)
	assert.Equal(t, command.ReplyNil, s.Execute([]string{"ZRANK", "missing", "alice"}).Kind)

	// Updating a score counts with -CH but not without.
	assert.Equal(t, int64(0), s.Execute([]string{"ZADD", "board", "9", "alice"}).Int)
	assert.Equal(t, int64(1), s.Execute([]string{"ZADD", "board", "10", "alice", "-CH"}).Int)

	reply = s.Execute([]string{"ZADD", "board", "2.5", "bob", "-INCR"})
	require.Equal(t, command.ReplyStr, reply.Kind)
	assert.Equal(t, "4.5", reply.Str)

	assert.Equal(t, command.ReplyNil, s.Execute([]string{"ZADD", "board", "1", "x", "-NX"}).Kind)
	assert.Equal(t, command.ReplyNil, s.Execute([]string{"ZADD", "fresh", "1", "x", "-XX"}).Kind)
	assert.Equal(t, command.ReplyList, s.Execute([]string{"ZRANGE", "fresh", "0", "-1"}).Kind)
	assert.Empty(t, s.Execute([]string{"ZRANGE", "fresh", "0", "-1"}).List)
}

func TestWrongTypeErrors(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})

	s.Execute([]string{"SET", "str", "v"})
	s.Execute([]string{"ZADD", "zset", "1", "a"})

	for _, tokens := range [][]string{
		{"ZADD", "str", "1", "a"},
		{"ZRANK", "str", "a"},
		{"ZRANGE", "str", "0", "-1"},
		{"GET", "zset"},
	} {
		reply := s.Execute(tokens)
		require.True(t, reply.IsError(), "tokens %v", tokens)
		assert.Equal(t, command.ErrWrongType, reply.Err.Kind)
	}

	// SET replaces regardless of the previous kind.
	assert.Equal(t, command.ReplyOK, s.Execute([]string{"SET", "zset", "now a string"}).Kind)
	assert.Equal(t, "now a string", s.Execute([]string{"GET", "zset"}).Str)
}

func TestDatabasesAreIsolated(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()

	s.Execute([]string{"SELECT", "0"})
	s.Execute([]string{"SET", "k", "zero"})

	s.Execute([]string{"SELECT", "1"})
	assert.Equal(t, command.ReplyNil, s.Execute([]string{"GET", "k"}).Kind)
	s.Execute([]string{"SET", "k", "one"})

	s.Execute([]string{"SELECT", "0"})
	assert.Equal(t, "zero", s.Execute([]string{"GET", "k"}).Str)
}

func TestJournalRecovery(t *testing.T) {
	opts := testOptions(t)

	e1, err := New(opts)
	require.NoError(t, err)
	s := e1.NewSession()
	s.Execute([]string{"SELECT", "0"})
	s.Execute([]string{"SET", "name", "flash"})
	s.Execute([]string{"SET", "ephemeral", "v", "-EX", "100"})
	s.Execute([]string{"ZADD", "board", "1", "alice", "2", "bob"})
	s.Execute([]string{"ZADD", "board", "5", "bob", "-INCR"})
	s.Execute([]string{"DEL", "name"})
	s.Execute([]string{"SELECT", "1"})
	s.Execute([]string{"SET", "other", "db1"})
	require.NoError(t, e1.Close())

	e2 := newTestEngine(t, opts)
	s2 := e2.NewSession()
	s2.Execute([]string{"SELECT", "0"})

	assert.Equal(t, command.ReplyNil, s2.Execute([]string{"GET", "name"}).Kind)
	assert.Equal(t, "v", s2.Execute([]string{"GET", "ephemeral"}).Str)
	assert.True(t, s2.Execute([]string{"TTL", "ephemeral"}).Int > 0)
	assert.Equal(t, []string{"alice", "1", "bob", "7"},
		s2.Execute([]string{"ZRANGE", "board", "0", "-1", "-WITHSCORES"}).List)

	s2.Execute([]string{"SELECT", "1"})
	assert.Equal(t, "db1", s2.Execute([]string{"GET", "other"}).Str)
}

func TestSnapshotThenJournalTail(t *testing.T) {
	opts := testOptions(t)

	e1, err := New(opts)
	require.NoError(t, err)
	s := e1.NewSession()
	s.Execute([]string{"SELECT", "0"})
	s.Execute([]string{"SET", "before", "snapshot"})
	s.Execute([]string{"ZADD", "board", "1", "alice"})

	require.True(t, e1.TriggerSnapshot())
	waitSnapshotDone(t, e1)

	// Written after the cut point, recovered from the journal tail.
	s.Execute([]string{"SET", "after", "snapshot"})
	s.Execute([]string{"ZADD", "board", "2", "bob"})
	require.NoError(t, e1.Close())

	metas, err := e1.Snapshots()
	require.NoError(t, err)
	require.Len(t, metas, 1)

	e2 := newTestEngine(t, opts)
	s2 := e2.NewSession()
	s2.Execute([]string{"SELECT", "0"})
	assert.Equal(t, "snapshot", s2.Execute([]string{"GET", "before"}).Str)
	assert.Equal(t, "snapshot", s2.Execute([]string{"GET", "after"}).Str)
	assert.Equal(t, []string{"alice", "bob"},
		s2.Execute([]string{"ZRANGE", "board", "0", "-1"}).List)
}

func TestSnapshotSingleFlight(t *testing.T) {
	opts := testOptions(t)
	opts.Journal.Mode = journal.ModeBatched
	opts.Journal.BatchSize = 1 << 20

	e := newTestEngine(t, opts)
	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})
	for i := 0; i < 20000; i++ {
		s.Execute([]string{"SET", fmt.Sprintf("key:%d", i), "payload-payload-payload"})
	}

	require.True(t, e.TriggerSnapshot())
	assert.False(t, e.TriggerSnapshot(), "overlapping trigger should be dropped")
	waitSnapshotDone(t, e)
	assert.True(t, e.TriggerSnapshot())
	waitSnapshotDone(t, e)
}

func TestConcurrentClientsDoNotInterleave(t *testing.T) {
	e := newTestEngine(t, testOptions(t))

	const clients = 8
	const perClient = 50

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := e.NewSession()
			s.Execute([]string{"SELECT", "0"})
			for i := 0; i < perClient; i++ {
				reply := s.Execute([]string{"ZADD", "counter", "1", "n", "-INCR"})
				assert.Equal(t, command.ReplyStr, reply.Kind)
			}
		}()
	}
	wg.Wait()

	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})
	assert.Equal(t, []string{"n", fmt.Sprintf("%d", clients*perClient)},
		s.Execute([]string{"ZRANGE", "counter", "0", "-1", "-WITHSCORES"}).List)
}

func TestJournalFailureSurfacesAsNotDurable(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})
	require.Equal(t, command.ReplyOK, s.Execute([]string{"SET", "a", "1"}).Kind)

	// Kill the journal out from under the engine so the next append fails.
	require.NoError(t, e.journal.Close())

	reply := s.Execute([]string{"SET", "b", "2"})
	require.True(t, reply.IsError())
	assert.Equal(t, command.ErrPersistence, reply.Err.Kind)
	assert.Contains(t, reply.Err.Message, "applied but not journaled")

	// The mutation stands; only durability is in doubt.
	assert.Equal(t, "2", s.Execute([]string{"GET", "b"}).Str)
	assert.Equal(t, "1", s.Execute([]string{"GET", "a"}).Str)
}

func TestNoOpWritesAreNotJournaled(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)

	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})

	assert.Equal(t, int64(1), s.Execute([]string{"ZADD", "board", "1", "alice"}).Int)
	// Upserts at the current score change nothing and must leave no record.
	assert.Equal(t, int64(0), s.Execute([]string{"ZADD", "board", "1", "alice"}).Int)
	assert.Equal(t, int64(0), s.Execute([]string{"ZADD", "board", "1", "alice", "-CH"}).Int)
	assert.Equal(t, int64(1), s.Execute([]string{"ZADD", "board", "2", "alice", "-CH"}).Int)
	// A mixed batch journals only the changed member.
	assert.Equal(t, int64(1), s.Execute([]string{"ZADD", "board", "2", "alice", "3", "bob"}).Int)

	s.Execute([]string{"SET", "k", "v"})
	expireAt := time.Now().Add(time.Hour)
	assert.Equal(t, int64(1), s.Do(command.Expire{Key: "k", ExpireAt: expireAt}).Int)
	// Re-setting the identical expiry succeeds but is not re-journaled.
	assert.Equal(t, int64(1), s.Do(command.Expire{Key: "k", ExpireAt: expireAt}).Int)

	require.NoError(t, e.Close())

	j, err := journal.Open(opts.JournalPath, journal.DefaultOptions())
	require.NoError(t, err)
	defer j.Close()
	records, err := j.ReadAll()
	require.NoError(t, err)

	counts := make(map[journal.Op]int)
	for _, rec := range records {
		counts[rec.Op]++
	}
	assert.Equal(t, 3, counts[journal.OpZAdd], "alice@1, alice@2, bob@3")
	assert.Equal(t, 1, counts[journal.OpSet])
	assert.Equal(t, 1, counts[journal.OpExpire])
}

func TestTriggerSnapshotAfterClose(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)

	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})
	s.Execute([]string{"SET", "k", "v"})

	require.NoError(t, e.Close())
	assert.False(t, e.TriggerSnapshot())
	// Close is idempotent.
	require.NoError(t, e.Close())
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, testOptions(t))
	s := e.NewSession()
	s.Execute([]string{"SELECT", "0"})
	s.Execute([]string{"SET", "a", "1"})
	s.Execute([]string{"SET", "b", "2"})
	s.Execute([]string{"GET", "a"})

	stats := e.GetStats()
	assert.Equal(t, 4, int(stats.Databases))
	assert.Equal(t, 2, stats.Keys)
	assert.Equal(t, int64(2), stats.TotalWrites)
	assert.GreaterOrEqual(t, stats.TotalCommands, int64(4))
	assert.False(t, stats.StartTime.IsZero())
}

func waitSnapshotDone(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.SnapshotInFlight() {
		if time.Now().After(deadline) {
			t.Fatal("snapshot did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
