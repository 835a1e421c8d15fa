// Package engine coordinates the databases, the journal and the snapshot
// manager. Every mutating command follows the pattern: lock the target
// database, apply, append the effect to the journal, respond.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anirudhdahiya9/keyval-db/internal/command"
	"github.com/anirudhdahiya9/keyval-db/internal/journal"
	"github.com/anirudhdahiya9/keyval-db/internal/snapshot"
	"github.com/anirudhdahiya9/keyval-db/internal/store"
)

// Options configures an Engine.
type Options struct {
	Databases        int           // number of logical databases
	JournalPath      string        // append-only log file
	Journal          journal.Options
	SnapshotDir      string        // snapshot directory
	SnapshotInterval time.Duration // 0 disables the timer (manual triggers still work)
	Logger           *slog.Logger
}

// DefaultOptions returns the strict-durability defaults.
func DefaultOptions() Options {
	return Options{
		Databases:        16,
		Journal:          journal.DefaultOptions(),
		SnapshotInterval: 5 * time.Minute,
	}
}

// Stats holds engine statistics.
type Stats struct {
	TotalCommands int64
	TotalReads    int64
	TotalWrites   int64
	ExpiredKeys   int64
	Keys          int
	Databases     int
	StartTime     time.Time
	LastSnapshot  time.Time
}

// Engine owns the logical databases and their persistence. One mutex per
// database serializes all command execution against it: command execution is
// effectively single-threaded per database even when client I/O is
// concurrent. Reads share the same lock; the state sizes involved make the
// coarse lock an explicit tradeoff.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	dbs     []*store.Database
	locks   []sync.Mutex
	journal *journal.Journal
	snapMgr *snapshot.Manager

	startTime     time.Time
	totalCommands atomic.Int64
	totalReads    atomic.Int64
	totalWrites   atomic.Int64
	expiredKeys   atomic.Int64

	snapInFlight atomic.Bool
	snapWG       sync.WaitGroup
	lastSnapshot atomic.Int64 // unix milliseconds

	closeMu  sync.Mutex
	closed   bool
	stop     chan struct{}
	loopDone chan struct{}
}

// New creates an Engine, recovering state from the latest snapshot plus the
// trailing journal before it starts serving.
func New(opts Options) (*Engine, error) {
	if opts.Databases <= 0 {
		opts.Databases = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sm, err := snapshot.NewManager(opts.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to init snapshot manager: %w", err)
	}

	j, err := journal.Open(opts.JournalPath, opts.Journal)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open journal: %w", err)
	}

	e := &Engine{
		opts:      opts,
		logger:    opts.Logger,
		dbs:       make([]*store.Database, opts.Databases),
		locks:     make([]sync.Mutex, opts.Databases),
		journal:   j,
		snapMgr:   sm,
		startTime: time.Now(),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for i := range e.dbs {
		e.dbs[i] = store.NewDatabase(i)
	}

	if err := e.recover(); err != nil {
		j.Close()
		return nil, fmt.Errorf("engine: failed to recover: %w", err)
	}

	go e.maintenanceLoop()
	return e, nil
}

// recover restores state: latest snapshot first, then the journal records
// appended after its cut point, replayed in order through the same apply
// logic live execution uses.
func (e *Engine) recover() error {
	var cut uint64

	snap, err := e.snapMgr.Latest()
	if err != nil {
		return err
	}
	if snap != nil {
		for _, state := range snap.Databases {
			if state.Index >= 0 && state.Index < len(e.dbs) {
				e.dbs[state.Index].Restore(state)
			}
		}
		cut = snap.CutPoint
		e.logger.Info("restored snapshot", "id", snap.ID, "cut", cut)
	}

	records, err := e.journal.ReadAll()
	if err != nil {
		return err
	}

	replayed := 0
	for _, rec := range records {
		if rec.Seq <= cut {
			continue
		}
		if int(rec.DB) >= len(e.dbs) {
			continue
		}
		e.replayRecord(rec)
		replayed++
	}
	if replayed > 0 {
		e.logger.Info("replayed journal", "records", replayed)
	}
	return nil
}

// replayRecord reconstructs the typed command for an effect record and runs
// it through the executor's own apply logic, discarding the reply.
func (e *Engine) replayRecord(rec journal.Record) {
	db := e.dbs[rec.DB]

	var cmd command.Command
	switch rec.Op {
	case journal.OpSet:
		set := command.Set{Key: rec.Key, Value: rec.Value}
		if rec.ExpireAt > 0 {
			set.ExpireAt = time.UnixMilli(rec.ExpireAt)
		}
		cmd = set
	case journal.OpDel:
		cmd = command.Del{Keys: []string{rec.Key}}
	case journal.OpExpire:
		cmd = command.Expire{Key: rec.Key, ExpireAt: time.UnixMilli(rec.ExpireAt)}
	case journal.OpZAdd:
		cmd = command.ZAdd{Key: rec.Key, Members: []store.ScoredMember{
			{Member: rec.Value, Score: rec.Score},
		}}
	default:
		e.logger.Warn("skipping unknown journal op", "op", rec.Op, "seq", rec.Seq)
		return
	}

	e.applyData(db, cmd)
}

// maintenanceLoop drives expired-key sampling and timed snapshots.
func (e *Engine) maintenanceLoop() {
	defer close(e.loopDone)

	gcTicker := time.NewTicker(100 * time.Millisecond)
	defer gcTicker.Stop()

	var snapC <-chan time.Time
	if e.opts.SnapshotInterval > 0 {
		snapTicker := time.NewTicker(e.opts.SnapshotInterval)
		defer snapTicker.Stop()
		snapC = snapTicker.C
	}

	for {
		select {
		case <-e.stop:
			return
		case <-gcTicker.C:
			for i := range e.dbs {
				e.locks[i].Lock()
				purged := e.dbs[i].RemoveExpired()
				e.locks[i].Unlock()
				if purged > 0 {
					e.expiredKeys.Add(int64(purged))
				}
			}
		case <-snapC:
			e.TriggerSnapshot()
		}
	}
}

// TriggerSnapshot starts a snapshot run unless one is already in flight, in
// which case the request is dropped (not queued) and false is returned. The
// databases are locked only long enough to take a consistent deep copy and
// record the journal cut point; serialization happens on its own goroutine.
func (e *Engine) TriggerSnapshot() bool {
	// The closed check and snapWG.Add must be atomic with respect to Close,
	// which waits on snapWG before closing the journal.
	e.closeMu.Lock()
	if e.closed || !e.snapInFlight.CompareAndSwap(false, true) {
		e.closeMu.Unlock()
		return false
	}
	e.snapWG.Add(1)
	e.closeMu.Unlock()

	states, cut := e.captureView()

	go func() {
		defer e.snapWG.Done()
		defer e.snapInFlight.Store(false)
		e.writeSnapshot(states, cut)
	}()
	return true
}

// captureView takes the per-database locks in index order, records the
// journal cut point, and deep-copies every database's state.
func (e *Engine) captureView() ([]store.State, uint64) {
	for i := range e.locks {
		e.locks[i].Lock()
	}
	cut := e.journal.LastSeq()
	states := make([]store.State, len(e.dbs))
	for i, db := range e.dbs {
		states[i] = db.Export()
	}
	for i := len(e.locks) - 1; i >= 0; i-- {
		e.locks[i].Unlock()
	}
	return states, cut
}

// writeSnapshot serializes a captured view and, on success, rotates the
// journal past the cut point. A failed write leaves the previous snapshot
// and the journal untouched; the next tick retries.
func (e *Engine) writeSnapshot(states []store.State, cut uint64) {
	meta, err := e.snapMgr.Create(&snapshot.Snapshot{CutPoint: cut, Databases: states})
	if err != nil {
		e.logger.Error("snapshot failed", "err", err)
		return
	}
	e.lastSnapshot.Store(meta.CreatedAt.UnixMilli())
	e.logger.Info("snapshot written", "id", meta.ID, "cut", cut, "bytes", meta.SizeBytes)

	if err := e.journal.TruncateThrough(cut); err != nil {
		e.logger.Error("journal rotation failed", "err", err)
	}
}

// SnapshotInFlight reports whether a snapshot run is currently active.
func (e *Engine) SnapshotInFlight() bool {
	return e.snapInFlight.Load()
}

// Snapshots lists available snapshots, newest first.
func (e *Engine) Snapshots() ([]snapshot.Meta, error) {
	return e.snapMgr.List()
}

// GetStats returns engine statistics.
func (e *Engine) GetStats() Stats {
	keys := 0
	for i := range e.dbs {
		e.locks[i].Lock()
		keys += e.dbs[i].Len()
		e.locks[i].Unlock()
	}

	stats := Stats{
		TotalCommands: e.totalCommands.Load(),
		TotalReads:    e.totalReads.Load(),
		TotalWrites:   e.totalWrites.Load(),
		ExpiredKeys:   e.expiredKeys.Load(),
		Keys:          keys,
		Databases:     len(e.dbs),
		StartTime:     e.startTime,
	}
	if ms := e.lastSnapshot.Load(); ms > 0 {
		stats.LastSnapshot = time.UnixMilli(ms)
	}
	return stats
}

// Close stops the maintenance loops, waits for any in-flight snapshot and
// closes the journal. Closing an already-closed engine is a no-op.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	close(e.stop)
	<-e.loopDone
	e.snapWG.Wait()
	return e.journal.Close()
}
