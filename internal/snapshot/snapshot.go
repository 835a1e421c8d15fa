// Package snapshot handles point-in-time serialization of the databases.
// A snapshot file is an xxhash-checksummed gob blob written to a temporary
// file and atomically renamed into place, so a failed or interrupted write
// can never replace the last known-good snapshot.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/anirudhdahiya9/keyval-db/internal/store"
)

// ErrChecksumMismatch indicates snapshot file corruption.
var ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")

// Snapshot is the full serializable state captured at a moment in time.
// CutPoint is the journal sequence number covered by this snapshot: every
// journal record with Seq <= CutPoint is already reflected in it.
type Snapshot struct {
	ID        string
	CreatedAt time.Time
	CutPoint  uint64
	Databases []store.State
}

// Meta describes a snapshot file without loading the full data.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	FilePath  string    `json:"file_path"`
}

// Manager handles snapshot files in a directory on disk.
type Manager struct {
	dir string
}

// NewManager creates a Manager that stores snapshots in dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	return &Manager{dir: dir}, nil
}

// idCounter disambiguates snapshots created within the same millisecond.
var idCounter atomic.Uint64

// Create serializes snap to disk and returns its metadata. The file is
// published atomically: a temporary file is written, synced and renamed.
func (m *Manager) Create(snap *Snapshot) (Meta, error) {
	if snap.ID == "" {
		snap.ID = fmt.Sprintf("snap-%d-%d", time.Now().UnixMilli(), idCounter.Add(1))
	}
	snap.CreatedAt = time.Now()

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(snap); err != nil {
		return Meta{}, fmt.Errorf("snapshot: encode: %w", err)
	}

	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], xxhash.Sum64(payload.Bytes()))

	path := filepath.Join(m.dir, snap.ID+".snap")
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: create temp file: %w", err)
	}
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: write header: %w", err)
	}
	if _, err := f.Write(payload.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: write payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return Meta{}, fmt.Errorf("snapshot: publish: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: stat: %w", err)
	}
	return Meta{
		ID:        snap.ID,
		CreatedAt: snap.CreatedAt,
		SizeBytes: info.Size(),
		FilePath:  path,
	}, nil
}

// List returns metadata for all snapshots, sorted newest first.
func (m *Manager) List() ([]Meta, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}

	var metas []Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		metas = append(metas, Meta{
			ID:        strings.TrimSuffix(e.Name(), ".snap"),
			CreatedAt: info.ModTime(),
			SizeBytes: info.Size(),
			FilePath:  filepath.Join(m.dir, e.Name()),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Load reads, verifies and decodes a snapshot from disk by ID.
func (m *Manager) Load(id string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id+".snap"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", id, err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("snapshot: %s: %w", id, ErrChecksumMismatch)
	}

	stored := binary.LittleEndian.Uint64(data[:8])
	payload := data[8:]
	if xxhash.Sum64(payload) != stored {
		return nil, fmt.Errorf("snapshot: %s: %w", id, ErrChecksumMismatch)
	}

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", id, err)
	}
	return &snap, nil
}

// Latest loads the most recent snapshot, or returns (nil, nil) if the
// directory holds none. A corrupt newest snapshot is skipped in favor of the
// next one back.
func (m *Manager) Latest() (*Snapshot, error) {
	metas, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		snap, err := m.Load(meta.ID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrChecksumMismatch) {
			return nil, err
		}
	}
	return nil, nil
}

// Delete removes a snapshot file by ID.
func (m *Manager) Delete(id string) error {
	if err := os.Remove(filepath.Join(m.dir, id+".snap")); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	return nil
}
