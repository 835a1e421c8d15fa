// Package journal provides the append-only operation log for KeyvalDB.
// Records are effect records: they describe a mutation that already
// succeeded, with relative TTLs resolved to absolute expiry, so replay is
// independent of wall-clock time. Records are encoded little-endian with a
// CRC32 checksum over the body.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Op identifies the kind of mutation a record describes.
type Op byte

const (
	// OpSet stores a string value; ExpireAt 0 means no expiry.
	OpSet Op = 0x01
	// OpDel removes a key.
	OpDel Op = 0x02
	// OpExpire sets an absolute expiry on a key.
	OpExpire Op = 0x03
	// OpZAdd upserts one sorted-set member at an absolute score.
	OpZAdd Op = 0x04
)

// Header: CRC32 (4) + Seq (8) + DB (2) + Op (1) + KeyLen (4) + ValueLen (4)
// + Score (8) + ExpireAt (8) = 39 bytes.
const headerSize = 39

var (
	// ErrCorruptedRecord indicates a CRC32 mismatch in a journal record.
	ErrCorruptedRecord = errors.New("journal: corrupted record (CRC32 mismatch)")
)

// Record is one journal entry. Seq is the logical timestamp: strictly
// increasing across all databases, assigned at append time.
type Record struct {
	Seq      uint64
	DB       uint16
	Op       Op
	Key      string
	Value    string // string payload for OpSet, member name for OpZAdd
	Score    float64
	ExpireAt int64 // unix milliseconds, 0 means no expiry
}

// Mode selects the durability configuration.
type Mode int

const (
	// ModeSync flushes to disk on every append.
	ModeSync Mode = iota
	// ModeBatched flushes every BatchSize appends and on a timer, trading a
	// bounded durability window for lower write latency.
	ModeBatched
)

// Options configures a Journal.
type Options struct {
	Mode          Mode
	BatchSize     int           // batched mode: sync after this many appends
	FlushInterval time.Duration // batched mode: background sync cadence
}

// DefaultOptions returns the strict-durability configuration.
func DefaultOptions() Options {
	return Options{Mode: ModeSync}
}

// Journal is an append-only log of effect records.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	opts    Options
	nextSeq uint64
	pending int
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// Open opens or creates a journal file at the specified path, creating the
// directory if needed.
func Open(path string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open file: %w", err)
	}

	j := &Journal{
		file: file,
		path: path,
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if opts.Mode == ModeBatched && opts.FlushInterval > 0 {
		go j.flushLoop()
	} else {
		close(j.done)
	}
	return j, nil
}

// flushLoop periodically syncs buffered appends in batched mode.
func (j *Journal) flushLoop() {
	defer close(j.done)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.mu.Lock()
			if j.pending > 0 {
				if err := j.file.Sync(); err == nil {
					j.pending = 0
				}
			}
			j.mu.Unlock()
		}
	}
}

// LastSeq returns the sequence number of the most recently appended record:
// the journal's current cut point.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Append assigns sequence numbers to the records and writes them to the log.
// In sync mode the data is durable when Append returns; in batched mode it
// is durable after the next flush.
func (j *Journal) Append(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("journal: failed to seek to end: %w", err)
	}

	for i := range recs {
		j.nextSeq++
		recs[i].Seq = j.nextSeq
		if _, err := j.file.Write(encodeRecord(recs[i])); err != nil {
			return fmt.Errorf("journal: failed to write record: %w", err)
		}
	}
	j.pending += len(recs)

	if j.opts.Mode == ModeSync || (j.opts.BatchSize > 0 && j.pending >= j.opts.BatchSize) {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: failed to sync: %w", err)
		}
		j.pending = 0
	}
	return nil
}

// ReadAll reads all valid records from the journal. Reading stops at the
// first corrupted or partial record and the file is truncated there, so a
// torn append from a crash never poisons recovery. The next sequence number
// continues after the highest one read.
func (j *Journal) ReadAll() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("journal: failed to seek: %w", err)
	}

	var records []Record
	var validOffset int64

	for {
		rec, n, err := readRecord(j.file)
		if err != nil {
			break
		}
		records = append(records, rec)
		validOffset += int64(n)
		if rec.Seq > j.nextSeq {
			j.nextSeq = rec.Seq
		}
	}

	if err := j.file.Truncate(validOffset); err != nil {
		return nil, fmt.Errorf("journal: failed to truncate: %w", err)
	}
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("journal: failed to seek to end: %w", err)
	}

	return records, nil
}

// TruncateThrough discards all records with Seq <= cut: they are covered by
// a published snapshot. The retained tail is rewritten to a temporary file
// which atomically replaces the log.
func (j *Journal) TruncateThrough(cut uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("journal: failed to seek: %w", err)
	}

	var retained []Record
	for {
		rec, _, err := readRecord(j.file)
		if err != nil {
			break
		}
		if rec.Seq > cut {
			retained = append(retained, rec)
		}
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("journal: failed to create rotation file: %w", err)
	}
	for _, rec := range retained {
		if _, err := tmp.Write(encodeRecord(rec)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("journal: failed to write rotation file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("journal: failed to sync rotation file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("journal: failed to close rotation file: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: failed to close old log: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("journal: failed to publish rotated log: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("journal: failed to reopen log: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return fmt.Errorf("journal: failed to seek reopened log: %w", err)
	}
	j.file = file
	j.pending = 0
	return nil
}

// Close flushes and closes the journal file. Closing an already-closed
// journal is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stop)
	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: failed to sync on close: %w", err)
	}
	return j.file.Close()
}

// encodeRecord encodes a record with a CRC32 checksum over the body.
func encodeRecord(rec Record) []byte {
	keyLen := len(rec.Key)
	valueLen := len(rec.Value)
	data := make([]byte, headerSize+keyLen+valueLen)

	binary.LittleEndian.PutUint64(data[4:12], rec.Seq)
	binary.LittleEndian.PutUint16(data[12:14], rec.DB)
	data[14] = byte(rec.Op)
	binary.LittleEndian.PutUint32(data[15:19], uint32(keyLen))
	binary.LittleEndian.PutUint32(data[19:23], uint32(valueLen))
	binary.LittleEndian.PutUint64(data[23:31], math.Float64bits(rec.Score))
	binary.LittleEndian.PutUint64(data[31:39], uint64(rec.ExpireAt))
	copy(data[39:39+keyLen], rec.Key)
	copy(data[39+keyLen:], rec.Value)

	checksum := crc32.ChecksumIEEE(data[4:])
	binary.LittleEndian.PutUint32(data[0:4], checksum)
	return data
}

// readRecord reads a single record. Returns the record, the number of bytes
// consumed, and an error (io.EOF for a clean end, ErrCorruptedRecord for a
// checksum mismatch).
func readRecord(r io.Reader) (Record, int, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		return Record{}, n, io.EOF
	}

	storedCRC := binary.LittleEndian.Uint32(header[0:4])
	keyLen := binary.LittleEndian.Uint32(header[15:19])
	valueLen := binary.LittleEndian.Uint32(header[19:23])

	// Sanity caps to avoid allocating garbage lengths from a torn write.
	if keyLen > 1<<20 || valueLen > 1<<30 {
		return Record{}, n, ErrCorruptedRecord
	}

	body := make([]byte, keyLen+valueLen)
	m, err := io.ReadFull(r, body)
	if err != nil {
		return Record{}, n + m, io.EOF
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(body)
	if crc.Sum32() != storedCRC {
		return Record{}, n + m, ErrCorruptedRecord
	}

	return Record{
		Seq:      binary.LittleEndian.Uint64(header[4:12]),
		DB:       binary.LittleEndian.Uint16(header[12:14]),
		Op:       Op(header[14]),
		Key:      string(body[:keyLen]),
		Value:    string(body[keyLen:]),
		Score:    math.Float64frombits(binary.LittleEndian.Uint64(header[23:31])),
		ExpireAt: int64(binary.LittleEndian.Uint64(header[31:39])),
	}, headerSize + int(keyLen+valueLen), nil
}
