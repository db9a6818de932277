// Package wal implements CannonDB's write-ahead log: an append-only
// sequence of page-image frames sealed into atomically-durable commit
// groups (spec.md §4.D).
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/SimonCqk/cannondb/internal/cdblog"
)

const (
	frameHeaderSize = 12 // pageNo(4) + length(4) + crc32(4)
	commitSentinel  = 0xFFFFFFFF
)

// ErrCorrupt is returned when a frame or commit record fails its CRC32
// check somewhere other than the torn tail of the log.
var ErrCorrupt = errors.New("wal: corrupt record")

// Frame is one page image to be committed together.
type Frame struct {
	PageNo  uint32
	Payload []byte
}

// ApplyFunc writes one recovered frame's payload into the main file.
type ApplyFunc func(pageNo uint32, payload []byte) error

// WAL is an append-only log of committed page frames.
type WAL struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	writeOff   int64
	inMemory   bool
	closed     bool
	log        *cdblog.Logger
}

// Open opens or creates the WAL file at path. When inMemory is true,
// the WAL is a complete no-op: append/recover/checkpoint all do
// nothing, matching the in-memory engine mode's void durability
// guarantees (spec.md §4.F).
func Open(path string, inMemory bool, log *cdblog.Logger) (*WAL, error) {
	if log == nil {
		log = cdblog.Noop()
	}
	log = log.With("wal")

	if inMemory {
		return &WAL{inMemory: true, log: log}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &WAL{file: f, path: path, writeOff: stat.Size(), log: log}, nil
}

// AppendCommit writes frames followed by a sealing commit record, then
// fsyncs the WAL. All of frames become durable atomically: a crash
// before the commit record lands means none of them are replayed.
func (w *WAL) AppendCommit(frames []Frame) error {
	if w.inMemory || len(frames) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}

	var crcs []byte
	off := w.writeOff
	for _, f := range frames {
		buf := make([]byte, frameHeaderSize+len(f.Payload))
		binary.BigEndian.PutUint32(buf[0:4], f.PageNo)
		binary.BigEndian.PutUint32(buf[4:8], uint32(len(f.Payload)))
		crc := crc32.ChecksumIEEE(f.Payload)
		binary.BigEndian.PutUint32(buf[8:12], crc)
		copy(buf[12:], f.Payload)

		if _, err := w.file.WriteAt(buf, off); err != nil {
			return fmt.Errorf("wal: write frame: %w", err)
		}
		off += int64(len(buf))

		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], crc)
		crcs = append(crcs, crcBuf[:]...)
	}

	commitBuf := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(commitBuf[0:4], commitSentinel)
	binary.BigEndian.PutUint32(commitBuf[4:8], 0)
	binary.BigEndian.PutUint32(commitBuf[8:12], crc32.ChecksumIEEE(crcs))
	if _, err := w.file.WriteAt(commitBuf, off); err != nil {
		return fmt.Errorf("wal: write commit record: %w", err)
	}
	off += frameHeaderSize

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}

	w.writeOff = off
	w.log.Debug().Int("frames", len(frames)).Msg("appended commit group")
	return nil
}

// Recover replays every complete commit group in the log, in order,
// calling apply for each frame. A torn trailing group (incomplete
// frame, truncated payload, or a commit record whose checksum doesn't
// verify) at the very end of the file is discarded silently and the
// file is truncated to the last valid boundary. The same corruption
// found with further bytes still following it is ErrCorrupt: a
// non-trailing frame failing its check means the log itself is
// damaged, not merely torn by a crash mid-write.
func (w *WAL) Recover(apply ApplyFunc) (groups int, err error) {
	if w.inMemory {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	stat, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	size := stat.Size()
	data := make([]byte, size)
	if _, err := w.file.ReadAt(data, 0); err != nil && size > 0 {
		return 0, err
	}

	type pendingFrame struct {
		pageNo  uint32
		payload []byte
	}
	var pending []pendingFrame
	var pendingCRCs []byte

	var pos, committed int64
	for pos+frameHeaderSize <= size {
		pageNo := binary.BigEndian.Uint32(data[pos : pos+4])
		length := binary.BigEndian.Uint32(data[pos+4 : pos+8])
		crc := binary.BigEndian.Uint32(data[pos+8 : pos+12])

		if pageNo == commitSentinel {
			if length != 0 {
				break // malformed sentinel: treat as torn tail
			}
			expected := crc32.ChecksumIEEE(pendingCRCs)
			if crc != expected {
				if pos+frameHeaderSize == size {
					break // torn trailing commit record
				}
				return groups, fmt.Errorf("%w: commit record checksum at offset %d", ErrCorrupt, pos)
			}
			for _, pf := range pending {
				if err := apply(pf.pageNo, pf.payload); err != nil {
					return groups, err
				}
			}
			groups++
			pending = nil
			pendingCRCs = nil
			pos += frameHeaderSize
			committed = pos
			continue
		}

		end := pos + frameHeaderSize + int64(length)
		if end > size {
			break // torn trailing frame (truncated payload)
		}
		payload := data[pos+frameHeaderSize : end]
		got := crc32.ChecksumIEEE(payload)
		if got != crc {
			if end == size {
				break // torn trailing frame
			}
			return groups, fmt.Errorf("%w: frame checksum at offset %d", ErrCorrupt, pos)
		}

		pl := make([]byte, len(payload))
		copy(pl, payload)
		pending = append(pending, pendingFrame{pageNo: pageNo, payload: pl})
		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], got)
		pendingCRCs = append(pendingCRCs, crcBuf[:]...)
		pos = end
	}

	// Drop any torn trailing bytes (an incomplete group, or the
	// remainder of the file past the last valid commit boundary) so
	// future appends and re-recovery see a clean log.
	if committed < size {
		if err := w.file.Truncate(committed); err != nil {
			return groups, err
		}
	}
	w.writeOff = committed

	if err := w.file.Sync(); err != nil {
		return groups, err
	}

	w.log.Info().Int("groups", groups).Msg("WAL recovery complete")
	return groups, nil
}

// Checkpoint truncates the WAL to zero length after its frames have
// been applied to the main file and fsynced by the caller. It also
// attempts to fsync the WAL's parent directory, to harden the
// truncation itself against a crash (best-effort: some filesystems
// don't support fsync on a directory handle).
func (w *WAL) Checkpoint() error {
	if w.inMemory {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	w.writeOff = 0
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync after truncate: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(w.path)); err == nil {
		if syncErr := dir.Sync(); syncErr != nil {
			w.log.Debug().Err(syncErr).Msg("directory fsync unsupported on this filesystem")
		}
		dir.Close()
	}

	w.log.Debug().Msg("checkpoint truncated WAL")
	return nil
}

// Sync issues a durable barrier on the WAL file without altering its contents.
func (w *WAL) Sync() error {
	if w.inMemory {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close fsyncs and closes the WAL file.
func (w *WAL) Close() error {
	if w.inMemory {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Size returns the current WAL file length.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeOff
}
