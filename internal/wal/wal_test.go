package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func pageBytes(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestAppendAndRecoverAppliesFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.AppendCommit([]Frame{{PageNo: 1, Payload: pageBytes(16, 0xAA)}}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if err := w.AppendCommit([]Frame{
		{PageNo: 2, Payload: pageBytes(16, 0xBB)},
		{PageNo: 3, Payload: pageBytes(16, 0xCC)},
	}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}

	var applied []uint32
	groups, err := w.Recover(func(pageNo uint32, payload []byte) error {
		applied = append(applied, pageNo)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if groups != 2 {
		t.Fatalf("expected 2 groups, got %d", groups)
	}
	if len(applied) != 3 || applied[0] != 1 || applied[1] != 2 || applied[2] != 3 {
		t.Fatalf("unexpected apply order: %v", applied)
	}
}

func TestRecoverDiscardsTornTrailingGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.AppendCommit([]Frame{{PageNo: 1, Payload: pageBytes(16, 0x11)}}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	validSize := w.Size()

	// Simulate a crash mid-write: a dangling partial frame header with
	// no sealing commit record, appended directly past the valid log.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteAt([]byte{0, 0, 0, 9, 0, 0}, validSize); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	var applied []uint32
	groups, err := w.Recover(func(pageNo uint32, payload []byte) error {
		applied = append(applied, pageNo)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if groups != 1 || len(applied) != 1 || applied[0] != 1 {
		t.Fatalf("expected exactly the one complete group replayed, got groups=%d applied=%v", groups, applied)
	}
	if w.Size() != validSize {
		t.Fatalf("expected torn tail truncated away, WAL size %d != valid size %d", w.Size(), validSize)
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.AppendCommit([]Frame{{PageNo: 7, Payload: pageBytes(16, 0x55)}}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}

	count := func() int {
		n := 0
		groups, err := w.Recover(func(pageNo uint32, payload []byte) error {
			n++
			return nil
		})
		if err != nil {
			t.Fatalf("Recover: %v", err)
		}
		return groups * 1000 + n
	}
	first := count()
	second := count()
	if first != second {
		t.Fatalf("recovery not idempotent: first=%d second=%d", first, second)
	}
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.AppendCommit([]Frame{{PageNo: 1, Payload: pageBytes(16, 0x1)}}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if w.Size() == 0 {
		t.Fatalf("expected non-zero WAL size before checkpoint")
	}
	if err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if w.Size() != 0 {
		t.Fatalf("expected WAL truncated to zero after checkpoint, got %d", w.Size())
	}

	groups, err := w.Recover(func(uint32, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if groups != 0 {
		t.Fatalf("expected no groups to replay after checkpoint, got %d", groups)
	}
}

func TestInteriorCorruptionFailsHard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.AppendCommit([]Frame{{PageNo: 1, Payload: pageBytes(16, 0xAA)}}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if err := w.AppendCommit([]Frame{{PageNo: 2, Payload: pageBytes(16, 0xBB)}}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}

	// Flip a byte inside the first group's payload. It is no longer the
	// trailing data in the file (the second group follows it), so this
	// must be treated as hard corruption, not a tolerated torn tail.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, frameHeaderSize); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}
	f.Close()

	_, err = w.Recover(func(uint32, []byte) error { return nil })
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestInMemoryWALIsNoop(t *testing.T) {
	w, err := Open("", true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.AppendCommit([]Frame{{PageNo: 1, Payload: pageBytes(16, 1)}}); err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	groups, err := w.Recover(func(uint32, []byte) error {
		t.Fatalf("apply should never be called for an in-memory WAL")
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if groups != 0 {
		t.Fatalf("expected 0 groups for in-memory WAL, got %d", groups)
	}
	if err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}
