package pager

import (
	"os"
	"sync"
)

// backend is the byte-addressable storage a Pager reads and writes
// pages through. The real file backend and the in-memory backend both
// satisfy it, which is how CannonDB shares 100% of the pager/cache/
// B-tree code path between on-disk and in-memory databases (spec.md §9).
type backend interface {
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
	Sync() error
	Close() error
	Lock() (alreadyLocked bool, err error)
}

// fileBackend backs a Pager onto a real *os.File.
type fileBackend struct {
	f *os.File
}

func openFileBackend(path string) (*fileBackend, bool, error) {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, err
	}
	return &fileBackend{f: f}, fresh, nil
}

func (b *fileBackend) ReadAt(buf []byte, off int64) (int, error)  { return b.f.ReadAt(buf, off) }
func (b *fileBackend) WriteAt(buf []byte, off int64) (int, error) { return b.f.WriteAt(buf, off) }
func (b *fileBackend) Sync() error                                { return b.f.Sync() }
func (b *fileBackend) Close() error                               { return b.f.Close() }
func (b *fileBackend) Lock() (bool, error)                        { return flockExclusive(b.f.Fd()) }

// memBackend backs a Pager onto a growable in-memory buffer. fsync is
// a no-op: in-memory mode has no durability guarantees (spec.md §4.F).
type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func newMemBackend() *memBackend { return &memBackend{} }

func (b *memBackend) ReadAt(buf []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(b.data)) {
		// Reads past the logical end return zero-filled pages, the same
		// way a sparse file reads as zeros past any written block.
		n := copy(buf, b.data[minI64(off, int64(len(b.data))):])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return len(buf), nil
	}
	copy(buf, b.data[off:end])
	return len(buf), nil
}

func (b *memBackend) WriteAt(buf []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[off:end], buf)
	return len(buf), nil
}

func (b *memBackend) Sync() error           { return nil }
func (b *memBackend) Close() error          { return nil }
func (b *memBackend) Lock() (bool, error)   { return false, nil }

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
