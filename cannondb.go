// Package cannondb is an embeddable single-writer key/value store
// backed by an on-disk B-tree with a write-ahead log. It is the
// engine facade (spec.md §4.F): it owns the Pager, page cache, WAL,
// and B-tree for a database handle's lifetime and serializes every
// user operation behind one mutex.
package cannondb

import (
	"errors"
	"fmt"
	"io"

	"github.com/SimonCqk/cannondb/internal/btree"
	"github.com/SimonCqk/cannondb/internal/cache"
	"github.com/SimonCqk/cannondb/internal/cdblog"
	"github.com/SimonCqk/cannondb/internal/pager"
	"github.com/SimonCqk/cannondb/internal/wal"
	"github.com/SimonCqk/cannondb/value"

	"sync"
)

// DB is a single database handle. Multiple handles onto the same
// path are not supported (spec.md §5); on non-windows platforms a
// second Open fails KindAlreadyOpen.
type DB struct {
	mu sync.Mutex

	cfg        Config
	autoCommit bool
	poisoned   bool
	closed     bool

	pager *pager.Pager
	wal   *wal.WAL
	cache *cache.Cache
	tree  *btree.BTree

	log *cdblog.Logger
}

// Stats reports a snapshot of engine state (supplements spec.md's
// core surface; not part of §6's enumerated operations but useful for
// observability and the REPL).
type Stats struct {
	PageSize      uint32
	HighWaterMark uint32
	CachedPages   int
	AutoCommit    bool
	InMemory      bool
}

// LogConfig controls where and how verbosely a DB logs. Passing a nil
// *cdblog.Logger to Open is equivalent to cdblog.Noop().
type LogConfig = cdblog.Config

// NewLogger builds a logger suitable for passing to Open.
func NewLogger(cfg LogConfig) *cdblog.Logger { return cdblog.New(cfg) }

// Open creates or opens the database at path (used as a base name:
// "<path>.db" and "<path>.wal") under cfg. When cfg.InMemory is true,
// path is ignored. A zero-value Config is rejected by Validate; pass
// DefaultConfig() and override selectively.
func Open(path string, cfg Config, log *cdblog.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = cdblog.Noop()
	}
	log = log.With("cannondb")

	pcfg := pager.Config{
		PageSize:      cfg.PageSize,
		MaxKeyBytes:   cfg.MaxKeySize,
		MaxValueBytes: cfg.MaxValueSize,
		InMemory:      cfg.InMemory,
	}
	dbPath, walPath := "", ""
	if !cfg.InMemory {
		dbPath, walPath = path+".db", path+".wal"
	}

	pg, fresh, err := pager.Open(dbPath, pcfg, log)
	if err != nil {
		return nil, wrapOpenErr(err)
	}

	order, err := btree.ComputeOrder(pg.PageSize(), pg.MaxKeyBytes(), pg.MaxValueBytes())
	if err != nil {
		pg.Close()
		return nil, newErr(KindConfigTooTight, err)
	}

	w, err := wal.Open(walPath, cfg.InMemory, log)
	if err != nil {
		pg.Close()
		return nil, opErr("open", KindIoError, err)
	}

	db := &DB{
		cfg:        cfg,
		autoCommit: cfg.AutoCommit,
		pager:      pg,
		wal:        w,
		log:        log,
	}
	db.cache = cache.New(pg, cfg.CacheSize, db.flushThroughWAL, log)
	db.tree = btree.New(pg, db.cache, order, log)

	if fresh {
		rootNo, err := pg.Allocate(db.cache.Get)
		if err != nil {
			db.closeFiles()
			return nil, opErr("open", KindIoError, err)
		}
		leaf := btree.EmptyLeafPage(pg.PageSize())
		if err := pg.WritePage(rootNo, leaf); err != nil {
			db.closeFiles()
			return nil, opErr("open", KindIoError, err)
		}
		pg.SetRootPageNo(rootNo)
	}

	if _, err := w.Recover(func(pageNo uint32, payload []byte) error {
		if pageNo == pager.HeaderPageNo {
			return pg.ApplyRecoveredHeader(payload)
		}
		return pg.WritePage(pageNo, payload)
	}); err != nil {
		db.closeFiles()
		return nil, opErr("open", KindCorruptWAL, err)
	}
	if err := pg.Fsync(); err != nil {
		db.closeFiles()
		return nil, opErr("open", KindIoError, err)
	}

	log.Info().Str("path", path).Bool("in_memory", cfg.InMemory).Msg("database opened")
	return db, nil
}

// syncHeaderPage dirties page 0 in the cache with the Pager's current
// in-memory header, so that a root-page/free-list/high-water-mark
// change made by this operation rides along in the next commit's WAL
// frames instead of only ever reaching disk via Fsync at checkpoint
// time. Without this, a crash between Commit and Checkpoint would
// replay a new tree shape's pages but leave the on-disk header still
// pointing at the old root, orphaning everything just written.
func (db *DB) syncHeaderPage() error {
	return db.cache.PutDirty(pager.HeaderPageNo, db.pager.HeaderBytes())
}

// flushThroughWAL is the cache's eviction-pressure flush hook: it
// seals a single-frame commit group for one dirty page so the page
// can be safely evicted ahead of a full Commit, then writes the page
// through to the main backend so it stays readable after eviction.
//
// A page dirtied between commits lives only in the cache until it is
// either drained by Commit or flushed here; the main file (or, in
// in-memory mode, the memory backend) isn't touched until checkpoint.
// Without the write-through below, evicting such a page would make it
// unrecoverable on the next cache miss: ReadPage would read stale (or,
// in-memory, zero-filled) bytes at its offset. WritePage here is
// idempotent with the later checkpoint's replay of the same frame, so
// it costs nothing on the durability side.
func (db *DB) flushThroughWAL(pageNo uint32, data []byte) error {
	if err := db.wal.AppendCommit([]wal.Frame{{PageNo: pageNo, Payload: data}}); err != nil {
		return err
	}
	return db.pager.WritePage(pageNo, data)
}

func wrapOpenErr(err error) error {
	switch {
	case errors.Is(err, pager.ErrIncompatibleFile):
		return opErr("open", KindIncompatibleFile, err)
	case errors.Is(err, pager.ErrAlreadyOpen):
		return opErr("open", KindAlreadyOpen, err)
	default:
		return opErr("open", KindIoError, err)
	}
}

func (db *DB) closeFiles() {
	db.pager.Close()
	db.wal.Close()
}

// checkUsable returns the poisoned/closed guard error, or nil.
func (db *DB) checkUsable(op string) error {
	if db.closed {
		return opErr(op, KindIoError, fmt.Errorf("database is closed"))
	}
	if db.poisoned {
		return opErr(op, KindPoisoned, fmt.Errorf("handle poisoned by a previous I/O error"))
	}
	return nil
}

// poison marks the handle unusable except for Close, per spec.md §5:
// a failed I/O during a mutation poisons the handle; logical errors
// (NotFound, DuplicateKey, EncodingTooLarge) do not.
func (db *DB) poison(op string, err error) error {
	db.poisoned = true
	db.log.Error().Str("op", op).Err(err).Msg("handle poisoned")
	return opErr(op, KindIoError, err)
}

func (db *DB) encodeKey(key value.Value) ([]byte, error) {
	b, err := value.Encode(key)
	if err != nil {
		return nil, opErr("encode", KindInvalidEncoding, err)
	}
	if uint32(len(b)) > db.pager.MaxKeyBytes() {
		return nil, opErr("encode", KindEncodingTooLarge, fmt.Errorf("key %d bytes exceeds max %d", len(b), db.pager.MaxKeyBytes()))
	}
	return b, nil
}

func (db *DB) encodeValue(v value.Value) ([]byte, error) {
	b, err := value.Encode(v)
	if err != nil {
		return nil, opErr("encode", KindInvalidEncoding, err)
	}
	if uint32(len(b)) > db.pager.MaxValueBytes() {
		return nil, opErr("encode", KindEncodingTooLarge, fmt.Errorf("value %d bytes exceeds max %d", len(b), db.pager.MaxValueBytes()))
	}
	return b, nil
}

// Get looks up key and decodes its stored value.
func (db *DB) Get(key value.Value) (value.Value, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkUsable("get"); err != nil {
		return value.Value{}, err
	}

	k, err := db.encodeKey(key)
	if err != nil {
		return value.Value{}, err
	}
	raw, err := db.tree.Search(k)
	if err != nil {
		if err == btree.ErrNotFound {
			return value.Value{}, opErr("get", KindNotFound, err)
		}
		return value.Value{}, db.poison("get", err)
	}
	v, err := value.Decode(raw)
	if err != nil {
		db.poison("get", err)
		return value.Value{}, opErr("get", KindInvalidEncoding, err)
	}
	return v, nil
}

// Insert encodes key/value and inserts into the B-tree. If key
// already exists: overwrites when override is true, else fails
// KindDuplicateKey. Auto-commits when db.autoCommit is set.
func (db *DB) Insert(key, val value.Value, override bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkUsable("insert"); err != nil {
		return err
	}

	k, err := db.encodeKey(key)
	if err != nil {
		return err
	}
	v, err := db.encodeValue(val)
	if err != nil {
		return err
	}

	if err := db.tree.Insert(k, v, override); err != nil {
		if err == btree.ErrDuplicateKey {
			return opErr("insert", KindDuplicateKey, err)
		}
		return db.poison("insert", err)
	}
	if err := db.syncHeaderPage(); err != nil {
		return db.poison("insert", err)
	}

	if db.autoCommit {
		if err := db.commitLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes key. Auto-commits when db.autoCommit is set.
func (db *DB) Remove(key value.Value) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkUsable("remove"); err != nil {
		return err
	}

	k, err := db.encodeKey(key)
	if err != nil {
		return err
	}
	if err := db.tree.Remove(k); err != nil {
		if err == btree.ErrNotFound {
			return opErr("remove", KindNotFound, err)
		}
		return db.poison("remove", err)
	}
	if err := db.syncHeaderPage(); err != nil {
		return db.poison("remove", err)
	}

	if db.autoCommit {
		if err := db.commitLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Commit drains the cache's dirty set into WAL frames in ascending
// page-number order, seals them with one commit record, and fsyncs
// the WAL. No writes reach the main file here.
func (db *DB) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkUsable("commit"); err != nil {
		return err
	}
	return db.commitLocked()
}

func (db *DB) commitLocked() error {
	dirty := db.cache.DrainDirty()
	if len(dirty) == 0 {
		return nil
	}
	frames := make([]wal.Frame, len(dirty))
	for i, d := range dirty {
		frames[i] = wal.Frame{PageNo: d.PageNo, Payload: d.Data}
	}
	if err := db.wal.AppendCommit(frames); err != nil {
		return db.poison("commit", err)
	}
	db.log.Debug().Int("pages", len(frames)).Msg("commit sealed")
	return nil
}

// Checkpoint applies all WAL-committed pages to the main file via the
// Pager, fsyncs the main file, and truncates the WAL.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkUsable("checkpoint"); err != nil {
		return err
	}
	return db.checkpointLocked()
}

func (db *DB) checkpointLocked() error {
	if _, err := db.wal.Recover(func(pageNo uint32, payload []byte) error {
		if pageNo == pager.HeaderPageNo {
			return db.pager.ApplyRecoveredHeader(payload)
		}
		return db.pager.WritePage(pageNo, payload)
	}); err != nil {
		return db.poison("checkpoint", err)
	}
	if err := db.pager.Fsync(); err != nil {
		return db.poison("checkpoint", err)
	}
	if err := db.wal.Checkpoint(); err != nil {
		return db.poison("checkpoint", err)
	}
	db.log.Info().Msg("checkpoint complete")
	return nil
}

// SetAutoCommit toggles whether Insert/Remove implicitly Commit.
func (db *DB) SetAutoCommit(on bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.autoCommit = on
}

// Stats returns a snapshot of engine state.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Stats{
		PageSize:      db.pager.PageSize(),
		HighWaterMark: db.pager.HighWaterMark(),
		CachedPages:   db.cache.Len(),
		AutoCommit:    db.autoCommit,
		InMemory:      db.cfg.InMemory,
	}
}

// Close commits any uncommitted changes, checkpoints, then closes the
// underlying files. On a poisoned handle the commit and checkpoint are
// skipped, so changes made since the last successful Commit are lost.
// Close is the only operation valid on a poisoned handle.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	defer func() { db.closed = true }()

	if !db.poisoned {
		if err := db.commitLocked(); err != nil {
			db.log.Warn().Err(err).Msg("commit during close failed; closing anyway")
		} else if err := db.checkpointLocked(); err != nil {
			db.log.Warn().Err(err).Msg("checkpoint during close failed; closing anyway")
		}
	}

	var firstErr error
	if err := db.pager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.log.Info().Msg("database closed")
	if firstErr != nil {
		return opErr("close", KindIoError, firstErr)
	}
	return nil
}

var _ io.Closer = (*DB)(nil)
