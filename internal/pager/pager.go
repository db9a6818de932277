// Package pager owns the CannonDB database file: page-aligned I/O, the
// file header, and the free-page list. It is the lowest of the core
// components (spec.md §4.B) and knows nothing about what a page's
// bytes mean — that's the B-tree's job.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/SimonCqk/cannondb/internal/cdblog"
)

const (
	magic          = "CANNONDB"
	formatVersion  = 1
	headerReserved = 64 // first 36 bytes of page 0 carry the fixed fields; rest reserved

	// HeaderPageNo is the page number the file header lives at. Unlike
	// every other page it is never handed out by Allocate; callers that
	// need to track header mutations through the cache/WAL pathway
	// address it directly by this number.
	HeaderPageNo uint32 = 0
)

var (
	// ErrIncompatibleFile is returned when an existing file's magic,
	// version, or page size doesn't match the opening configuration.
	ErrIncompatibleFile = errors.New("pager: incompatible database file")
	// ErrAlreadyOpen is returned when the advisory file lock is already
	// held by another open handle on the same file, in this process or
	// another.
	ErrAlreadyOpen = errors.New("pager: database file already open elsewhere")
	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("pager: pager is closed")
	// ErrPageOutOfRange is returned when reading a page beyond the
	// current high-water mark.
	ErrPageOutOfRange = errors.New("pager: page number out of range")
)

// Header is the fixed-layout file header persisted at page 0 (spec.md §6).
type Header struct {
	PageSize      uint32
	MaxKeyBytes   uint32
	MaxValueBytes uint32
	RootPageNo    uint32
	FreeListHead  uint32
	HighWaterMark uint32 // one past the highest page number ever allocated
}

// Config configures a freshly created database file. Ignored when
// opening an existing file (the persisted header wins, and is checked
// against PageSize for compatibility).
type Config struct {
	PageSize      uint32
	MaxKeyBytes   uint32
	MaxValueBytes uint32
	InMemory      bool
}

// Pager manages page I/O and the free list over a single backend.
type Pager struct {
	backend backend
	header  Header
	closed  bool
	log     *cdblog.Logger
}

// Open creates or opens a database file at path (or an in-memory
// backend when cfg.InMemory). The returned fresh flag is true when a
// brand-new header was initialized (no root page exists yet).
func Open(path string, cfg Config, log *cdblog.Logger) (p *Pager, fresh bool, err error) {
	if log == nil {
		log = cdblog.Noop()
	}
	log = log.With("pager")

	var be backend
	if cfg.InMemory {
		be = newMemBackend()
		fresh = true
	} else {
		fb, isFresh, openErr := openFileBackend(path)
		if openErr != nil {
			return nil, false, openErr
		}
		be = fb
		fresh = isFresh
	}

	if locked, lockErr := be.Lock(); lockErr != nil {
		be.Close()
		return nil, false, lockErr
	} else if locked {
		be.Close()
		return nil, false, ErrAlreadyOpen
	}

	p = &Pager{backend: be, log: log}

	if fresh {
		p.header = Header{
			PageSize:      cfg.PageSize,
			MaxKeyBytes:   cfg.MaxKeyBytes,
			MaxValueBytes: cfg.MaxValueBytes,
			RootPageNo:    0,
			FreeListHead:  0,
			HighWaterMark: 1, // page 0 is the header; page 1 is the first allocation
		}
		if err := p.writeHeader(); err != nil {
			be.Close()
			return nil, false, err
		}
		log.Info().Uint32("page_size", cfg.PageSize).Msg("initialized new database file")
		return p, true, nil
	}

	hdr, err := readHeader(be)
	if err != nil {
		be.Close()
		return nil, false, err
	}
	if hdr.PageSize != cfg.PageSize {
		be.Close()
		return nil, false, fmt.Errorf("%w: page size %d != configured %d", ErrIncompatibleFile, hdr.PageSize, cfg.PageSize)
	}
	p.header = hdr
	log.Info().Uint32("root", hdr.RootPageNo).Uint32("pages", hdr.HighWaterMark).Msg("opened existing database file")
	return p, false, nil
}

// readHeader reads only the fixed header bytes at the start of page 0,
// so a file written with a different page size is still parsed (and
// then reported as incompatible) rather than failing a short read.
func readHeader(be backend) (Header, error) {
	buf := make([]byte, headerReserved)
	if _, err := be.ReadAt(buf, 0); err != nil {
		return Header{}, err
	}
	return parseHeaderBytes(buf)
}

// parseHeaderBytes decodes a page-0-sized buffer into a Header, the
// inverse of encodeHeader. Shared by readHeader (reading page 0 off
// the backend) and ApplyRecoveredHeader (reading a WAL-recovered
// header frame's payload directly).
func parseHeaderBytes(buf []byte) (Header, error) {
	if len(buf) < 36 || string(buf[0:8]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrIncompatibleFile)
	}
	version := binary.BigEndian.Uint32(buf[8:12])
	if version != formatVersion {
		return Header{}, fmt.Errorf("%w: version %d", ErrIncompatibleFile, version)
	}
	return Header{
		PageSize:      binary.BigEndian.Uint32(buf[12:16]),
		MaxKeyBytes:   binary.BigEndian.Uint32(buf[16:20]),
		MaxValueBytes: binary.BigEndian.Uint32(buf[20:24]),
		RootPageNo:    binary.BigEndian.Uint32(buf[24:28]),
		FreeListHead:  binary.BigEndian.Uint32(buf[28:32]),
		HighWaterMark: binary.BigEndian.Uint32(buf[32:36]),
	}, nil
}

func (p *Pager) writeHeader() error {
	_, err := p.backend.WriteAt(p.encodeHeader(), 0)
	return err
}

// encodeHeader serializes the in-memory header into a page-0-sized
// buffer, the same layout readHeader parses.
func (p *Pager) encodeHeader() []byte {
	buf := make([]byte, p.pageSizeOrDefault())
	copy(buf[0:8], magic)
	binary.BigEndian.PutUint32(buf[8:12], formatVersion)
	binary.BigEndian.PutUint32(buf[12:16], p.header.PageSize)
	binary.BigEndian.PutUint32(buf[16:20], p.header.MaxKeyBytes)
	binary.BigEndian.PutUint32(buf[20:24], p.header.MaxValueBytes)
	binary.BigEndian.PutUint32(buf[24:28], p.header.RootPageNo)
	binary.BigEndian.PutUint32(buf[28:32], p.header.FreeListHead)
	binary.BigEndian.PutUint32(buf[32:36], p.header.HighWaterMark)
	return buf
}

// HeaderBytes returns the current in-memory header encoded exactly as
// it would be written to page 0. Callers that route header mutations
// through the cache/WAL pathway (rather than relying solely on Fsync)
// use this to build that page's cached/journaled content.
func (p *Pager) HeaderBytes() []byte { return p.encodeHeader() }

// ApplyRecoveredHeader writes a WAL-recovered header frame's payload
// to page 0 and adopts its fields as the in-memory header. The header
// is ordinary cache/WAL-journaled content like any other page (it is
// dirtied via HeaderBytes whenever root/free-list/high-water state
// changes, see cannondb.DB.syncHeaderPage), so recovery must apply it
// the same way it applies a tree node frame — except the Pager also
// needs to adopt the recovered fields into p.header immediately,
// since every subsequent Allocate/Free/RootPageNo call in the same
// recovery pass depends on them being current, not stale.
func (p *Pager) ApplyRecoveredHeader(payload []byte) error {
	hdr, err := parseHeaderBytes(payload)
	if err != nil {
		return err
	}
	if _, err := p.backend.WriteAt(payload, 0); err != nil {
		return err
	}
	p.header = hdr
	return nil
}

// ReloadHeader re-reads page 0 off the backend and replaces the
// in-memory header with it, so this Pager's in-memory state
// (RootPageNo, FreeListHead, HighWaterMark) matches a header page
// written straight to the backend behind its back. WAL recovery does
// not go through it: recovered header frames are applied with
// ApplyRecoveredHeader, which adopts the fields directly.
func (p *Pager) ReloadHeader() error {
	if p.closed {
		return ErrClosed
	}
	hdr, err := readHeader(p.backend)
	if err != nil {
		return err
	}
	p.header = hdr
	return nil
}

func (p *Pager) pageSizeOrDefault() uint32 {
	if p.header.PageSize == 0 {
		return headerReserved
	}
	return p.header.PageSize
}

// Header returns a copy of the current in-memory header state.
func (p *Pager) Header() Header { return p.header }

// RootPageNo returns the current root page number (0 means uninitialized).
func (p *Pager) RootPageNo() uint32 { return p.header.RootPageNo }

// SetRootPageNo updates the root page number. Persisted on the next
// Fsync/Close directly, and made durable sooner via a commit once the
// caller tracks HeaderBytes as a cache-dirtied page (see
// cannondb.DB.syncHeaderPage).
func (p *Pager) SetRootPageNo(n uint32) { p.header.RootPageNo = n }

// PageSize returns the configured page size.
func (p *Pager) PageSize() uint32 { return p.header.PageSize }

// MaxKeyBytes returns the configured maximum encoded key size.
func (p *Pager) MaxKeyBytes() uint32 { return p.header.MaxKeyBytes }

// MaxValueBytes returns the configured maximum encoded value size.
func (p *Pager) MaxValueBytes() uint32 { return p.header.MaxValueBytes }

// HighWaterMark returns one past the highest page number ever allocated.
func (p *Pager) HighWaterMark() uint32 { return p.header.HighWaterMark }

// ReadPage reads exactly one page's worth of bytes at page number n.
func (p *Pager) ReadPage(n uint32) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if n == 0 || n >= p.header.HighWaterMark {
		return nil, ErrPageOutOfRange
	}
	buf := make([]byte, p.header.PageSize)
	off := int64(n) * int64(p.header.PageSize)
	if _, err := p.backend.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePage writes exactly one page's worth of bytes at page number n.
// No implicit sync — durability is the caller's responsibility via Fsync.
func (p *Pager) WritePage(n uint32, data []byte) error {
	if p.closed {
		return ErrClosed
	}
	if uint32(len(data)) != p.header.PageSize {
		return fmt.Errorf("pager: page %d has %d bytes, want %d", n, len(data), p.header.PageSize)
	}
	off := int64(n) * int64(p.header.PageSize)
	_, err := p.backend.WriteAt(data, off)
	return err
}

// Allocate returns a fresh page number: the free list's head if
// non-empty, else a new page past the current high-water mark. The
// backing file is extended lazily the next time that page is written.
//
// read fetches the free-list head page's link bytes. Callers that sit
// above a page cache must pass their cache's Get (not p.ReadPage
// directly): a page freed earlier in the same uncommitted transaction
// has its link bytes only in the cache, not yet on the backend, and
// reading straight from the backend would see stale page contents and
// corrupt the chain.
func (p *Pager) Allocate(read func(uint32) ([]byte, error)) (uint32, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if p.header.FreeListHead != 0 {
		head := p.header.FreeListHead
		buf, err := read(head)
		if err != nil {
			return 0, err
		}
		p.header.FreeListHead = binary.BigEndian.Uint32(buf[0:4])
		return head, nil
	}
	n := p.header.HighWaterMark
	p.header.HighWaterMark++
	return n, nil
}

// Free threads page n onto the head of the free list and returns the
// encoded free-list link page: its first 4 bytes hold the previous
// free-list head, the rest zeroed. Free only updates the in-memory
// free-list head; persisting the returned bytes is the caller's job,
// through the same cache/WAL pathway as any other page mutation, so a
// crash before the enclosing commit doesn't leave the main file
// holding free-list bytes for a page a not-yet-committed parent still
// references as live.
func (p *Pager) Free(n uint32) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	buf := make([]byte, p.header.PageSize)
	binary.BigEndian.PutUint32(buf[0:4], p.header.FreeListHead)
	p.header.FreeListHead = n
	return buf, nil
}

// Fsync persists the header and issues a durable barrier on the backend.
func (p *Pager) Fsync() error {
	if p.closed {
		return ErrClosed
	}
	if err := p.writeHeader(); err != nil {
		return err
	}
	return p.backend.Sync()
}

// Close flushes the header and releases the backend.
func (p *Pager) Close() error {
	if p.closed {
		return nil
	}
	if err := p.writeHeader(); err != nil {
		return err
	}
	if err := p.backend.Sync(); err != nil {
		return err
	}
	p.closed = true
	return p.backend.Close()
}
