package pager

import (
	"bytes"
	"path/filepath"
	"testing"
)

func testConfig() Config {
	return Config{PageSize: 512, MaxKeyBytes: 32, MaxValueBytes: 64}
}

func TestOpenFreshInitializesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, fresh, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if !fresh {
		t.Fatalf("expected fresh=true for new file")
	}
	if p.HighWaterMark() != 1 {
		t.Fatalf("expected high-water mark 1, got %d", p.HighWaterMark())
	}
	if p.RootPageNo() != 0 {
		t.Fatalf("expected root page 0 (unset) on fresh file")
	}
}

func TestAllocateWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, _, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	n, err := p.Allocate(p.ReadPage)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected first allocation to be page 1, got %d", n)
	}

	data := make([]byte, p.PageSize())
	copy(data, []byte("hello page"))
	if err := p.WritePage(n, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := p.ReadPage(n)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back mismatch")
	}
}

func TestFreeListReusesPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, _, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	a, _ := p.Allocate(p.ReadPage)
	b, _ := p.Allocate(p.ReadPage)
	linkA, err := p.Free(a)
	if err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := p.WritePage(a, linkA); err != nil {
		t.Fatalf("WritePage(a): %v", err)
	}
	linkB, err := p.Free(b)
	if err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := p.WritePage(b, linkB); err != nil {
		t.Fatalf("WritePage(b): %v", err)
	}

	// LIFO: freeing a then b makes b the head.
	reused1, err := p.Allocate(p.ReadPage)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if reused1 != b {
		t.Fatalf("expected to reuse page %d first, got %d", b, reused1)
	}

	reused2, err := p.Allocate(p.ReadPage)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if reused2 != a {
		t.Fatalf("expected to reuse page %d second, got %d", a, reused2)
	}

	// Free list is now empty; next allocation bumps the high-water mark.
	fresh, err := p.Allocate(p.ReadPage)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if fresh <= b {
		t.Fatalf("expected a brand-new page number, got %d", fresh)
	}
}

func TestReopenPersistsRootAndHighWaterMark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, _, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n, _ := p.Allocate(p.ReadPage)
	p.SetRootPageNo(n)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, fresh, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	if fresh {
		t.Fatalf("expected fresh=false on reopen")
	}
	if p2.RootPageNo() != n {
		t.Fatalf("expected root page %d, got %d", n, p2.RootPageNo())
	}
	if p2.HighWaterMark() != n+1 {
		t.Fatalf("expected high-water mark %d, got %d", n+1, p2.HighWaterMark())
	}
}

func TestReloadHeaderPicksUpExternallyWrittenPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, _, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	n, _ := p.Allocate(p.ReadPage)
	p.SetRootPageNo(n)
	// Simulate a WAL replay writing a newer header straight to page 0,
	// bypassing this Pager's in-memory state entirely.
	if _, err := p.backend.WriteAt(p.HeaderBytes(), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	p.header.RootPageNo = 0 // desync in-memory state from the backend

	if err := p.ReloadHeader(); err != nil {
		t.Fatalf("ReloadHeader: %v", err)
	}
	if p.RootPageNo() != n {
		t.Fatalf("expected ReloadHeader to restore root page %d, got %d", n, p.RootPageNo())
	}
}

func TestIncompatiblePageSizeRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p, _, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.Close()

	bad := testConfig()
	bad.PageSize = 1024
	if _, _, err := Open(path, bad, nil); err == nil {
		t.Fatalf("expected incompatible page size to fail")
	}
}

func TestAlreadyOpenFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	p1, _, err := Open(path, testConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p1.Close()

	_, _, err = Open(path, testConfig(), nil)
	if err != ErrAlreadyOpen {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestInMemoryBackend(t *testing.T) {
	p, fresh, err := Open("", Config{PageSize: 512, MaxKeyBytes: 32, MaxValueBytes: 64, InMemory: true}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	if !fresh {
		t.Fatalf("expected fresh=true for in-memory backend")
	}

	n, err := p.Allocate(p.ReadPage)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	data := make([]byte, p.PageSize())
	copy(data, []byte("in-memory"))
	if err := p.WritePage(n, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := p.ReadPage(n)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back mismatch")
	}
}
