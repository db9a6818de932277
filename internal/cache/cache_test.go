package cache

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/SimonCqk/cannondb/internal/pager"
)

func newTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, _, err := pager.Open(path, pager.Config{PageSize: 512, MaxKeyBytes: 32, MaxValueBytes: 64}, nil)
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func page(p *pager.Pager, fill byte) []byte {
	buf := make([]byte, p.PageSize())
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestGetMissReadsThroughPager(t *testing.T) {
	p := newTestPager(t)
	n, _ := p.Allocate(p.ReadPage)
	data := page(p, 0x42)
	if err := p.WritePage(n, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	c := New(p, 10, nil, nil)
	got, err := c.Get(n)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("mismatch on cache miss read-through")
	}
}

func TestPutDirtyThenDrain(t *testing.T) {
	p := newTestPager(t)
	n, _ := p.Allocate(p.ReadPage)
	c := New(p, 10, nil, nil)

	data := page(p, 0x7)
	if err := c.PutDirty(n, data); err != nil {
		t.Fatalf("PutDirty: %v", err)
	}

	dirty := c.DrainDirty()
	if len(dirty) != 1 || dirty[0].PageNo != n {
		t.Fatalf("expected one dirty page %d, got %+v", n, dirty)
	}
	if !bytes.Equal(dirty[0].Data, data) {
		t.Fatalf("drained data mismatch")
	}

	// Draining clears the dirty flag.
	if dirty2 := c.DrainDirty(); len(dirty2) != 0 {
		t.Fatalf("expected no dirty pages after drain, got %+v", dirty2)
	}
}

func TestEvictsCleanBeforeDirty(t *testing.T) {
	p := newTestPager(t)
	c := New(p, 2, nil, nil)

	clean, _ := p.Allocate(p.ReadPage)
	p.WritePage(clean, page(p, 1))
	dirty, _ := p.Allocate(p.ReadPage)

	c.Get(clean)                 // clean entry
	c.PutDirty(dirty, page(p, 2)) // dirty entry; cache now full at 2/2

	third, _ := p.Allocate(p.ReadPage)
	p.WritePage(third, page(p, 3))
	if _, err := c.Get(third); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if c.Len() > 2 {
		t.Fatalf("cache exceeded configured size: %d", c.Len())
	}
	// The dirty page must have survived eviction (clean entries are evicted first).
	d := c.DrainDirty()
	found := false
	for _, dp := range d {
		if dp.PageNo == dirty {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dirty page %d to survive eviction pressure", dirty)
	}
}

func TestFlushCalledWhenAllDirty(t *testing.T) {
	p := newTestPager(t)
	var flushed []uint32
	c := New(p, 1, func(pageNo uint32, data []byte) error {
		flushed = append(flushed, pageNo)
		return nil
	}, nil)

	a, _ := p.Allocate(p.ReadPage)
	c.PutDirty(a, page(p, 1))

	b, _ := p.Allocate(p.ReadPage)
	if err := c.PutDirty(b, page(p, 2)); err != nil {
		t.Fatalf("PutDirty: %v", err)
	}

	if len(flushed) != 1 || flushed[0] != a {
		t.Fatalf("expected page %d to be flushed before eviction, got %v", a, flushed)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	p := newTestPager(t)
	c := New(p, 10, nil, nil)
	n, _ := p.Allocate(p.ReadPage)
	p.WritePage(n, page(p, 9))
	c.Get(n)
	c.Invalidate(n)
	if c.Len() != 0 {
		t.Fatalf("expected cache empty after invalidate, got %d", c.Len())
	}
}
