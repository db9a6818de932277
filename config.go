package cannondb

import "fmt"

// Config configures a database handle (spec.md §6).
type Config struct {
	// PageSize is the on-disk page size in bytes. Must be a power of
	// two between 512 and 65536. When opening an existing file it
	// must match the page size persisted in its header, else Open
	// fails with KindIncompatibleFile.
	PageSize uint32
	// MaxKeySize is the maximum encoded key size in bytes.
	MaxKeySize uint32
	// MaxValueSize is the maximum encoded value size in bytes.
	MaxValueSize uint32
	// CacheSize is the page cache's capacity, in pages.
	CacheSize int
	// InMemory backs the database onto a growable in-process buffer
	// instead of a file; fsync/WAL/checkpoint all become no-ops.
	InMemory bool
	// AutoCommit toggles whether Insert/Remove implicitly Commit.
	AutoCommit bool
}

// DefaultConfig returns spec.md §6's default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:     8192,
		MaxKeySize:   32,
		MaxValueSize: 256,
		CacheSize:    512,
		InMemory:     false,
		AutoCommit:   true,
	}
}

// Validate checks that the configuration is internally consistent,
// returning a KindConfigTooTight error otherwise. It does not check
// page-size-vs-B-tree-order fitness — that is checked once the B-tree
// order is derived, during Open.
func (c Config) Validate() error {
	if c.PageSize < 512 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
		return newErr(KindConfigTooTight, fmt.Errorf("page_size %d must be a power of two in [512, 65536]", c.PageSize))
	}
	if c.MaxKeySize == 0 || c.MaxValueSize == 0 {
		return newErr(KindConfigTooTight, fmt.Errorf("max_key_size and max_value_size must be non-zero"))
	}
	if c.CacheSize < 1 {
		return newErr(KindConfigTooTight, fmt.Errorf("cache_size must be >= 1, got %d", c.CacheSize))
	}
	return nil
}
