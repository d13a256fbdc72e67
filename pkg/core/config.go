package core

import (
	"time"
)

type Config struct {
	Dir string // repo root

	Chunking    ChunkingConfig
	Pack        PackConfig
	Catalog     CatalogConfig
	Limits      LimitsConfig
	Transform   TransformConfig
	Blobs       BlobsConfig
	Refs        RefsConfig
	Replication ReplicationConfig
	GC          GCConfig
	API         APIConfig
}

type ChunkingConfig struct {
	Min           int
	Avg           int
	Max           int
	Normalization int
}

type PackConfig struct {
	Dir             string
	TargetPackBytes uint64
	SealFsync       bool
}

// Catalog backends.
const (
	CatalogPebble = "pebble"
	CatalogBadger = "badger"
)

type CatalogConfig struct {
	Dir     string
	Backend string // pebble or badger
}

// Transform names.
const (
	TransformZstd = "zstd"
	TransformLZ4  = "lz4"
	TransformNone = "none"
)

type TransformConfig struct {
	Name      string
	ZstdLevel int
}

type LimitsConfig struct {
	MaxBlobBytes       uint64
	MaxObjectBytes     uint64
	MaxChunksPerObject uint32
	MaxBatchOps        int
}

// Blob backends.
const (
	BlobsPack   = "pack"
	BlobsFS     = "fs"
	BlobsMemory = "memory"
)

type BlobsConfig struct {
	Backend         string // pack, fs or memory
	Dir             string // fs backend root
	RedirectBaseURL string // fs backend only; empty disables redirects
}

type RefsConfig struct {
	InlineThreshold    int
	MaxParallelResolve int
	LastAccessQueue    int
	LastAccessThrottle time.Duration
	LockStripes        int
}

type ReplicationConfig struct {
	LocalRegion string
	Regions     []string
	MaxParallel int
}

type NamespacePolicy struct {
	LastAccessCutoff time.Duration
	Disabled         bool
}

type GCConfig struct {
	Enabled          bool
	LastAccessCutoff time.Duration
	RunEvery         time.Duration
	// OrphanGrace protects unreferenced blobs younger than this, so uploads
	// that precede their ref are not swept.
	OrphanGrace      time.Duration
	Namespaces       map[NamespaceID]NamespacePolicy
}

// PolicyFor returns the effective policy for ns.
func (c GCConfig) PolicyFor(ns NamespaceID) NamespacePolicy {
	p, ok := c.Namespaces[ns]
	if !ok {
		return NamespacePolicy{LastAccessCutoff: c.LastAccessCutoff}
	}
	if p.LastAccessCutoff <= 0 {
		p.LastAccessCutoff = c.LastAccessCutoff
	}
	return p
}

type APIConfig struct {
	Listen string
	// Tokens maps a bearer token to the namespaces it may act on. "*" grants
	// every namespace.
	Tokens map[string][]string
	// AdminTokens may run admin actions and delete namespaces.
	AdminTokens []string
	// MaxInFlightWrites bounds concurrent ref and blob writes. Requests past
	// the bound get 429. Zero means unbounded.
	MaxInFlightWrites int64
}
