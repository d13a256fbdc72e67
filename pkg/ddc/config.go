package ddc

import (
	"runtime"
	"time"

	"github.com/agenthands/ddcstore/pkg/core"
)

type Config = core.Config
type ChunkingConfig = core.ChunkingConfig
type PackConfig = core.PackConfig
type CatalogConfig = core.CatalogConfig
type TransformConfig = core.TransformConfig
type LimitsConfig = core.LimitsConfig
type BlobsConfig = core.BlobsConfig
type RefsConfig = core.RefsConfig
type ReplicationConfig = core.ReplicationConfig
type GCConfig = core.GCConfig
type APIConfig = core.APIConfig

const (
	KiB = 1 << 10
	MiB = 1 << 20
)

// DefaultConfig returns the configuration of a single node rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir: dir,
		Chunking: ChunkingConfig{
			Min: 64 * KiB,
			Avg: 256 * KiB,
			Max: 1 * MiB,
		},
		Pack: PackConfig{
			TargetPackBytes: 64 * MiB,
			SealFsync:       true,
		},
		Catalog:   CatalogConfig{Backend: core.CatalogPebble},
		Transform: TransformConfig{Name: core.TransformZstd},
		Limits: LimitsConfig{
			MaxBlobBytes:       2 << 30,
			MaxObjectBytes:     64 * MiB,
			MaxChunksPerObject: 1 << 20,
			MaxBatchOps:        1000,
		},
		Blobs: BlobsConfig{Backend: core.BlobsPack},
		Refs: RefsConfig{
			InlineThreshold:    32 * KiB,
			MaxParallelResolve: runtime.NumCPU(),
			LastAccessQueue:    1024,
			LastAccessThrottle: time.Minute,
			LockStripes:        256,
		},
		Replication: ReplicationConfig{
			LocalRegion: "local",
			MaxParallel: runtime.NumCPU(),
		},
		GC: GCConfig{
			Enabled:          true,
			LastAccessCutoff: 14 * 24 * time.Hour,
			RunEvery:         time.Hour,
			OrphanGrace:      time.Hour,
		},
		API: APIConfig{Listen: ":8080", MaxInFlightWrites: 256},
	}
}
