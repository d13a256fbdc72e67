package refs

import (
	"hash/maphash"
	"sync"

	"github.com/agenthands/ddcstore/pkg/core"
)

// keyLocks serializes writers of the same ref. Different refs usually land
// on different stripes and proceed in parallel.
type keyLocks struct {
	seed    maphash.Seed
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = 256
	}
	return &keyLocks{seed: maphash.MakeSeed(), stripes: make([]sync.Mutex, n)}
}

func (l *keyLocks) lock(ns core.NamespaceID, bucket core.BucketID, key core.RefID) func() {
	var h maphash.Hash
	h.SetSeed(l.seed)
	h.WriteString(string(ns))
	h.WriteByte(0)
	h.WriteString(string(bucket))
	h.WriteByte(0)
	h.WriteString(string(key))

	mu := &l.stripes[h.Sum64()%uint64(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}
