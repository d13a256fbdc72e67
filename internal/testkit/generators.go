package testkit

import (
	"fmt"
	"math/rand"
	"time"
)

// RNG returns a seeded generator. A zero seed means the current time.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns length incompressible bytes.
func RandomBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	_, _ = r.Read(b)
	return b
}

// CompressibleBytes returns length bytes shaped like a build log: repeated
// lines with a few random bytes scattered through them.
func CompressibleBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, 0, length+64)
	for line := 0; len(b) < length; line++ {
		b = fmt.Appendf(b, "cook: derived data for asset %06d written to cache\n", line%512)
	}
	b = b[:length]
	for i := 0; i < length/1024; i++ {
		b[r.Intn(length)] = byte(r.Intn(256))
	}
	return b
}

// MutateBytes returns a copy of base with the given number of single-byte
// inserts, deletes or overwrites. Small edits to a large payload are what
// content-defined chunking has to survive.
func MutateBytes(r *rand.Rand, base []byte, mutations int) []byte {
	out := append([]byte(nil), base...)
	for i := 0; i < mutations; i++ {
		if len(out) == 0 {
			out = append(out, byte(r.Intn(256)))
			continue
		}
		at := r.Intn(len(out))
		switch r.Intn(3) {
		case 0:
			out = append(out[:at], append([]byte{byte(r.Intn(256))}, out[at:]...)...)
		case 1:
			out = append(out[:at], out[at+1:]...)
		default:
			out[at] = byte(r.Intn(256))
		}
	}
	return out
}
