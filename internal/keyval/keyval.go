// Package keyval generates reproducible keys and values for the load
// generator. The teacher repo (memcached-mctester) calls into an "mct"
// package for RandString/RandBytes but never shipped the file; the call
// sites in pkg/ratectrl/config.go and cmd/ratectrl/main.go fix the exact
// contract this package implements: a pcgr-seeded source, a length, and
// (for keys) a prefix.
package keyval

import (
	"math/big"

	"github.com/dgryski/go-pcgr"
)

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomBufferSize is the size of the precomputed payload buffer spec.md
// calls for: "a precomputed 2 MiB random-byte buffer used as value
// payload."
const RandomBufferSize = 2 * 1024 * 1024

// RandomBuffer is immutable after NewRandomBuffer and safe to share
// read-only across every Worker goroutine (spec.md §5's resource policy).
type RandomBuffer struct {
	buf []byte
}

func NewRandomBuffer(seed int64) *RandomBuffer {
	rs := pcgr.New(seed, 0)
	buf := make([]byte, RandomBufferSize)
	for i := range buf {
		buf[i] = byte(rs.Next())
	}
	return &RandomBuffer{buf: buf}
}

// Slice returns a read-only view of length n starting at an offset
// derived from key, so that repeated calls for the same key are stable
// without needing per-key storage.
func (b *RandomBuffer) Slice(key string, n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > len(b.buf) {
		n = len(b.buf)
	}
	off := int(hashOffset(key)) % (len(b.buf) - n + 1)
	return b.buf[off : off+n]
}

func hashOffset(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

// RandString produces a length-n random alphanumeric string behind the
// given prefix, using rs as the character source. Matches the call
// signature used throughout the teacher's cmd/ratectrl and pkg/ratectrl:
// mct.RandString(&subRS, conf.KeyLength, conf.KeyPrefix).
func RandString(rs *pcgr.Rand, n int, prefix string) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = charset[rs.Next()%uint32(len(charset))]
	}
	return prefix + string(buf)
}

// SeedForKey reproduces the teacher's pattern of deriving a value's RNG
// seed from its key's bytes (pkg/ratectrl/config.go's GenerateEntries):
// new(big.Int).SetBytes([]byte(key)).Int64().
func SeedForKey(key string) int64 {
	return new(big.Int).SetBytes([]byte(key)).Int64()
}

// Entry is one generated cache item: a key and the value it should hold.
type Entry struct {
	Key   string
	Value []byte
}

// SizeSpec is a key or value size: a fixed size when Max <= Min, otherwise
// a uniform range [Min, Max] (see Pick). It is filled from the
// --keysize_min/--keysize_max and --valuesize_min/--valuesize_max flags;
// no textual size-spec grammar is parsed.
type SizeSpec struct {
	Min, Max int
}

func (s SizeSpec) Pick(rs *pcgr.Rand) int {
	if s.Max <= s.Min {
		return s.Min
	}
	return s.Min + int(rs.Next())%(s.Max-s.Min+1)
}

// GenerateEntries builds the per-server keyspace used for load and for
// lookups during measurement, grounded on
// pkg/ratectrl/config.go:GenerateEntries. Values are sliced out of one
// RandomBuffer shared across the whole keyspace (spec.md §2/§5: the 2 MiB
// buffer is precomputed once and shared read-only) rather than allocated
// fresh per entry.
func GenerateEntries(count int, keyPrefix string, keySize, valueSize SizeSpec, seed int64) []Entry {
	entries := make([]Entry, count)
	subRS := pcgr.New(1, 0)
	buf := NewRandomBuffer(seed)

	for i := 0; i < count; i++ {
		subRS.Seed(seed + int64(i))
		klen := keySize.Pick(&subRS)
		key := RandString(&subRS, klen, keyPrefix)

		subRS.Seed(SeedForKey(key))
		vlen := valueSize.Pick(&subRS)
		value := buf.Slice(key, vlen)

		entries[i] = Entry{Key: key, Value: value}
	}
	return entries
}
