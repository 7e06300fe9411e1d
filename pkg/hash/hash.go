// Package hash provides the hashing helpers used for record checksums
// and bucket placement.
package hash

import (
	"hash/crc32"
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// FNV64 computes the 64-bit FNV-1a hash of data.
func FNV64(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// CRC32 computes the IEEE CRC-32 checksum of data.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// CRC32Continuous folds data into a running IEEE CRC-32 checksum so a
// stream can be digested in chunks. Start with seed 0 and feed each
// result back as the seed of the next call.
func CRC32Continuous(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, data)
}

// CRC32C computes the Castagnoli CRC-32 checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// CRC32CContinuous folds data into a running Castagnoli CRC-32 checksum.
func CRC32CContinuous(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, castagnoliTable, data)
}

// XX64 computes the 64-bit XXH64 hash of data.
func XX64(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// XX3 computes the 64-bit XXH3 hash of data.
func XX3(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XX3Seed computes the seeded 64-bit XXH3 hash of data.
func XX3Seed(data []byte, seed uint64) uint64 {
	return xxh3.HashSeed(data, seed)
}
