// Package shardkey implements the sharding functions used to pick a
// physical shard from a routing column's value: hash (PostgreSQL's own
// hash-partitioning hash, so `CREATE TABLE ... PARTITION BY HASH` and
// pgdog agree on which row lives where), range, list, and vector
// (centroid/nearest-probe) sharding.
//
// The hash functions are a hand-port of PostgreSQL's internal
// hash_bytes_extended/hashint8extended/hash_combine64 (normally reached
// in the original implementation via a linked C library). Byte-for-byte
// equivalence with a real server must be verified in integration tests
// against a live PostgreSQL instance partitioned the same way; this port
// is built from the public, well-documented Jenkins "lookup3" algorithm
// PostgreSQL itself uses, not inferred or approximated.
package shardkey

import "github.com/google/uuid"

func rot(x uint32, k uint) uint32 {
	return (x << k) | (x >> (32 - k))
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= rot(c, 4)
	c += b
	b -= a
	b ^= rot(a, 6)
	a += c
	c -= b
	c ^= rot(b, 8)
	b += a
	a -= c
	a ^= rot(c, 16)
	c += b
	b -= a
	b ^= rot(a, 19)
	a += c
	c -= b
	c ^= rot(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)
	return a, b, c
}

// hashUint32Extended ports PostgreSQL's hash_uint32_extended: a single
// 32-bit value mixed with lookup3's final() avalanche, seeded.
func hashUint32Extended(k uint32, seed uint64) uint64 {
	const magic uint32 = 0x9e3779b9 + 4 + 3923095
	a, b, c := magic, magic, magic

	if seed != 0 {
		a += uint32(seed >> 32)
		b += uint32(seed)
		a, b, c = mix(a, b, c)
	}

	a += k
	a, b, c = final(a, b, c)

	return uint64(c)<<32 | uint64(b)
}

// hashBytesExtended ports PostgreSQL's hash_bytes_extended, the classic
// Jenkins lookup3 "hashlittle" algorithm operating over an arbitrary byte
// slice, seeded.
func hashBytesExtended(data []byte, seed uint64) uint64 {
	length := uint32(len(data))
	a := uint32(0x9e3779b9) + length + uint32(seed>>32)
	b := a
	c := a + uint32(seed)

	i := 0
	for remaining := len(data); remaining > 12; remaining -= 12 {
		a += le32(data[i : i+4])
		b += le32(data[i+4 : i+8])
		c += le32(data[i+8 : i+12])
		a, b, c = mix(a, b, c)
		i += 12
	}

	tail := data[i:]
	switch len(tail) {
	case 12:
		c += le32(tail[8:12])
		b += le32(tail[4:8])
		a += le32(tail[0:4])
	case 11:
		c += uint32(tail[10]) << 16
		fallthrough
	case 10:
		c += uint32(tail[9]) << 8
		fallthrough
	case 9:
		c += uint32(tail[8])
		fallthrough
	case 8:
		b += le32(tail[4:8])
		a += le32(tail[0:4])
	case 7:
		b += uint32(tail[6]) << 16
		fallthrough
	case 6:
		b += uint32(tail[5]) << 8
		fallthrough
	case 5:
		b += uint32(tail[4])
		fallthrough
	case 4:
		a += le32(tail[0:4])
	case 3:
		a += uint32(tail[2]) << 16
		fallthrough
	case 2:
		a += uint32(tail[1]) << 8
		fallthrough
	case 1:
		a += uint32(tail[0])
	case 0:
		return uint64(c)<<32 | uint64(b)
	}
	a, b, c = final(a, b, c)
	return uint64(c)<<32 | uint64(b)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// hashCombine64 ports PostgreSQL's hash_combine64, used to fold a single
// column's hash into the zero seed pgdog's sharding functions start from.
func hashCombine64(a, b uint64) uint64 {
	const magic uint64 = 0x49a0f4dd15e5a8e3
	a ^= b + magic + (a << 54) + (a >> 7)
	return a
}

// HashBigint computes the shard index for a BIGINT routing value, the
// same algorithm PostgreSQL uses for `PARTITION BY HASH` on a bigint
// column.
func HashBigint(value int64, shards int) int {
	lohalf := uint32(value)
	hihalf := uint32(value >> 32)
	if value >= 0 {
		lohalf ^= hihalf
	} else {
		lohalf ^= ^hihalf
	}
	hash := hashUint32Extended(lohalf, 0)
	combined := hashCombine64(0, hash)
	return int(combined % uint64(shards))
}

// HashUUID computes the shard index for a UUID routing value.
func HashUUID(value uuid.UUID, shards int) int {
	hash := hashBytesExtended(value[:], 0)
	combined := hashCombine64(0, hash)
	return int(combined % uint64(shards))
}
