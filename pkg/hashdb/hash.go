package hashdb

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// hashKey computes the 64-bit hash of a record key.
func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// foldHash derives the 32-bit pivot used as the primary comparison key
// inside a bucket chain. The four 16-bit halves of the 64-bit hash are
// recombined and XORed so every input bit influences the result.
func foldHash(hash uint64) uint32 {
	hi := uint32(hash>>48)<<16 | uint32(hash>>32)&0xFFFF
	lo := uint32(hash&0xFFFF)<<16 | uint32(hash>>16)&0xFFFF

	return hi ^ lo
}

// compareKeys orders keys by length first, then bytewise. Chains compare the
// folded hash before ever calling this, so the ordering only needs to be
// total and stable, not meaningful.
func compareKeys(a, b []byte) int {
	if len(a) < len(b) {
		return -1
	}

	if len(a) > len(b) {
		return 1
	}

	return bytes.Compare(a, b)
}

// nearbyPrime returns the smallest prime >= num. Bucket counts are primed so
// keys spread evenly regardless of hash quality.
func nearbyPrime(num int64) int64 {
	if num < 2 {
		return 2
	}

	for n := num; ; n++ {
		if isPrime(n) {
			return n
		}
	}
}

func isPrime(n int64) bool {
	if n < 2 {
		return false
	}

	if n%2 == 0 {
		return n == 2
	}

	for d := int64(3); d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}

	return true
}
