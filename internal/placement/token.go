// Package placement holds the versioned token placement table (DLT) and the
// mapping from object ids to SM tokens.
package placement

import "github.com/cespare/xxhash/v2"

// Token identifies an SM token, a contiguous partition of the object-id space.
type Token uint32

// Version is the placement table version. Every request and migration round
// is tagged with the version it was issued under.
type Version uint64

// MaxBitsPerToken bounds the table size to 64k tokens.
const MaxBitsPerToken = 16

// TokenOf maps an object id to its token: the top bitsPerToken bits of the
// object id's 64-bit hash.
func TokenOf(objectID string, bitsPerToken uint) Token {
	if bitsPerToken == 0 {
		return 0
	}
	return Token(xxhash.Sum64String(objectID) >> (64 - bitsPerToken))
}

// TokenCount returns the number of tokens for a table width.
func TokenCount(bitsPerToken uint) int {
	return 1 << bitsPerToken
}
