// Package linkage implements privacy-preserving record linkage: per-site
// pseudonymization of identifier rows into record bloom filters (RBFs)
// and federated matching of those filters at the trusted third party.
//
// Each identifier field is hashed into its own field bloom filter (FBF)
// with a keyed bigram hashing scheme. Sites sharing the same HMAC keys
// and permutation seed map equal values to the same bit positions, so
// filters are comparable across sites while the keys stay secret from
// anyone without them. The TTP never sees plaintext identifiers, only
// the assembled RBFs.
package linkage

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashIterations is the number of hash functions per bigram. Positions
// are derived by double hashing: pos(i) = h1 + i*h2 mod filter length.
const HashIterations = 15

// BigramHasher produces the two independent digests that drive the
// double-hashing scheme. The concrete HMAC variants are a parameter of
// the protocol, not fixed; both sides only need to agree.
type BigramHasher interface {
	First(bigram []byte) []byte
	Second(bigram []byte) []byte
}

// hmacBigramHasher pairs two keyed MACs. Not safe for concurrent use;
// each generator owns its hasher.
type hmacBigramHasher struct {
	first  hash.Hash
	second hash.Hash
}

// NewHmacSha2Sha3Hasher returns the default hasher pairing, HMAC-SHA256
// with HMAC-SHA3-256.
func NewHmacSha2Sha3Hasher(sha2Key, sha3Key []byte) BigramHasher {
	return &hmacBigramHasher{
		first:  hmac.New(sha256.New, sha2Key),
		second: hmac.New(sha3.New256, sha3Key),
	}
}

func (h *hmacBigramHasher) First(bigram []byte) []byte {
	h.first.Reset()
	h.first.Write(bigram)
	return h.first.Sum(nil)
}

func (h *hmacBigramHasher) Second(bigram []byte) []byte {
	h.second.Reset()
	h.second.Write(bigram)
	return h.second.Sum(nil)
}

// bigrams splits a value into overlapping two-rune grams, padded with a
// leading and trailing space so single-rune values still produce grams.
func bigrams(value string) [][]byte {
	runes := []rune(" " + value + " ")
	out := make([][]byte, 0, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		out = append(out, []byte(string(runes[i:i+2])))
	}
	return out
}
