package linkage

import (
	"math/big"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// FieldGenerator builds the field bloom filter for one identifier field.
// Filter lengths are chosen per field: a rarely-distinguishing field gets
// a short filter, a highly distinguishing one a long filter.
type FieldGenerator struct {
	bits   int
	m      *big.Int
	hasher BigramHasher
}

// NewFieldGenerator creates a generator producing filters of the given
// length in bits.
func NewFieldGenerator(bits int, hasher BigramHasher) *FieldGenerator {
	return &FieldGenerator{bits: bits, m: big.NewInt(int64(bits)), hasher: hasher}
}

// BitSet hashes the value's bigrams into a filter of the generator's
// length. Equal values always produce equal filters for equal keys.
func (g *FieldGenerator) BitSet(value string) *bitset.BitSet {
	bs := bitset.New(uint(g.bits))

	h1 := new(big.Int)
	h2 := new(big.Int)
	pos := new(big.Int)
	step := new(big.Int)

	for _, gram := range bigrams(normalizeField(value)) {
		h1.SetBytes(g.hasher.First(gram))
		h2.SetBytes(g.hasher.Second(gram))
		for i := 0; i < HashIterations; i++ {
			step.Mul(h2, big.NewInt(int64(i)))
			pos.Add(h1, step)
			pos.Mod(pos, g.m)
			bs.Set(uint(pos.Int64()))
		}
	}
	return bs
}

// normalizeField canonicalizes a field value so trivially different
// spellings of the same identifier collide: lowercase, trimmed, inner
// whitespace collapsed.
func normalizeField(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.Join(strings.Fields(value), " ")
}
