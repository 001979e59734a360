package linkage

import (
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"

	"github.com/bits-and-blooms/bitset"
)

// NumFields is the number of identifier fields in the RBF schema.
const NumFields = 9

// Idat is one patient's identifying data as delivered by a site's
// repository. It never leaves the site; only the derived record filter
// is uploaded.
type Idat struct {
	FirstName       string
	LastName        string
	Birthday        string
	Sex             string
	Street          string
	ZipCode         string
	City            string
	Country         string
	InsuranceNumber string
}

func (i *Idat) fields() [NumFields]string {
	return [NumFields]string{
		i.FirstName, i.LastName, i.Birthday, i.Sex, i.Street,
		i.ZipCode, i.City, i.Country, i.InsuranceNumber,
	}
}

// RecordFilter is the pseudonymized representation of one patient: a
// fixed-length bit array assembled from the per-field filters and
// permuted with the study's shared seed.
type RecordFilter struct {
	bits *bitset.BitSet
}

// Similarity returns the Dice coefficient of the two filters' set bits,
// in [0, 1]. Reproducible: the same two filters always score the same.
func (f *RecordFilter) Similarity(o *RecordFilter) float64 {
	a := f.bits.Count()
	b := o.bits.Count()
	if a+b == 0 {
		return 0
	}
	inter := f.bits.IntersectionCardinality(o.bits)
	return 2 * float64(inter) / float64(a+b)
}

// Encode serializes the filter for upload to the TTP.
func (f *RecordFilter) Encode() (string, error) {
	data, err := f.bits.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encoding record filter: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRecordFilter deserializes a filter uploaded by a site.
func DecodeRecordFilter(encoded string) (*RecordFilter, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding record filter: %w", err)
	}
	bits := &bitset.BitSet{}
	if err := bits.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding record filter: %w", err)
	}
	return &RecordFilter{bits: bits}, nil
}

// RecordFilterGenerator assembles record filters from identifier data.
// Two generators configured with the same length, seed, weights, lengths
// and keys produce identical filters for identical input, which is what
// makes cross-site matching possible.
type RecordFilterGenerator struct {
	length     int
	seed       int64
	weights    []float64
	generators []*FieldGenerator
	fieldBits  []int
}

// NewRecordFilterGenerator creates a generator for record filters of the
// given length. weights and lengths hold one entry per identifier field;
// the weights decide each field's share of record filter bits.
func NewRecordFilterGenerator(length int, seed int64, weights []float64, lengths []int, hasher BigramHasher) (*RecordFilterGenerator, error) {
	if len(weights) != NumFields || len(lengths) != NumFields {
		return nil, fmt.Errorf("expected %d field weights and lengths, got %d and %d",
			NumFields, len(weights), len(lengths))
	}
	if length <= 0 {
		return nil, fmt.Errorf("record filter length must be positive, got %d", length)
	}

	generators := make([]*FieldGenerator, NumFields)
	fieldBits := make([]int, NumFields)
	for i := range generators {
		if lengths[i] <= 0 {
			return nil, fmt.Errorf("field filter length must be positive, got %d", lengths[i])
		}
		generators[i] = NewFieldGenerator(lengths[i], hasher)
		fieldBits[i] = lengths[i]
	}

	return &RecordFilterGenerator{
		length:     length,
		seed:       seed,
		weights:    weights,
		generators: generators,
		fieldBits:  fieldBits,
	}, nil
}

// Generate builds the record filter for one patient. Each field filter
// contributes round(weight * length) bits, sampled cyclically, and the
// concatenated bits are permuted with the shared seed so field
// boundaries are not recoverable from the result.
func (g *RecordFilterGenerator) Generate(idat *Idat) *RecordFilter {
	fields := idat.fields()

	sampled := bitset.New(uint(g.length))
	pos := 0
	remaining := g.length

	for i, gen := range g.generators {
		n := int(math.Round(g.weights[i] * float64(g.length)))
		if i == len(g.generators)-1 || n > remaining {
			n = remaining
		}
		remaining -= n

		fb := gen.BitSet(fields[i])
		for j := 0; j < n; j++ {
			if fb.Test(uint(j % g.fieldBits[i])) {
				sampled.Set(uint(pos))
			}
			pos++
		}
	}

	return &RecordFilter{bits: g.permute(sampled)}
}

// permute shuffles bit positions with the study's shared seed. math/rand
// pins its generator algorithm for a fixed source, so every party with
// the seed derives the same permutation.
func (g *RecordFilterGenerator) permute(in *bitset.BitSet) *bitset.BitSet {
	perm := rand.New(rand.NewSource(g.seed)).Perm(g.length)

	out := bitset.New(uint(g.length))
	for i := 0; i < g.length; i++ {
		if in.Test(uint(i)) {
			out.Set(uint(perm[i]))
		}
	}
	return out
}
