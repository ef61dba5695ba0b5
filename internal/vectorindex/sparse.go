package vectorindex

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
)

// SparseVector is a term-frequency vector over hashed tokens. The index
// applies IDF weighting server side.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Empty reports whether the vector has no terms.
func (v SparseVector) Empty() bool {
	return len(v.Indices) == 0
}

// TitleVector encodes text as character trigrams so partial words still
// match. Words shorter than three runes are kept whole.
func TitleVector(text string) SparseVector {
	var tokens []string
	for _, word := range words(text) {
		r := []rune(word)
		if len(r) < 3 {
			tokens = append(tokens, word)
			continue
		}
		for i := 0; i+3 <= len(r); i++ {
			tokens = append(tokens, string(r[i:i+3]))
		}
	}
	return encode(tokens)
}

// DescriptionVector encodes text as whole lowercase words.
func DescriptionVector(text string) SparseVector {
	return encode(words(text))
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func encode(tokens []string) SparseVector {
	if len(tokens) == 0 {
		return SparseVector{}
	}

	counts := make(map[uint32]float32, len(tokens))
	for _, tok := range tokens {
		counts[hashToken(tok)]++
	}

	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = counts[idx]
	}
	return SparseVector{Indices: indices, Values: values}
}

func hashToken(tok string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tok))
	return h.Sum32()
}
