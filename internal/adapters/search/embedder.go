package search

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const defaultDimensions = 256

// HashEmbedder is a dependency-free Embedder for local mode and tests:
// word unigrams and bigrams hashed into a fixed-size, L2-normalized vector.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = defaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dims)
	toks := tokens(text)
	for i, t := range toks {
		vec[e.bucket(t)] += 1
		if i > 0 {
			vec[e.bucket(toks[i-1]+" "+t)] += 0.5
		}
	}
	normalize(vec)
	return vec, nil
}

func (e *HashEmbedder) bucket(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(e.dims))
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// Cosine returns the cosine similarity of two vectors of equal length, or 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ScenarioText is what gets embedded for a scenario.
func ScenarioText(description string, keywords []string) string {
	parts := append([]string{description}, keywords...)
	return strings.TrimSpace(strings.Join(parts, ". "))
}
