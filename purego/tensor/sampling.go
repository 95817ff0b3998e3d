package tensor

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// SamplingParams holds parameters for token sampling
type SamplingParams struct {
	Temperature float32 // 0 means greedy
	TopP        float32 // Nucleus sampling
	TopK        int     // Top-k sampling, 0 disables
}

// DefaultSamplingParams returns greedy decoding parameters.
func DefaultSamplingParams() *SamplingParams {
	return &SamplingParams{
		Temperature: 0,
		TopP:        1.0,
		TopK:        1,
	}
}

// Greedy reports whether params always pick the argmax.
func (p *SamplingParams) Greedy() bool {
	return p.Temperature == 0 || p.TopK == 1
}

// Sample picks a token from logits and returns it with its log-probability
// under the unscaled model distribution. logits is not modified.
func Sample(logits []float32, params *SamplingParams, rng *rand.Rand) (int, float32) {
	if params == nil {
		params = DefaultSamplingParams()
	}
	logp := LogSoftmax(logits)

	var id int
	if params.Greedy() {
		id = floats.MaxIdx(logp)
	} else {
		scaled := make([]float64, len(logits))
		for i, l := range logits {
			scaled[i] = float64(l) / float64(params.Temperature)
		}
		probs := softmax(scaled)
		if params.TopK > 0 && params.TopK < len(probs) {
			probs = topKFiltering(probs, params.TopK)
		}
		if params.TopP < 1.0 {
			probs = topPFiltering(probs, float64(params.TopP))
		}
		id = sampleMultinomial(probs, rng)
	}
	return id, float32(logp[id])
}

// LogSoftmax returns log-probabilities in float64.
func LogSoftmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	toFloat64(out, logits)
	floats.AddConst(-floats.LogSumExp(out), out)
	return out
}

// softmax converts logits to probabilities
func softmax(logits []float64) []float64 {
	probs := append([]float64(nil), logits...)
	softmaxInPlace(probs)
	return probs
}

type indexedProb struct {
	idx  int
	prob float64
}

func sortedDesc(probs []float64) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for i, p := range probs {
		indexed[i] = indexedProb{i, p}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].prob > indexed[j].prob
	})
	return indexed
}

// topKFiltering keeps only top-k probabilities, zeros out the rest
func topKFiltering(probs []float64, k int) []float64 {
	indexed := sortedDesc(probs)
	result := make([]float64, len(probs))
	for i := 0; i < k && i < len(indexed); i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// topPFiltering keeps the smallest prefix whose mass reaches p.
func topPFiltering(probs []float64, p float64) []float64 {
	indexed := sortedDesc(probs)
	total := floats.Sum(probs)
	cum := 0.0
	cutoff := len(indexed)
	for i, item := range indexed {
		cum += item.prob
		if cum >= p*total {
			cutoff = i + 1
			break
		}
	}
	result := make([]float64, len(probs))
	for i := 0; i < cutoff; i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// sampleMultinomial samples from an unnormalized distribution
func sampleMultinomial(probs []float64, rng *rand.Rand) int {
	cum := make([]float64, len(probs))
	floats.CumSum(cum, probs)

	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64()
	}
	r := u * cum[len(cum)-1]

	idx := sort.Search(len(cum), func(i int) bool {
		return cum[i] > r
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx
}

// Argmax returns the index of the largest logit.
func Argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] || (math.IsNaN(float64(logits[best])) && !math.IsNaN(float64(v))) {
			best = i
		}
	}
	return best
}
