package sampling

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/mathx"
)

// Chooser picks the next token for one request. Each Chooser owns its random
// source, so two requests never share draws.
type Chooser struct {
	params   Params
	sampling bool
	seed     uint64
	rng      *rand.Rand
}

// NewChooser validates p and builds a Chooser. When p samples and carries no
// seed, a fresh one is drawn and reported through Seed.
func NewChooser(p Params) (*Chooser, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := &Chooser{params: p, sampling: p.Sampling()}
	if c.sampling {
		if p.Seed != nil {
			c.seed = *p.Seed
		} else {
			c.seed = rand.Uint64()
		}
		c.rng = rand.New(rand.NewPCG(c.seed, c.seed^0x9e3779b97f4a7c15))
	}
	return c, nil
}

// Params returns the parameters the chooser was built from.
func (c *Chooser) Params() Params { return c.params }

// Seed returns the seed of a sampling chooser. Greedy choosers have none.
func (c *Chooser) Seed() (uint64, bool) {
	if !c.sampling {
		return 0, false
	}
	return c.seed, true
}

// Select applies the configured processors to logits and picks a token.
// history is the full id sequence of the request so far; it feeds the
// penalties. The returned row is the log-softmax of the processed scores.
func (c *Chooser) Select(history []int32, logits []float32) (int32, []float32, error) {
	if len(logits) == 0 {
		return 0, nil, errors.New("sampling: empty logits row")
	}
	scores := make([]float32, len(logits))
	copy(scores, logits)

	applyPenalties(scores, history, c.params)
	if c.sampling {
		if t := c.params.Temperature; t != 0 && t != 1 {
			inv := 1 / t
			for i := range scores {
				scores[i] *= inv
			}
		}
		if c.params.TopK > 0 {
			topKFilter(scores, c.params.TopK)
		}
		if p := c.params.TopP; p > 0 && p < 1 {
			topPFilter(scores, p)
		}
	}

	logprobs := mathx.LogSoftmax(scores)
	if !c.sampling {
		return int32(mathx.Argmax(scores)), logprobs, nil
	}
	return int32(c.sampleFromLogprobs(logprobs)), logprobs, nil
}

// applyPenalties rewrites the scores of every token already present in history.
func applyPenalties(scores []float32, history []int32, p Params) {
	if len(history) == 0 {
		return
	}
	rep := p.RepetitionPenalty
	if rep == 1 {
		rep = 0
	}
	if rep == 0 && p.PresencePenalty == 0 && p.FrequencyPenalty == 0 {
		return
	}
	counts := make(map[int32]int)
	for _, id := range history {
		counts[id]++
	}
	for id, n := range counts {
		if id < 0 || int(id) >= len(scores) {
			continue
		}
		if rep != 0 {
			if scores[id] < 0 {
				scores[id] *= rep
			} else {
				scores[id] /= rep
			}
		}
		scores[id] -= p.PresencePenalty
		scores[id] -= p.FrequencyPenalty * float32(n)
	}
}

// topKFilter masks every score below the k-th largest. Ties with the k-th
// score survive.
func topKFilter(scores []float32, k int) {
	if k >= len(scores) {
		return
	}
	sorted := make([]float32, len(scores))
	copy(sorted, scores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	thresh := sorted[k-1]
	for i := range scores {
		if scores[i] < thresh {
			scores[i] = float32(math.Inf(-1))
		}
	}
}

// topPFilter keeps the smallest set of highest-probability tokens whose mass
// reaches p, always keeping at least one.
func topPFilter(scores []float32, p float32) {
	probs := mathx.Softmax(scores)
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return probs[idx[i]] > probs[idx[j]] })
	var cum float64
	cutoff := len(idx)
	for n, id := range idx {
		cum += float64(probs[id])
		if cum >= float64(p) {
			cutoff = n + 1
			break
		}
	}
	for _, id := range idx[cutoff:] {
		scores[id] = float32(math.Inf(-1))
	}
}

func (c *Chooser) sampleFromLogprobs(logprobs []float32) int {
	r := c.rng.Float64()
	var cum float64
	last := 0
	for i, lp := range logprobs {
		if math.IsInf(float64(lp), -1) {
			continue
		}
		last = i
		cum += math.Exp(float64(lp))
		if r < cum {
			return i
		}
	}
	return last
}
