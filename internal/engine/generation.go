package engine

import (
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
)

// PrefillTokens describes a prompt: its ids, the log-probability the model
// assigned to each of them, and their text. The first log-probability is
// NaN since nothing predicts the first token.
type PrefillTokens struct {
	IDs      []int32
	Logprobs []float32
	Texts    []string
}

// GeneratedText is attached to the last Generation of a request.
type GeneratedText struct {
	Text            string
	GeneratedTokens int
	FinishReason    stopping.FinishReason
	// Seed is set for sampling requests only.
	Seed *uint64
}

// Generation is what one step produced for one request.
type Generation struct {
	RequestID uint64
	// Prefill is set on the first Generation of a request.
	Prefill *PrefillTokens

	TokenID        int32
	TokenLogprob   float32
	TokenText      string
	TokenIsSpecial bool

	// Generated is set once the request stopped.
	Generated *GeneratedText
	// Err is set when the request failed on its own. No further
	// Generation follows for it.
	Err error
}

// Done reports whether this is the last Generation of its request.
func (g Generation) Done() bool { return g.Generated != nil || g.Err != nil }
