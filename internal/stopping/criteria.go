// Package stopping decides when a request has generated enough.
package stopping

import (
	"slices"
	"strings"
)

// FinishReason says why a request stopped.
type FinishReason int

const (
	None FinishReason = iota
	Length
	EOSToken
	StopSequence
)

func (r FinishReason) String() string {
	switch r {
	case Length:
		return "length"
	case EOSToken:
		return "eos_token"
	case StopSequence:
		return "stop_sequence"
	default:
		return "none"
	}
}

// Params holds per-request stopping parameters.
type Params struct {
	MaxNewTokens  int      `json:"max_new_tokens" yaml:"max_new_tokens"`
	StopSequences []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	IgnoreEOS     bool     `json:"ignore_eos,omitempty" yaml:"ignore_eos,omitempty"`
}

// Criteria tracks one request. Once it reports a stop it keeps reporting the
// same reason without counting further tokens.
type Criteria struct {
	params  Params
	eos     []int32
	current int
	tail    string
	maxStop int
	reason  FinishReason
	aborted bool
}

// New builds Criteria for one request. eos lists every end-of-sequence id.
func New(p Params, eos []int32) *Criteria {
	maxStop := 0
	for _, s := range p.StopSequences {
		maxStop = max(maxStop, len(s))
	}
	return &Criteria{params: p, eos: eos, maxStop: maxStop}
}

// Evaluate counts one generated token and its newly revealed text.
func (c *Criteria) Evaluate(id int32, text string) (bool, FinishReason) {
	if c.reason != None || c.aborted {
		return true, c.reason
	}
	c.current++
	if c.current >= c.params.MaxNewTokens {
		c.reason = Length
		return true, c.reason
	}
	if !c.params.IgnoreEOS && slices.Contains(c.eos, id) {
		c.reason = EOSToken
		return true, c.reason
	}
	if c.maxStop > 0 && text != "" {
		c.tail += text
		for _, s := range c.params.StopSequences {
			if s != "" && strings.Contains(c.tail, s) {
				c.reason = StopSequence
				return true, c.reason
			}
		}
		if len(c.tail) > c.maxStop {
			c.tail = c.tail[len(c.tail)-c.maxStop:]
		}
	}
	return false, None
}

// CurrentTokens is the number of tokens counted so far.
func (c *Criteria) CurrentTokens() int { return c.current }

// MaxNewTokens is the configured generation limit.
func (c *Criteria) MaxNewTokens() int { return c.params.MaxNewTokens }

// Remaining is the number of tokens the request may still generate.
func (c *Criteria) Remaining() int { return max(c.params.MaxNewTokens-c.current, 0) }

// Reason is the stop reason, or None while the request is running.
func (c *Criteria) Reason() FinishReason { return c.reason }

// Abort makes c terminal without a finish reason. The engine uses it when a
// request fails on its own while the rest of the batch carries on.
func (c *Criteria) Abort() { c.aborted = true }

// Stopped reports whether c is terminal.
func (c *Criteria) Stopped() bool { return c.reason != None || c.aborted }
