package sampling

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidParams is returned when a request carries sampling parameters
// outside their valid ranges. It is raised at admission, never mid-batch.
var ErrInvalidParams = errors.New("invalid sampling parameters")

// Params holds per-request sampling parameters. Zero values mean "unset":
// a zero Temperature behaves like 1, a zero RepetitionPenalty like 1, a zero
// TopP like 1.
type Params struct {
	Temperature       float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK              int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP              float32 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	RepetitionPenalty float32 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	PresencePenalty   float32 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	FrequencyPenalty  float32 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	DoSample          bool    `json:"do_sample,omitempty" yaml:"do_sample,omitempty"`
	Seed              *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Validate checks every field against its range.
func (p Params) Validate() error {
	switch {
	case isNaN(p.Temperature) || p.Temperature < 0:
		return errors.Wrapf(ErrInvalidParams, "temperature must be >= 0, got %v", p.Temperature)
	case !finite(p.Temperature) || p.Temperature != 0 && !finite(1/p.Temperature):
		// Scores are divided by the temperature in float32.
		return errors.Wrapf(ErrInvalidParams, "temperature %v is outside the float32 range", p.Temperature)
	case p.TopK < 0:
		return errors.Wrapf(ErrInvalidParams, "top_k must be >= 0, got %d", p.TopK)
	case isNaN(p.TopP) || p.TopP < 0 || p.TopP > 1:
		return errors.Wrapf(ErrInvalidParams, "top_p must be in [0, 1], got %v", p.TopP)
	case isNaN(p.RepetitionPenalty) || p.RepetitionPenalty < 0:
		return errors.Wrapf(ErrInvalidParams, "repetition_penalty must be >= 0, got %v", p.RepetitionPenalty)
	case isNaN(p.PresencePenalty) || p.PresencePenalty < -2 || p.PresencePenalty > 2:
		return errors.Wrapf(ErrInvalidParams, "presence_penalty must be in [-2, 2], got %v", p.PresencePenalty)
	case isNaN(p.FrequencyPenalty) || p.FrequencyPenalty < -2 || p.FrequencyPenalty > 2:
		return errors.Wrapf(ErrInvalidParams, "frequency_penalty must be in [-2, 2], got %v", p.FrequencyPenalty)
	}
	return nil
}

// Sampling reports whether these parameters draw from a distribution
// rather than taking the arg-max.
func (p Params) Sampling() bool {
	if p.DoSample {
		return true
	}
	if p.Temperature != 0 && p.Temperature != 1 {
		return true
	}
	if p.TopK > 0 {
		return true
	}
	return p.TopP > 0 && p.TopP < 1
}

func isNaN(v float32) bool { return math.IsNaN(float64(v)) }

func finite(v float32) bool { return !math.IsInf(float64(v), 0) && !isNaN(v) }
