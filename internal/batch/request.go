package batch

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/sampling"
	"github.com/unixsysdev/nano-go-tgi/internal/stopping"
)

var (
	// ErrEmptyBatch is returned when building from no requests.
	ErrEmptyBatch = errors.New("batch must have at least one request")
	// ErrEmptyFilter is returned when filtering down to no requests.
	ErrEmptyFilter = errors.New("filter subset is empty; discard the batch instead")
	// ErrUnknownRequest is returned for a request id the batch does not hold.
	ErrUnknownRequest = errors.New("unknown request id")
	// ErrDuplicateRequest is returned when a request id appears twice.
	ErrDuplicateRequest = errors.New("duplicate request id")
	// ErrNotPrefilled is returned when concatenating a batch that never ran a forward pass.
	ErrNotPrefilled = errors.New("batch has not been prefilled")
	// ErrLayoutMismatch is returned when merging batches of different layouts.
	ErrLayoutMismatch = errors.New("batch layouts differ")
)

// Layout selects how a batch packs its tokens.
type Layout int

const (
	// Padded keeps one left-padded row per request plus an attention mask.
	Padded Layout = iota
	// Ragged concatenates requests and tracks boundaries in cu_seqlens.
	Ragged
)

func (l Layout) String() string {
	if l == Ragged {
		return "ragged"
	}
	return "padded"
}

// ParseLayout maps a config string to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "padded":
		return Padded, nil
	case "ragged", "flash":
		return Ragged, nil
	default:
		return Padded, errors.Errorf("unknown batch layout %q", s)
	}
}

// Request is one admitted generation request. It is immutable once admitted.
type Request struct {
	ID         uint64
	Inputs     string
	Truncate   int
	Parameters sampling.Params
	Stopping   stopping.Params
}

// Validate rejects requests that must never reach a batch.
func (r Request) Validate() error {
	if err := r.Parameters.Validate(); err != nil {
		return errors.Wrapf(err, "request %d", r.ID)
	}
	if r.Stopping.MaxNewTokens < 0 {
		return errors.Wrapf(sampling.ErrInvalidParams, "request %d: max_new_tokens must be >= 0, got %d", r.ID, r.Stopping.MaxNewTokens)
	}
	if r.Truncate < 0 {
		return errors.Wrapf(sampling.ErrInvalidParams, "request %d: truncate must be >= 0, got %d", r.ID, r.Truncate)
	}
	return nil
}
