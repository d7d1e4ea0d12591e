package layers

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/mathx"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Linear represents a linear layer
type Linear struct {
	weight *tensor.Dense // [out, in]
	bias   *tensor.Dense // [out] or nil
}

// NewLinear creates a zero-initialized linear layer
func NewLinear(inputSize, outputSize int, hasBias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, errors.Errorf("linear: bad size %dx%d", outputSize, inputSize)
	}
	l := &Linear{weight: tensor.Zeros[float32](outputSize, inputSize)}
	if hasBias {
		l.bias = tensor.Zeros[float32](outputSize)
	}
	return l, nil
}

// InputSize is the width of accepted rows.
func (l *Linear) InputSize() int { return l.weight.Shape()[1] }

// OutputSize is the width of produced rows.
func (l *Linear) OutputSize() int { return l.weight.Shape()[0] }

// Forward maps a [rows, in] tensor to [rows, out].
func (l *Linear) Forward(input *tensor.Dense) (*tensor.Dense, error) {
	dims := input.Shape()
	if len(dims) != 2 || dims[1] != l.InputSize() {
		return nil, errors.Errorf("linear: input shape %v, want [rows %d]", dims, l.InputSize())
	}
	rows, in, out := dims[0], dims[1], l.OutputSize()
	dst := make([]float32, rows*out)
	if l.bias != nil {
		b := tensor.Values[float32](l.bias)
		for r := 0; r < rows; r++ {
			copy(dst[r*out:(r+1)*out], b)
		}
	}
	mathx.Project(dst, tensor.Values[float32](input), rows, in, tensor.Values[float32](l.weight), out)
	return tensor.FromSlice(dst, rows, out), nil
}

// Shard returns the rank-th of n slices of the output dimension, the way a
// column-parallel head is split across tensor-parallel workers.
func (l *Linear) Shard(rank, n int) (*Linear, error) {
	if n <= 0 || rank < 0 || rank >= n {
		return nil, errors.Errorf("linear: bad shard %d of %d", rank, n)
	}
	parts, err := tensor.Split[float32](l.weight, 0, n)
	if err != nil {
		return nil, errors.Wrap(err, "linear: shard weight")
	}
	s := &Linear{weight: parts[rank]}
	if l.bias != nil {
		bp, err := tensor.Split[float32](l.bias, 0, n)
		if err != nil {
			return nil, errors.Wrap(err, "linear: shard bias")
		}
		s.bias = bp[rank]
	}
	return s, nil
}

// LoadWeights loads weights from data
func (l *Linear) LoadWeights(weightData, biasData []float32) error {
	w := tensor.Values[float32](l.weight)
	if len(weightData) != len(w) {
		return errors.Errorf("linear: got %d weights, want %d", len(weightData), len(w))
	}
	copy(w, weightData)
	if l.bias != nil && biasData != nil {
		b := tensor.Values[float32](l.bias)
		if len(biasData) != len(b) {
			return errors.Errorf("linear: got %d biases, want %d", len(biasData), len(b))
		}
		copy(b, biasData)
	}
	return nil
}

// Weight returns the [out, in] matrix.
func (l *Linear) Weight() *tensor.Dense { return l.weight }
