package layers

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Embedding represents an embedding layer
type Embedding struct {
	weight *tensor.Dense // [vocab, dim]
}

// NewEmbedding creates a zero-initialized embedding layer
func NewEmbedding(vocabSize, embeddingDim int) (*Embedding, error) {
	if vocabSize <= 0 || embeddingDim <= 0 {
		return nil, errors.Errorf("embedding: bad size %dx%d", vocabSize, embeddingDim)
	}
	return &Embedding{weight: tensor.Zeros[float32](vocabSize, embeddingDim)}, nil
}

// VocabSize is the number of rows in the table.
func (e *Embedding) VocabSize() int { return e.weight.Shape()[0] }

// Dim is the embedding width.
func (e *Embedding) Dim() int { return e.weight.Shape()[1] }

// Forward looks up every id and returns a [len(ids), dim] tensor.
func (e *Embedding) Forward(ids []int32) (*tensor.Dense, error) {
	vocab, dim := e.VocabSize(), e.Dim()
	w := tensor.Values[float32](e.weight)
	out := make([]float32, len(ids)*dim)
	for i, id := range ids {
		if id < 0 || int(id) >= vocab {
			return nil, errors.Errorf("embedding: token id out of range: %d", id)
		}
		copy(out[i*dim:(i+1)*dim], w[int(id)*dim:(int(id)+1)*dim])
	}
	return tensor.FromSlice(out, len(ids), dim), nil
}

// LoadWeights copies a row-major [vocab, dim] table into the layer.
func (e *Embedding) LoadWeights(weightData []float32) error {
	w := tensor.Values[float32](e.weight)
	if len(weightData) != len(w) {
		return errors.Errorf("embedding: got %d weights, want %d", len(weightData), len(w))
	}
	copy(w, weightData)
	return nil
}

// Weight returns the [vocab, dim] table.
func (e *Embedding) Weight() *tensor.Dense { return e.weight }
