package mathx

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// LogSoftmax returns log(softmax(x)). Accumulation happens in float64 so a
// single-hot row yields exactly 0 for the hot entry.
func LogSoftmax(x []float32) []float32 {
	if len(x) == 0 {
		return nil
	}
	wide := make([]float64, len(x))
	for i, v := range x {
		wide[i] = float64(v)
	}
	lse := floats.LogSumExp(wide)
	out := make([]float32, len(x))
	for i, v := range wide {
		out[i] = float32(v - lse)
	}
	return out
}

// Softmax returns the normalized exponentials of x.
func Softmax(x []float32) []float32 {
	ls := LogSoftmax(x)
	for i, v := range ls {
		ls[i] = float32(math.Exp(float64(v)))
	}
	return ls
}

// Argmax returns the index of the largest element. Ties resolve to the
// lowest index. It panics on an empty slice.
func Argmax(x []float32) int {
	wide := make([]float64, len(x))
	for i, v := range x {
		wide[i] = float64(v)
	}
	return floats.MaxIdx(wide)
}
