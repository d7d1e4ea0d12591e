// Package mathx holds the float32 kernels shared by the selector and the
// reference model.
package mathx

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Project computes dst = x·wᵀ + dst for row-major matrices, where x is
// rows×in, w is out×in and dst is rows×out. Clear dst first for a plain
// product; pre-filled rows act as a bias.
func Project(dst, x []float32, rows, in int, w []float32, out int) {
	if rows == 0 || out == 0 {
		return
	}
	a := blas32.General{Rows: rows, Cols: in, Data: x, Stride: in}
	b := blas32.General{Rows: out, Cols: in, Data: w, Stride: in}
	c := blas32.General{Rows: rows, Cols: out, Data: dst, Stride: out}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 1, c)
}
