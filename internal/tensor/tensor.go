// Package tensor holds the dense-array helpers the batch and the engine build
// on. Every tensor is a contiguous row-major gorgonia *Dense. The typed
// helpers fold shapes down to the 2-D and 1-D forms gorgonia's ByIndices and
// Concat handle, and keep results contiguous so Values can hand out the
// backing slice.
package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	ggtensor "gorgonia.org/tensor"
)

// Device represents computation device
type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice maps a config string to a Device.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda":
		return GPU, nil
	default:
		return CPU, errors.Errorf("unknown device %q", s)
	}
}

// Re-export selected gorgonia.org/tensor types and dtypes for convenience
type (
	Dense = ggtensor.Dense
	Dtype = ggtensor.Dtype
)

var (
	Float32 = ggtensor.Float32
	Int32   = ggtensor.Int32
)

// Element is the set of backing types batch tensors are built from.
type Element interface {
	int32 | float32
}

// Volume returns the number of elements a shape holds.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// FromSlice wraps data in a Dense of the given shape. data is not copied.
func FromSlice[T Element](data []T, shape ...int) *Dense {
	if Volume(shape) != len(data) {
		panic(fmt.Sprintf("tensor: %d elements do not fit shape %v", len(data), shape))
	}
	return ggtensor.New(ggtensor.WithShape(shape...), ggtensor.WithBacking(data))
}

// Zeros allocates a zero-filled Dense.
func Zeros[T Element](shape ...int) *Dense {
	return FromSlice(make([]T, Volume(shape)), shape...)
}

// Full allocates a Dense with every element set to v.
func Full[T Element](v T, shape ...int) *Dense {
	data := make([]T, Volume(shape))
	for i := range data {
		data[i] = v
	}
	return FromSlice(data, shape...)
}

// Values returns the backing slice of t. It panics if t does not hold T,
// the same way a failed Data() assertion would.
func Values[T Element](t *Dense) []T {
	v, ok := t.Data().([]T)
	if !ok {
		panic(fmt.Sprintf("tensor: backing is %T, not %T", t.Data(), v))
	}
	return v
}

// Dims returns a copy of the shape of t.
func Dims(t *Dense) []int {
	return append([]int(nil), t.Shape()...)
}

// Clone deep-copies t.
func Clone[T Element](t *Dense) *Dense {
	if t.Size() == 0 {
		return Zeros[T](Dims(t)...)
	}
	return t.Clone().(*Dense)
}

// RowSize returns the number of elements in one slice along axis 0.
func RowSize(t *Dense) int {
	return Volume(t.Shape()[1:])
}

// GatherRows returns a new tensor holding rows idx of t along axis 0, in that order.
func GatherRows[T Element](t *Dense, idx []int) (*Dense, error) {
	dims := Dims(t)
	if len(dims) == 0 {
		return nil, errors.New("tensor: cannot gather rows of a scalar")
	}
	for _, i := range idx {
		if i < 0 || i >= dims[0] {
			return nil, errors.Errorf("tensor: row %d out of range [0,%d)", i, dims[0])
		}
	}
	rows, rs := dims[0], RowSize(t)
	dims[0] = len(idx)
	switch {
	case len(idx) == 0 || rs == 0:
		return Zeros[T](dims...), nil
	case rows == 1 && rs == 1:
		// A single element is a scalar to gorgonia, which selects by slicing.
		return Full(Values[T](t)[0], dims...), nil
	}
	at := append([]int(nil), idx...)
	picked, err := ggtensor.ByIndices(
		FromSlice(Values[T](t), rows, rs),
		ggtensor.New(ggtensor.WithShape(len(at)), ggtensor.WithBacking(at)),
		0,
	)
	if err != nil {
		return nil, errors.Wrap(err, "tensor: gather rows")
	}
	return FromSlice(Values[T](picked.(*Dense)), dims...), nil
}

// Concat joins parts along axis. All other dimensions must agree.
func Concat[T Element](axis int, parts ...*Dense) (*Dense, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensor: nothing to concatenate")
	}
	dims := Dims(parts[0])
	if axis < 0 || axis >= len(dims) {
		return nil, errors.Errorf("tensor: axis %d out of range for rank %d", axis, len(dims))
	}
	total := 0
	for _, p := range parts {
		pd := p.Shape()
		if len(pd) != len(dims) {
			return nil, errors.Errorf("tensor: rank mismatch %v vs %v", pd, dims)
		}
		for a := range dims {
			if a != axis && pd[a] != dims[a] {
				return nil, errors.Errorf("tensor: shape mismatch %v vs %v on axis %d", pd, dims, a)
			}
		}
		total += pd[axis]
	}
	dims[axis] = total
	outer := Volume(dims[:axis])

	// Row o of the result along axis is row o of every part, one after the
	// other, so the whole join is a single 1-D concatenation of those runs.
	var runs []*Dense
	for o := 0; o < outer; o++ {
		for _, p := range parts {
			if p.Size() == 0 {
				continue
			}
			w := p.Size() / outer
			runs = append(runs, FromSlice(Values[T](p)[o*w:(o+1)*w], w))
		}
	}
	switch len(runs) {
	case 0:
		return Zeros[T](dims...), nil
	case 1:
		return FromSlice(Values[T](Clone[T](runs[0])), dims...), nil
	}
	rest := make([]ggtensor.Tensor, len(runs)-1)
	for i, r := range runs[1:] {
		rest[i] = r
	}
	joined, err := ggtensor.Concat(0, runs[0], rest...)
	if err != nil {
		return nil, errors.Wrap(err, "tensor: concat")
	}
	return FromSlice(Values[T](joined.(*Dense)), dims...), nil
}

// Split cuts t into n equal chunks along axis.
func Split[T Element](t *Dense, axis, n int) ([]*Dense, error) {
	dims := Dims(t)
	if axis < 0 || axis >= len(dims) {
		return nil, errors.Errorf("tensor: axis %d out of range for rank %d", axis, len(dims))
	}
	if n <= 0 || dims[axis]%n != 0 {
		return nil, errors.Errorf("tensor: axis %d of size %d is not divisible into %d parts", axis, dims[axis], n)
	}
	out := make([]*Dense, n)
	step := dims[axis] / n
	for i := range out {
		part, err := Narrow[T](t, axis, i*step, (i+1)*step)
		if err != nil {
			return nil, err
		}
		out[i] = part
	}
	return out, nil
}

// Narrow copies the [from, to) range of t along axis into a new tensor.
func Narrow[T Element](t *Dense, axis, from, to int) (*Dense, error) {
	dims := Dims(t)
	if axis < 0 || axis >= len(dims) {
		return nil, errors.Errorf("tensor: axis %d out of range for rank %d", axis, len(dims))
	}
	if from < 0 || to > dims[axis] || from > to {
		return nil, errors.Errorf("tensor: range [%d,%d) out of bounds for axis %d of size %d", from, to, axis, dims[axis])
	}
	outer, inner := Volume(dims[:axis]), Volume(dims[axis+1:])
	size := dims[axis]
	dims[axis] = to - from
	switch {
	case Volume(dims) == 0:
		return Zeros[T](dims...), nil
	case from == 0 && to == size:
		return Clone[T](t), nil
	}
	// Seen as [outer, size*inner], the range is a run of whole columns.
	cols := make([]int, (to-from)*inner)
	for i := range cols {
		cols[i] = from*inner + i
	}
	picked, err := ggtensor.ByIndices(
		FromSlice(Values[T](t), outer, size*inner),
		ggtensor.New(ggtensor.WithShape(len(cols)), ggtensor.WithBacking(cols)),
		1,
	)
	if err != nil {
		return nil, errors.Wrap(err, "tensor: narrow")
	}
	return FromSlice(Values[T](picked.(*Dense)), dims...), nil
}
