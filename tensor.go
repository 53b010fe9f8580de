package sageattn

import (
	"github.com/pkg/errors"
)

// TensorLayout selects the axis ordering of the host tensors.
type TensorLayout int

const (
	// LayoutNHD is (batch, sequence, head, dim)
	LayoutNHD TensorLayout = 0
	// LayoutHND is (batch, head, sequence, dim)
	LayoutHND TensorLayout = 1
)

// String returns the layout name
func (l TensorLayout) String() string {
	switch l {
	case LayoutNHD:
		return "NHD"
	case LayoutHND:
		return "HND"
	default:
		return "Unknown"
	}
}

// Element constrains the element types a Tensor can hold.
type Element interface {
	int8 | FP8E4M3 | Float16 | BFloat16 | float32
}

// Tensor is a dense, row-major 4-D tensor. The innermost axis is always
// contiguous with stride 1; this is the contiguity precondition the kernel
// relies on, enforced by construction.
type Tensor[E Element] struct {
	Data  []E
	Shape [4]int
}

// NewTensor allocates a zeroed dense tensor of the given shape.
func NewTensor[E Element](d0, d1, d2, d3 int) Tensor[E] {
	return Tensor[E]{
		Data:  make([]E, d0*d1*d2*d3),
		Shape: [4]int{d0, d1, d2, d3},
	}
}

// Strides returns the row-major element strides of the tensor.
func (t Tensor[E]) Strides() [4]int {
	return [4]int{
		t.Shape[1] * t.Shape[2] * t.Shape[3],
		t.Shape[2] * t.Shape[3],
		t.Shape[3],
		1,
	}
}

// Numel returns the number of elements implied by the shape.
func (t Tensor[E]) Numel() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

// At returns the element at the given 4-D index.
func (t Tensor[E]) At(i0, i1, i2, i3 int) E {
	s := t.Strides()
	return t.Data[i0*s[0]+i1*s[1]+i2*s[2]+i3]
}

// Set stores the element at the given 4-D index.
func (t Tensor[E]) Set(i0, i1, i2, i3 int, v E) {
	s := t.Strides()
	t.Data[i0*s[0]+i1*s[1]+i2*s[2]+i3] = v
}

// Scale3 is a dense 3-D float32 tensor used for quantization scale arrays
// and log-sum-exp output.
type Scale3 struct {
	Data  []float32
	Shape [3]int
}

// NewScale3 allocates a zeroed 3-D float32 tensor.
func NewScale3(d0, d1, d2 int) Scale3 {
	return Scale3{
		Data:  make([]float32, d0*d1*d2),
		Shape: [3]int{d0, d1, d2},
	}
}

// At returns the element at the given 3-D index.
func (s Scale3) At(i0, i1, i2 int) float32 {
	return s.Data[(i0*s.Shape[1]+i1)*s.Shape[2]+i2]
}

// Set stores the element at the given 3-D index.
func (s Scale3) Set(i0, i1, i2 int, v float32) {
	s.Data[(i0*s.Shape[1]+i1)*s.Shape[2]+i2] = v
}

// Empty reports whether the tensor holds no data (the placeholder returned
// when log-sum-exp output is not requested).
func (s Scale3) Empty() bool {
	return len(s.Data) == 0
}

// seqDims holds the logical dimensions and strides of one Q/K/O tensor
// after layout normalization: a single stride-derivation step serves both
// axis orders.
type seqDims struct {
	Batch, Heads, SeqLen, HeadDim int

	StrideBatch, StrideHead, StrideSeq int
}

// deriveSeqDims interprets a 4-D shape under the given layout and returns
// batch/head/sequence extents together with their element strides. The dim
// axis is innermost with stride 1 in both layouts.
func deriveSeqDims(shape [4]int, layout TensorLayout) (seqDims, error) {
	strides := [4]int{
		shape[1] * shape[2] * shape[3],
		shape[2] * shape[3],
		shape[3],
		1,
	}
	switch layout {
	case LayoutNHD:
		return seqDims{
			Batch: shape[0], SeqLen: shape[1], Heads: shape[2], HeadDim: shape[3],
			StrideBatch: strides[0], StrideSeq: strides[1], StrideHead: strides[2],
		}, nil
	case LayoutHND:
		return seqDims{
			Batch: shape[0], Heads: shape[1], SeqLen: shape[2], HeadDim: shape[3],
			StrideBatch: strides[0], StrideHead: strides[1], StrideSeq: strides[2],
		}, nil
	default:
		return seqDims{}, errors.Errorf("unknown tensor layout %d", int(layout))
	}
}

func checkDense[E Element](name string, t Tensor[E]) error {
	for i, d := range t.Shape {
		if d <= 0 {
			return newShapeError("Attention",
				errors.Errorf("%s: axis %d has non-positive extent %d", name, i, d))
		}
	}
	if len(t.Data) != t.Numel() {
		return newShapeError("Attention",
			errors.Errorf("%s: data length %d does not match shape %v", name, len(t.Data), t.Shape))
	}
	return nil
}

func checkScaleShape(name string, s Scale3, want [3]int) error {
	if s.Shape != want {
		return newShapeError("Attention",
			errors.Errorf("%s: scale shape %v, expected %v", name, s.Shape, want))
	}
	if len(s.Data) != want[0]*want[1]*want[2] {
		return newShapeError("Attention",
			errors.Errorf("%s: data length %d does not match shape %v", name, len(s.Data), want))
	}
	return nil
}
