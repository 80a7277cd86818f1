package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul performs 2D matrix multiplication using the gonum BLAS float32
// implementation: [m, k] x [k, n] -> [m, n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("MatMul only supports Float32 tensors")
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}

	m, k := t1.Shape[0], t1.Shape[1]
	k2, n := t2.Shape[0], t2.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("inner dimension mismatch: %v x %v", t1.Shape, t2.Shape)
	}

	out := make([]float32, m*n)
	a := blas32.General{Rows: m, Cols: k, Stride: k, Data: t1.Data.([]float32)}
	b := blas32.General{Rows: k, Cols: n, Stride: n, Data: t2.Data.([]float32)}
	c := blas32.General{Rows: m, Cols: n, Stride: n, Data: out}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, b, 0, c)

	return NewTensor([]int{m, n}, Float32, out)
}

// Transpose swaps the two dimensions of a 2D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose only supports Float32 tensors")
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got shape %v", t.Shape)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = data[i*cols+j]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, out)
}

// Reshape returns a view-copy of the tensor with a new shape of equal element
// count.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, newShape)
	}

	clone, err := t.Clone()
	if err != nil {
		return nil, err
	}
	clone.Shape = append([]int(nil), newShape...)
	clone.Strides = calculateStrides(newShape)
	return clone, nil
}

// Sum reduces a Float32 tensor over one dimension.
func Sum(t *Tensor, dim int) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sum only supports Float32 tensors")
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of range for shape %v", dim, t.Shape)
	}

	outShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			outShape = append(outShape, size)
		}
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}

	result, err := Zeros(outShape, Float32)
	if err != nil {
		return nil, err
	}

	// Iterate as outer x dim x inner.
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}

	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	for o := 0; o < outer; o++ {
		for d := 0; d < t.Shape[dim]; d++ {
			base := (o*t.Shape[dim] + d) * inner
			outBase := o * inner
			for in := 0; in < inner; in++ {
				dst[outBase+in] += src[base+in]
			}
		}
	}

	return result, nil
}

// Mean reduces a Float32 tensor over one dimension by averaging.
func Mean(t *Tensor, dim int) (*Tensor, error) {
	summed, err := Sum(t, dim)
	if err != nil {
		return nil, err
	}
	if err := ScaleInPlace(summed, 1/float32(t.Shape[dim])); err != nil {
		return nil, err
	}
	return summed, nil
}

// Concat concatenates tensors along the given dimension. All tensors must
// share dtype and every other dimension.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}
	first := tensors[0]
	if first.DType != Float32 {
		return nil, fmt.Errorf("Concat only supports Float32 tensors")
	}
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("dimension %d out of range for shape %v", dim, first.Shape)
	}

	outShape := append([]int(nil), first.Shape...)
	for _, t := range tensors[1:] {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("rank mismatch in Concat: %v vs %v", first.Shape, t.Shape)
		}
		for i := range t.Shape {
			if i == dim {
				continue
			}
			if t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("shape mismatch in Concat at dim %d: %v vs %v", i, first.Shape, t.Shape)
			}
		}
		outShape[dim] += t.Shape[dim]
	}

	result, err := Zeros(outShape, Float32)
	if err != nil {
		return nil, err
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= first.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(first.Shape); i++ {
		inner *= first.Shape[i]
	}

	dst := result.Data.([]float32)
	offset := 0
	for _, t := range tensors {
		src := t.Data.([]float32)
		chunk := t.Shape[dim] * inner
		for o := 0; o < outer; o++ {
			copy(dst[o*outShape[dim]*inner+offset:], src[o*chunk:(o+1)*chunk])
		}
		offset += chunk
	}

	return result, nil
}

// Narrow returns a copy of a slice [start, start+length) along a dimension.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of range for shape %v", dim, t.Shape)
	}
	if start < 0 || length <= 0 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("narrow range [%d, %d) out of bounds for dimension of size %d", start, start+length, t.Shape[dim])
	}

	outShape := append([]int(nil), t.Shape...)
	outShape[dim] = length
	result, err := Zeros(outShape, t.DType)
	if err != nil {
		return nil, err
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}

	for o := 0; o < outer; o++ {
		srcBase := (o*t.Shape[dim] + start) * inner
		dstBase := o * length * inner
		switch t.DType {
		case Float32:
			src := t.Data.([]float32)
			dst := result.Data.([]float32)
			copy(dst[dstBase:dstBase+length*inner], src[srcBase:srcBase+length*inner])
		case Int32:
			src := t.Data.([]int32)
			dst := result.Data.([]int32)
			copy(dst[dstBase:dstBase+length*inner], src[srcBase:srcBase+length*inner])
		}
	}

	return result, nil
}
