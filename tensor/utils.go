package tensor

import (
	"fmt"
	"math"
)

// Clone returns a deep copy of the tensor's shape and storage. Autograd
// metadata (creator, gradient) is not carried over.
func (t *Tensor) Clone() (*Tensor, error) {
	var data interface{}
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		data = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %v", t.DType)
	}

	clone, err := NewTensor(append([]int(nil), t.Shape...), t.DType, data)
	if err != nil {
		return nil, err
	}
	clone.requiresGrad = t.requiresGrad
	return clone, nil
}

// Item returns the single value held by a one-element Float32 tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a one-element tensor, got %d elements", t.NumElems)
	}
	if t.DType != Float32 {
		return 0, fmt.Errorf("Item only supports Float32 tensors")
	}
	return t.Data.([]float32)[0], nil
}

// Float32Data returns the underlying float32 storage.
func (t *Tensor) Float32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %v, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

// Int32Data returns the underlying int32 storage.
func (t *Tensor) Int32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %v, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// SetGrad replaces the accumulated gradient. Used by the backward driver and
// by gradient manipulation such as unscaling.
func (t *Tensor) SetGrad(g *Tensor) {
	t.grad = g
}

// AccumulateGrad adds g into the tensor's gradient, initializing it if empty.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}
	if !shapesEqual(t.grad.Shape, g.Shape) {
		return fmt.Errorf("gradient shape mismatch: have %v, got %v", t.grad.Shape, g.Shape)
	}
	dst := t.grad.Data.([]float32)
	src := g.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// Equal reports whether two tensors have identical shape, dtype and values.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	switch a.DType {
	case Float32:
		x := a.Data.([]float32)
		y := b.Data.([]float32)
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
	case Int32:
		x := a.Data.([]int32)
		y := b.Data.([]int32)
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
	}
	return true
}

// AllClose reports whether two Float32 tensors match within tolerance.
func AllClose(a, b *Tensor, tol float64) bool {
	if a.DType != Float32 || b.DType != Float32 || !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	x := a.Data.([]float32)
	y := b.Data.([]float32)
	for i := range x {
		if math.Abs(float64(x[i])-float64(y[i])) > tol {
			return false
		}
	}
	return true
}
