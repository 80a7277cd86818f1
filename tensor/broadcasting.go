package tensor

import (
	"fmt"
)

// BroadcastShapes computes the broadcast result shape of two shapes following
// trailing-dimension alignment, or an error when they are incompatible.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxLen := len(shape1)
	if len(shape2) > maxLen {
		maxLen = len(shape2)
	}

	result := make([]int, maxLen)
	for i := 0; i < maxLen; i++ {
		dim1, dim2 := 1, 1
		if i < len(shape1) {
			dim1 = shape1[len(shape1)-1-i]
		}
		if i < len(shape2) {
			dim2 = shape2[len(shape2)-1-i]
		}

		switch {
		case dim1 == dim2:
			result[maxLen-1-i] = dim1
		case dim1 == 1:
			result[maxLen-1-i] = dim2
		case dim2 == 1:
			result[maxLen-1-i] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", shape1, shape2)
		}
	}
	return result, nil
}

// AreBroadcastable reports whether two shapes can be broadcast together.
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// BroadcastTensor expands a tensor to the target shape by repeating data along
// broadcast dimensions. The result is a fresh tensor with its own storage.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	if _, err := BroadcastShapes(t.Shape, targetShape); err != nil {
		return nil, err
	}

	result, err := Zeros(targetShape, t.DType)
	if err != nil {
		return nil, err
	}

	// Source shape padded with leading 1s to the target rank.
	srcShape := make([]int, len(targetShape))
	for i := range srcShape {
		srcShape[i] = 1
	}
	copy(srcShape[len(targetShape)-len(t.Shape):], t.Shape)
	srcStrides := calculateStrides(srcShape)

	coords := make([]int, len(targetShape))
	for outIdx := 0; outIdx < result.NumElems; outIdx++ {
		remaining := outIdx
		for i := len(targetShape) - 1; i >= 0; i-- {
			coords[i] = remaining % targetShape[i]
			remaining /= targetShape[i]
		}

		srcIdx := 0
		for i, c := range coords {
			if srcShape[i] != 1 {
				srcIdx += c * srcStrides[i]
			}
		}

		switch t.DType {
		case Float32:
			result.Data.([]float32)[outIdx] = t.Data.([]float32)[srcIdx]
		case Int32:
			result.Data.([]int32)[outIdx] = t.Data.([]int32)[srcIdx]
		default:
			return nil, fmt.Errorf("unsupported dtype for broadcasting: %s", t.DType)
		}
	}

	return result, nil
}
