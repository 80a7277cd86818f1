package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("dtype mismatch: %s vs %s", t1.DType, t2.DType)
	}
	return nil
}

// binaryOp applies fn elementwise with broadcasting. Only Float32 tensors are
// supported on the broadcast path.
func binaryOp(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("elementwise ops only support Float32 tensors, got %s", t1.DType)
	}

	outShape, err := BroadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	a, b := t1, t2
	if !shapesEqual(t1.Shape, outShape) {
		a, err = BroadcastTensor(t1, outShape)
		if err != nil {
			return nil, err
		}
	}
	if !shapesEqual(t2.Shape, outShape) {
		b, err = BroadcastTensor(t2, outShape)
		if err != nil {
			return nil, err
		}
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	outData := make([]float32, len(aData))
	for i := range outData {
		outData[i] = fn(aData[i], bData[i])
	}

	return NewTensor(outShape, Float32, outData)
}

// Add performs elementwise addition with broadcasting.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a + b })
}

// Sub performs elementwise subtraction with broadcasting.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a - b })
}

// Mul performs elementwise multiplication with broadcasting.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a * b })
}

// Div performs elementwise division with broadcasting.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a / b })
}

func unaryOp(t *Tensor, fn func(v float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unary ops only support Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	outData := make([]float32, len(data))
	for i, v := range data {
		outData[i] = fn(v)
	}
	return NewTensor(t.Shape, Float32, outData)
}

// ReLU applies max(0, x) elementwise.
func ReLU(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(v float32) float32 {
		if v < 0 {
			return 0
		}
		return v
	})
}

// LeakyReLU applies x for x >= 0 and slope*x otherwise.
func LeakyReLU(t *Tensor, slope float32) (*Tensor, error) {
	return unaryOp(t, func(v float32) float32 {
		if v < 0 {
			return slope * v
		}
		return v
	})
}

// Sigmoid applies 1/(1+exp(-x)) elementwise.
func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(v float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(float64(-v))))
	})
}

// Exp applies e^x elementwise.
func Exp(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(v float32) float32 {
		return float32(math.Exp(float64(v)))
	})
}

// Log applies the natural logarithm elementwise.
func Log(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(v float32) float32 {
		return float32(math.Log(float64(v)))
	})
}

// Sqrt applies the square root elementwise.
func Sqrt(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(v float32) float32 {
		return float32(math.Sqrt(float64(v)))
	})
}

// Scale multiplies every element by a scalar, returning a new tensor.
func Scale(t *Tensor, factor float32) (*Tensor, error) {
	return unaryOp(t, func(v float32) float32 { return v * factor })
}

// ScaleInPlace multiplies every element by a scalar without allocating.
func ScaleInPlace(t *Tensor, factor float32) error {
	if t.DType != Float32 {
		return fmt.Errorf("ScaleInPlace only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] *= factor
	}
	return nil
}

// HasNaNOrInf reports whether any element of a Float32 tensor is NaN or Inf.
// Used for overflow detection by the gradient scaler.
func HasNaNOrInf(t *Tensor) bool {
	if t.DType != Float32 {
		return false
	}
	for _, v := range t.Data.([]float32) {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
