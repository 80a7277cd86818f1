package tensor

import (
	"fmt"
	"math"
)

// attach marks the output of an operation for gradient tracking when any of
// its inputs participates in the graph.
func attach(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.requiresGrad || in.creator != nil {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// reduceGradToShape sums a broadcast gradient back down to the original input
// shape.
func reduceGradToShape(grad *Tensor, shape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, shape) {
		return grad, nil
	}

	result := grad
	var err error

	// Collapse leading dimensions the input never had.
	for len(result.Shape) > len(shape) {
		result, err = Sum(result, 0)
		if err != nil {
			return nil, err
		}
		if len(shape) == 0 && len(result.Shape) == 1 && result.Shape[0] == 1 {
			break
		}
	}

	// Sum over dimensions the input held at size 1.
	for i := 0; i < len(shape) && i < len(result.Shape); i++ {
		if shape[i] == 1 && result.Shape[i] != 1 {
			summed, err := Sum(result, i)
			if err != nil {
				return nil, err
			}
			result, err = Reshape(summed, insertDim(summed.Shape, i))
			if err != nil {
				return nil, err
			}
		}
	}

	if calculateNumElements(result.Shape) != calculateNumElements(shape) {
		return nil, fmt.Errorf("cannot reduce gradient %v to shape %v", grad.Shape, shape)
	}
	return Reshape(result, shape)
}

func insertDim(shape []int, at int) []int {
	out := make([]int, 0, len(shape)+1)
	out = append(out, shape[:at]...)
	out = append(out, 1)
	out = append(out, shape[at:]...)
	return out
}

// AddOp implements elementwise addition with broadcasting.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Add(inputs[0], inputs[1])
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	ga, err := reduceGradToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	gb, err := reduceGradToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

// SubOp implements elementwise subtraction with broadcasting.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Sub(inputs[0], inputs[1])
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	ga, err := reduceGradToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	neg, err := Scale(gradOut, -1)
	if err != nil {
		return nil, err
	}
	gb, err := reduceGradToShape(neg, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

// MulOp implements elementwise multiplication with broadcasting.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Mul(inputs[0], inputs[1])
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	da, err := Mul(gradOut, op.inputs[1])
	if err != nil {
		return nil, err
	}
	ga, err := reduceGradToShape(da, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	db, err := Mul(gradOut, op.inputs[0])
	if err != nil {
		return nil, err
	}
	gb, err := reduceGradToShape(db, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

// DivOp implements elementwise division with broadcasting.
type DivOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *DivOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("DivOp expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	out, err := Div(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *DivOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// d/da (a/b) = 1/b
	da, err := Div(gradOut, op.inputs[1])
	if err != nil {
		return nil, err
	}
	ga, err := reduceGradToShape(da, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	// d/db (a/b) = -a/b^2 = -(a/b)/b
	quotOverB, err := Div(op.output, op.inputs[1])
	if err != nil {
		return nil, err
	}
	db, err := Mul(gradOut, quotOverB)
	if err != nil {
		return nil, err
	}
	db, err = Scale(db, -1)
	if err != nil {
		return nil, err
	}
	gb, err := reduceGradToShape(db, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

func (op *DivOp) Inputs() []*Tensor { return op.inputs }

// MatMulOp implements 2D matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return MatMul(inputs[0], inputs[1])
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// dA = gradOut x B^T, dB = A^T x gradOut
	bT, err := Transpose(op.inputs[1])
	if err != nil {
		return nil, err
	}
	ga, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, err
	}
	aT, err := Transpose(op.inputs[0])
	if err != nil {
		return nil, err
	}
	gb, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

// ReLUOp implements the rectified linear activation.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return ReLU(inputs[0])
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i := range g {
		if in[i] > 0 {
			out[i] = g[i]
		}
	}
	grad, err := NewTensor(append([]int(nil), op.inputs[0].Shape...), Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

// LeakyReLUOp implements the leaky rectified linear activation.
type LeakyReLUOp struct {
	Slope  float32
	inputs []*Tensor
}

func (op *LeakyReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("LeakyReLUOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return LeakyReLU(inputs[0], op.Slope)
}

func (op *LeakyReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i := range g {
		if in[i] > 0 {
			out[i] = g[i]
		} else {
			out[i] = g[i] * op.Slope
		}
	}
	grad, err := NewTensor(append([]int(nil), op.inputs[0].Shape...), Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *LeakyReLUOp) Inputs() []*Tensor { return op.inputs }

// SigmoidOp implements the logistic activation.
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SigmoidOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	out, err := Sigmoid(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	s := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * s[i] * (1 - s[i])
	}
	grad, err := NewTensor(append([]int(nil), op.inputs[0].Shape...), Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

// ReshapeOp changes shape without touching values.
type ReshapeOp struct {
	TargetShape []int
	inputs      []*Tensor
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReshapeOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return Reshape(inputs[0], op.TargetShape)
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

// ConcatOp joins tensors along a dimension.
type ConcatOp struct {
	Dim    int
	inputs []*Tensor
}

func (op *ConcatOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("ConcatOp expects at least 1 input")
	}
	op.inputs = inputs
	return Concat(inputs, op.Dim)
}

func (op *ConcatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		g, err := Narrow(gradOut, op.Dim, offset, in.Shape[op.Dim])
		if err != nil {
			return nil, err
		}
		grads[i] = g
		offset += in.Shape[op.Dim]
	}
	return grads, nil
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

// NarrowOp slices a contiguous range along a dimension.
type NarrowOp struct {
	Dim, Start, Length int
	inputs             []*Tensor
}

func (op *NarrowOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("NarrowOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return Narrow(inputs[0], op.Dim, op.Start, op.Length)
}

func (op *NarrowOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Zeros(op.inputs[0].Shape, Float32)
	if err != nil {
		return nil, err
	}
	in := op.inputs[0]
	outer := 1
	for i := 0; i < op.Dim; i++ {
		outer *= in.Shape[i]
	}
	inner := 1
	for i := op.Dim + 1; i < len(in.Shape); i++ {
		inner *= in.Shape[i]
	}
	dst := grad.Data.([]float32)
	src := gradOut.Data.([]float32)
	for o := 0; o < outer; o++ {
		dstBase := (o*in.Shape[op.Dim] + op.Start) * inner
		copy(dst[dstBase:dstBase+op.Length*inner], src[o*op.Length*inner:(o+1)*op.Length*inner])
	}
	return []*Tensor{grad}, nil
}

func (op *NarrowOp) Inputs() []*Tensor { return op.inputs }

// MeanDimOp averages over one dimension.
type MeanDimOp struct {
	Dim    int
	inputs []*Tensor
}

func (op *MeanDimOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("MeanDimOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return Mean(inputs[0], op.Dim)
}

func (op *MeanDimOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	size := in.Shape[op.Dim]
	grad, err := Zeros(in.Shape, Float32)
	if err != nil {
		return nil, err
	}
	outer := 1
	for i := 0; i < op.Dim; i++ {
		outer *= in.Shape[i]
	}
	inner := 1
	for i := op.Dim + 1; i < len(in.Shape); i++ {
		inner *= in.Shape[i]
	}
	dst := grad.Data.([]float32)
	src := gradOut.Data.([]float32)
	inv := 1 / float32(size)
	for o := 0; o < outer; o++ {
		for d := 0; d < size; d++ {
			base := (o*size + d) * inner
			for i := 0; i < inner; i++ {
				dst[base+i] = src[o*inner+i] * inv
			}
		}
	}
	return []*Tensor{grad}, nil
}

func (op *MeanDimOp) Inputs() []*Tensor { return op.inputs }

// SoftmaxOp normalizes over the last dimension with the max-subtraction
// stabilization.
type SoftmaxOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SoftmaxOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SoftmaxOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	in := inputs[0]
	if in.DType != Float32 {
		return nil, fmt.Errorf("SoftmaxOp only supports Float32 tensors")
	}
	last := in.Shape[len(in.Shape)-1]
	rows := in.NumElems / last
	src := in.Data.([]float32)
	out := make([]float32, in.NumElems)
	for r := 0; r < rows; r++ {
		row := src[r*last : (r+1)*last]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			out[r*last+j] = e
			sum += e
		}
		for j := range row {
			out[r*last+j] /= sum
		}
	}
	result, err := NewTensor(append([]int(nil), in.Shape...), Float32, out)
	if err != nil {
		return nil, err
	}
	op.output = result
	return result, nil
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	last := in.Shape[len(in.Shape)-1]
	rows := in.NumElems / last
	s := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, in.NumElems)
	for r := 0; r < rows; r++ {
		var dot float32
		for j := 0; j < last; j++ {
			dot += g[r*last+j] * s[r*last+j]
		}
		for j := 0; j < last; j++ {
			idx := r*last + j
			out[idx] = s[idx] * (g[idx] - dot)
		}
	}
	grad, err := NewTensor(append([]int(nil), in.Shape...), Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *SoftmaxOp) Inputs() []*Tensor { return op.inputs }

// L1NormalizeOp divides each row by the sum of its absolute values over the
// last dimension.
type L1NormalizeOp struct {
	Eps    float32
	inputs []*Tensor
	sums   []float32
}

func (op *L1NormalizeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("L1NormalizeOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	in := inputs[0]
	if in.DType != Float32 {
		return nil, fmt.Errorf("L1NormalizeOp only supports Float32 tensors")
	}
	eps := op.Eps
	if eps == 0 {
		eps = 1e-12
	}
	last := in.Shape[len(in.Shape)-1]
	rows := in.NumElems / last
	src := in.Data.([]float32)
	out := make([]float32, in.NumElems)
	op.sums = make([]float32, rows)
	for r := 0; r < rows; r++ {
		var sum float32
		for j := 0; j < last; j++ {
			sum += float32(math.Abs(float64(src[r*last+j])))
		}
		if sum < eps {
			sum = eps
		}
		op.sums[r] = sum
		for j := 0; j < last; j++ {
			out[r*last+j] = src[r*last+j] / sum
		}
	}
	return NewTensor(append([]int(nil), in.Shape...), Float32, out)
}

func (op *L1NormalizeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	last := in.Shape[len(in.Shape)-1]
	rows := in.NumElems / last
	src := in.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, in.NumElems)
	for r := 0; r < rows; r++ {
		sum := op.sums[r]
		// dot = sum_j g_j * y_j with y_j = x_j / sum
		var dot float32
		for j := 0; j < last; j++ {
			idx := r*last + j
			dot += g[idx] * src[idx] / sum
		}
		for j := 0; j < last; j++ {
			idx := r*last + j
			sign := float32(1)
			if src[idx] < 0 {
				sign = -1
			}
			out[idx] = g[idx]/sum - sign*dot/sum
		}
	}
	grad, err := NewTensor(append([]int(nil), in.Shape...), Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *L1NormalizeOp) Inputs() []*Tensor { return op.inputs }

// DropoutOp zeroes elements with probability p during training and rescales
// the survivors by 1/(1-p). The mask is captured for the backward pass.
type DropoutOp struct {
	Mask   []float32
	inputs []*Tensor
}

func (op *DropoutOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("DropoutOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	in := inputs[0]
	if len(op.Mask) != in.NumElems {
		return nil, fmt.Errorf("dropout mask length %d does not match tensor with %d elements", len(op.Mask), in.NumElems)
	}
	src := in.Data.([]float32)
	out := make([]float32, in.NumElems)
	for i := range src {
		out[i] = src[i] * op.Mask[i]
	}
	return NewTensor(append([]int(nil), in.Shape...), Float32, out)
}

func (op *DropoutOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * op.Mask[i]
	}
	grad, err := NewTensor(append([]int(nil), op.inputs[0].Shape...), Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *DropoutOp) Inputs() []*Tensor { return op.inputs }

// ExpOp applies the elementwise exponential.
type ExpOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *ExpOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ExpOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	out, err := Exp(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *ExpOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Mul(gradOut, op.output)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *ExpOp) Inputs() []*Tensor { return op.inputs }

// LogOp applies the elementwise natural logarithm.
type LogOp struct {
	inputs []*Tensor
}

func (op *LogOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("LogOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return Log(inputs[0])
}

func (op *LogOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Div(gradOut, op.inputs[0])
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *LogOp) Inputs() []*Tensor { return op.inputs }

// SumDimOp sums over one dimension.
type SumDimOp struct {
	Dim    int
	inputs []*Tensor
}

func (op *SumDimOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SumDimOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return Sum(inputs[0], op.Dim)
}

func (op *SumDimOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	size := in.Shape[op.Dim]
	grad, err := Zeros(in.Shape, Float32)
	if err != nil {
		return nil, err
	}
	outer := 1
	for i := 0; i < op.Dim; i++ {
		outer *= in.Shape[i]
	}
	inner := 1
	for i := op.Dim + 1; i < len(in.Shape); i++ {
		inner *= in.Shape[i]
	}
	dst := grad.Data.([]float32)
	src := gradOut.Data.([]float32)
	for o := 0; o < outer; o++ {
		for d := 0; d < size; d++ {
			base := (o*size + d) * inner
			for i := 0; i < inner; i++ {
				dst[base+i] = src[o*inner+i]
			}
		}
	}
	return []*Tensor{grad}, nil
}

func (op *SumDimOp) Inputs() []*Tensor { return op.inputs }

// ScaleOp multiplies every element by a constant.
type ScaleOp struct {
	Factor float32
	inputs []*Tensor
}

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ScaleOp expects 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	return Scale(inputs[0], op.Factor)
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Scale(gradOut, op.Factor)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

// Graph-building wrappers. Each runs the forward pass and records the
// operation so Backward can walk the graph.

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op, a, b), nil
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	op := &SubOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op, a, b), nil
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MulOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op, a, b), nil
}

func DivAutograd(a, b *Tensor) (*Tensor, error) {
	op := &DivOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op, a, b), nil
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MatMulOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op, a, b), nil
}

func ReLUAutograd(t *Tensor) (*Tensor, error) {
	op := &ReLUOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func LeakyReLUAutograd(t *Tensor, slope float32) (*Tensor, error) {
	op := &LeakyReLUOp{Slope: slope}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func SigmoidAutograd(t *Tensor) (*Tensor, error) {
	op := &SigmoidOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func ReshapeAutograd(t *Tensor, shape []int) (*Tensor, error) {
	op := &ReshapeOp{TargetShape: shape}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func ConcatAutograd(tensors []*Tensor, dim int) (*Tensor, error) {
	op := &ConcatOp{Dim: dim}
	out, err := op.Forward(tensors...)
	if err != nil {
		return nil, err
	}
	return attach(out, op, tensors...), nil
}

func NarrowAutograd(t *Tensor, dim, start, length int) (*Tensor, error) {
	op := &NarrowOp{Dim: dim, Start: start, Length: length}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func MeanAutograd(t *Tensor, dim int) (*Tensor, error) {
	op := &MeanDimOp{Dim: dim}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func SoftmaxAutograd(t *Tensor) (*Tensor, error) {
	op := &SoftmaxOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func L1NormalizeAutograd(t *Tensor) (*Tensor, error) {
	op := &L1NormalizeOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func ExpAutograd(t *Tensor) (*Tensor, error) {
	op := &ExpOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func LogAutograd(t *Tensor) (*Tensor, error) {
	op := &LogOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func SumAutograd(t *Tensor, dim int) (*Tensor, error) {
	op := &SumDimOp{Dim: dim}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func DropoutAutograd(t *Tensor, mask []float32) (*Tensor, error) {
	op := &DropoutOp{Mask: mask}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}

func ScaleAutograd(t *Tensor, factor float32) (*Tensor, error) {
	op := &ScaleOp{Factor: factor}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op, t), nil
}
