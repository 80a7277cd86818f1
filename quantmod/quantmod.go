// Package quantmod provides the permutation-invariant aggregation modules
// that turn a bag of example representations into a single bag-level vector.
package quantmod

import (
	"fmt"

	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

// Aggregator reduces [batch, bagSize, features] to [batch, outFeatures].
type Aggregator interface {
	training.Module

	// OutputDim reports the aggregated width for a given input feature
	// width, so the composer can size the output head.
	OutputDim(inputDim int) int
}

// RegularizationProvider is implemented by aggregators that produce a
// penalty term worth tracking during training.
type RegularizationProvider interface {
	RegularizationLoss() (*tensor.Tensor, error)
	RegularizationWeight() float32
}

// RegularizationApplier is implemented by providers that also want their
// penalty added to the backward loss. A provider without it (or returning
// false) is tracked and logged but never enters the gradients.
type RegularizationApplier interface {
	ApplyRegularization() bool
}

// Mean averages example representations over the bag dimension.
type Mean struct {
	training.NoParams
}

func NewMean() *Mean { return &Mean{} }

func (m *Mean) CloneModule() (training.Module, error) { return NewMean(), nil }

func (m *Mean) OutputDim(inputDim int) int { return inputDim }

func (m *Mean) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("mean aggregator expects [batch, bag, features] input, got shape %v", input.Shape)
	}
	return tensor.MeanAutograd(input, 1)
}

// SoftHistogram bins each feature into NumBins overlapping sigmoid windows
// over [Low, High] and averages the memberships over the bag. The output is
// a differentiable per-feature histogram of width features*NumBins.
type SoftHistogram struct {
	training.NoParams
	NumBins   int
	Low, High float32
	Sharpness float32
}

func NewSoftHistogram(numBins int, low, high, sharpness float32) (*SoftHistogram, error) {
	if numBins < 2 {
		return nil, fmt.Errorf("need at least 2 bins, got %d", numBins)
	}
	if high <= low {
		return nil, fmt.Errorf("invalid histogram range [%f, %f]", low, high)
	}
	if sharpness <= 0 {
		sharpness = 25
	}
	return &SoftHistogram{NumBins: numBins, Low: low, High: high, Sharpness: sharpness}, nil
}

func (h *SoftHistogram) OutputDim(inputDim int) int { return inputDim * h.NumBins }

func (h *SoftHistogram) CloneModule() (training.Module, error) {
	clone := *h
	return &clone, nil
}

func (h *SoftHistogram) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("soft histogram expects [batch, bag, features] input, got shape %v", input.Shape)
	}

	width := (h.High - h.Low) / float32(h.NumBins)
	bins := make([]*tensor.Tensor, h.NumBins)
	for b := 0; b < h.NumBins; b++ {
		left := h.Low + float32(b)*width
		right := left + width

		membership, err := h.window(input, left, right)
		if err != nil {
			return nil, fmt.Errorf("histogram bin %d failed: %v", b, err)
		}
		// Average membership over the bag.
		bins[b], err = tensor.MeanAutograd(membership, 1)
		if err != nil {
			return nil, err
		}
	}

	return tensor.ConcatAutograd(bins, 1)
}

// window computes sigmoid((x-left)*k) - sigmoid((x-right)*k), a soft
// indicator of x falling in [left, right).
func (h *SoftHistogram) window(x *tensor.Tensor, left, right float32) (*tensor.Tensor, error) {
	lowEdge, err := h.edgeResponse(x, left)
	if err != nil {
		return nil, err
	}
	highEdge, err := h.edgeResponse(x, right)
	if err != nil {
		return nil, err
	}
	return tensor.SubAutograd(lowEdge, highEdge)
}

func (h *SoftHistogram) edgeResponse(x *tensor.Tensor, edge float32) (*tensor.Tensor, error) {
	e, err := tensor.Full([]int{1}, edge)
	if err != nil {
		return nil, err
	}
	shifted, err := tensor.SubAutograd(x, e)
	if err != nil {
		return nil, err
	}
	scaled, err := tensor.ScaleAutograd(shifted, h.Sharpness)
	if err != nil {
		return nil, err
	}
	return tensor.SigmoidAutograd(scaled)
}
