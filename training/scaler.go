package training

import (
	"fmt"

	"github.com/AICGijon/gmnet/tensor"
)

// GradScaler implements dynamic loss scaling. The loss is multiplied by the
// current scale before backward; gradients are unscaled before the optimizer
// step. When a scaled gradient overflows, the step is skipped and the scale
// halved; after GrowthInterval clean steps the scale doubles.
type GradScaler struct {
	Scale          float32
	GrowthFactor   float32
	BackoffFactor  float32
	GrowthInterval int
	goodSteps      int
	Enabled        bool
}

func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		Scale:          65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		Enabled:        enabled,
	}
}

// ScaleLoss multiplies the loss by the current scale, keeping the graph so
// the scale flows through backward.
func (s *GradScaler) ScaleLoss(loss *tensor.Tensor) (*tensor.Tensor, error) {
	if !s.Enabled {
		return loss, nil
	}
	return tensor.ScaleAutograd(loss, s.Scale)
}

// UnscaleAndCheck divides accumulated gradients by the scale and reports
// whether any gradient overflowed. On overflow gradients are left zeroed and
// the caller must skip the optimizer step.
func (s *GradScaler) UnscaleAndCheck(params []*tensor.Tensor) (bool, error) {
	if !s.Enabled {
		return false, nil
	}

	overflow := false
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if tensor.HasNaNOrInf(grad) {
			overflow = true
			break
		}
	}

	if overflow {
		for _, p := range params {
			p.ZeroGrad()
		}
		s.Scale *= s.BackoffFactor
		if s.Scale < 1 {
			s.Scale = 1
		}
		s.goodSteps = 0
		return true, nil
	}

	inv := 1 / s.Scale
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if err := tensor.ScaleInPlace(grad, inv); err != nil {
			return false, fmt.Errorf("failed to unscale gradient: %v", err)
		}
	}

	s.goodSteps++
	if s.goodSteps >= s.GrowthInterval {
		s.Scale *= s.GrowthFactor
		s.goodSteps = 0
	}
	return false, nil
}
