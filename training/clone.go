package training

import (
	"fmt"

	"github.com/AICGijon/gmnet/tensor"
)

// Cloner is implemented by modules that can produce an independent deep
// copy of themselves, parameters included. Required for replicated
// data-parallel training.
type Cloner interface {
	CloneModule() (Module, error)
}

func (l *Linear) CloneModule() (Module, error) {
	weight, err := l.Weight.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone linear weight: %v", err)
	}
	clone := &Linear{
		baseModule:  baseModule{training: l.training},
		InFeatures:  l.InFeatures,
		OutFeatures: l.OutFeatures,
		Weight:      weight,
		UseBias:     l.UseBias,
	}
	if l.UseBias {
		bias, err := l.Bias.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone linear bias: %v", err)
		}
		clone.Bias = bias
	}
	return clone, nil
}

func (r *ReLU) CloneModule() (Module, error) {
	return &ReLU{baseModule{training: r.training}}, nil
}

func (r *LeakyReLU) CloneModule() (Module, error) {
	return &LeakyReLU{baseModule{training: r.training}, r.Slope}, nil
}

func (s *Sigmoid) CloneModule() (Module, error) {
	return &Sigmoid{baseModule{training: s.training}}, nil
}

func (s *Softmax) CloneModule() (Module, error) {
	return &Softmax{baseModule{training: s.training}}, nil
}

func (n *L1Normalize) CloneModule() (Module, error) {
	return &L1Normalize{baseModule{training: n.training}}, nil
}

func (d *Dropout) CloneModule() (Module, error) {
	return &Dropout{baseModule{training: d.training}, d.P}, nil
}

func (bn *BatchNorm) CloneModule() (Module, error) {
	gamma, err := bn.Gamma.Clone()
	if err != nil {
		return nil, err
	}
	beta, err := bn.Beta.Clone()
	if err != nil {
		return nil, err
	}
	return &BatchNorm{
		baseModule:  baseModule{training: bn.training},
		Features:    bn.Features,
		Eps:         bn.Eps,
		Momentum:    bn.Momentum,
		Gamma:       gamma,
		Beta:        beta,
		RunningMean: append([]float32(nil), bn.RunningMean...),
		RunningVar:  append([]float32(nil), bn.RunningVar...),
	}, nil
}

func (s *Sequential) CloneModule() (Module, error) {
	modules := make([]Module, len(s.Modules))
	for i, m := range s.Modules {
		cloner, ok := m.(Cloner)
		if !ok {
			return nil, fmt.Errorf("sequential module %d (%T) does not support cloning", i, m)
		}
		clone, err := cloner.CloneModule()
		if err != nil {
			return nil, err
		}
		modules[i] = clone
	}
	return &Sequential{baseModule{training: s.training}, modules}, nil
}

// CopyParameters copies values from src parameters into dst, in order. Both
// sides must have matching counts and element counts.
func CopyParameters(dst, src []*tensor.Tensor) error {
	if len(dst) != len(src) {
		return fmt.Errorf("parameter count mismatch: %d vs %d", len(dst), len(src))
	}
	for i := range dst {
		d, err := dst[i].Float32Data()
		if err != nil {
			return err
		}
		s, err := src[i].Float32Data()
		if err != nil {
			return err
		}
		if len(d) != len(s) {
			return fmt.Errorf("parameter %d size mismatch: %d vs %d", i, len(d), len(s))
		}
		copy(d, s)
	}
	return nil
}
