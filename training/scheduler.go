package training

import (
	"fmt"
	"math"
)

// SchedulerState is the serializable snapshot of a plateau scheduler.
type SchedulerState struct {
	Factor        float32 `json:"factor"`
	Patience      int     `json:"patience"`
	Threshold     float64 `json:"threshold"`
	Best          float64 `json:"best"`
	NumBadEpochs  int     `json:"num_bad_epochs"`
	CooldownCount int     `json:"cooldown_count"`
	Cooldown      int     `json:"cooldown"`
	MinLR         float32 `json:"min_lr"`
}

// ReduceLROnPlateauScheduler lowers the learning rate by Factor once the
// monitored metric stops improving for Patience epochs.
type ReduceLROnPlateauScheduler struct {
	Factor        float32
	Patience      int
	Threshold     float64
	Cooldown      int
	MinLR         float32
	best          float64
	numBadEpochs  int
	cooldownCount int
}

// NewReduceLROnPlateauScheduler builds a scheduler that monitors a metric to
// be minimized.
func NewReduceLROnPlateauScheduler(factor float32, patience int) (*ReduceLROnPlateauScheduler, error) {
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("factor must be in (0, 1), got %f", factor)
	}
	if patience < 0 {
		return nil, fmt.Errorf("patience must be non-negative, got %d", patience)
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: 1e-4,
		best:      math.Inf(1),
	}, nil
}

// Step records the epoch's metric and returns the learning rate to use next.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float32) float32 {
	if metric < s.best*(1-s.Threshold) {
		s.best = metric
		s.numBadEpochs = 0
	} else {
		s.numBadEpochs++
	}

	if s.cooldownCount > 0 {
		s.cooldownCount--
		s.numBadEpochs = 0
	}

	if s.numBadEpochs > s.Patience {
		newLR := currentLR * s.Factor
		if newLR < s.MinLR {
			newLR = s.MinLR
		}
		s.cooldownCount = s.Cooldown
		s.numBadEpochs = 0
		return newLR
	}
	return currentLR
}

func (s *ReduceLROnPlateauScheduler) StateDict() *SchedulerState {
	return &SchedulerState{
		Factor:        s.Factor,
		Patience:      s.Patience,
		Threshold:     s.Threshold,
		Best:          s.best,
		NumBadEpochs:  s.numBadEpochs,
		CooldownCount: s.cooldownCount,
		Cooldown:      s.Cooldown,
		MinLR:         s.MinLR,
	}
}

func (s *ReduceLROnPlateauScheduler) LoadStateDict(state *SchedulerState) {
	s.Factor = state.Factor
	s.Patience = state.Patience
	s.Threshold = state.Threshold
	s.best = state.Best
	s.numBadEpochs = state.NumBadEpochs
	s.cooldownCount = state.CooldownCount
	s.Cooldown = state.Cooldown
	s.MinLR = state.MinLR
}

// StepLRScheduler decays the learning rate by Gamma every StepSize epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float32
}

func NewStepLRScheduler(stepSize int, gamma float32) (*StepLRScheduler, error) {
	if stepSize <= 0 {
		return nil, fmt.Errorf("step size must be positive, got %d", stepSize)
	}
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("gamma must be in (0, 1], got %f", gamma)
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}, nil
}

// LRForEpoch returns the learning rate for a given epoch from the base rate.
func (s *StepLRScheduler) LRForEpoch(baseLR float32, epoch int) float32 {
	decays := epoch / s.StepSize
	lr := baseLR
	for i := 0; i < decays; i++ {
		lr *= s.Gamma
	}
	return lr
}

// CosineAnnealingScheduler follows a cosine curve from the base rate down to
// MinLR over TMax epochs.
type CosineAnnealingScheduler struct {
	TMax  int
	MinLR float32
}

func NewCosineAnnealingScheduler(tMax int, minLR float32) (*CosineAnnealingScheduler, error) {
	if tMax <= 0 {
		return nil, fmt.Errorf("tMax must be positive, got %d", tMax)
	}
	return &CosineAnnealingScheduler{TMax: tMax, MinLR: minLR}, nil
}

func (s *CosineAnnealingScheduler) LRForEpoch(baseLR float32, epoch int) float32 {
	if epoch >= s.TMax {
		return s.MinLR
	}
	cos := math.Cos(math.Pi * float64(epoch) / float64(s.TMax))
	return s.MinLR + (baseLR-s.MinLR)*float32(1+cos)/2
}
