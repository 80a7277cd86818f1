// Package quant implements bag-level quantification: training networks that
// predict the class prevalence vector of a bag of examples, and running
// inference with several bag-construction strategies.
package quant

import (
	"fmt"
	"os"

	"github.com/AICGijon/gmnet/checkpoints"
	"github.com/AICGijon/gmnet/training"
)

// Config drives a Quantifier's training run.
type Config struct {
	Network *QuantNetwork

	// Bag generation. ValBagGenerator and TestBagGenerator may be nil, in
	// which case validation and subsample-prediction bags come from
	// TrainBagGenerator.
	TrainBagGenerator BagGenerator
	ValBagGenerator   BagGenerator
	TestBagGenerator  BagGenerator

	NBags      int // bags generated per training epoch
	BagSize    int
	NBagsVal   int // bags generated per validation pass, defaults to NBags
	BagSizeVal int // defaults to BagSize

	// BatchSize is the number of bags per optimization step.
	BatchSize int

	// QuantLoss compares predicted and true prevalences. Defaults to L1.
	// QuantLossVal overrides it during validation.
	QuantLoss    training.Loss
	QuantLossVal training.Loss

	// ClassificationLoss and its weight drive the auxiliary example-level
	// head. Ignored when the network has no classifier head.
	ClassificationLoss       training.Loss
	ClassificationLossWeight float32

	// UseLabelsEpochs drops the classification loss after this many epochs.
	// Zero keeps it for the whole run.
	UseLabelsEpochs int

	// ValSplit carves a validation set out of the training data when Fit
	// receives none: values in (0, 1) are a fraction of the examples,
	// values of 1 and above an absolute count. TrainIndexes and ValIndexes
	// override it with an explicit split.
	ValSplit     float64
	TrainIndexes []int
	ValIndexes   []int

	// Optimization. The default optimizer is AdamW when WeightDecay is set
	// and Adam otherwise.
	Optim       OptimizerKind
	LR          float32
	WeightDecay float32
	Momentum    float32 // SGD only, defaults to 0.9
	Epochs      int

	// Scheduling: the learning rate is multiplied by LRFactor after
	// LRPatience epochs without validation improvement; training stops when
	// it falls below EndLR.
	LRFactor   float32
	LRPatience int
	EndLR      float32

	// Epsilon skips the backward pass for batches whose quantification loss
	// magnitude is already below it.
	Epsilon float32

	// GradientAccumulation folds this many batches into one optimizer step.
	GradientAccumulation int

	// MixedPrecision enables dynamic loss scaling.
	MixedPrecision bool

	// TripletMargin is used by the unsupervised path.
	TripletMargin float32

	// Replicas splits each batch across this many model replicas. Values
	// below 2 run single-copy training.
	Replicas int

	// NumWorkers collates batches on this many goroutines. Values below 2
	// use a single background collator.
	NumWorkers int

	// EpochCallback runs after each epoch's validation with the
	// consolidated state. Useful for hyperparameter search drivers.
	EpochCallback func(state TrainingState)

	// RandomSeed reseeds parameter initialization, dropout and the
	// validation split. Zero leaves the current seed untouched.
	RandomSeed int64

	// Persistence. SaveModelPath receives best-model weights; the resumable
	// checkpoint lives at SaveModelPath + ".ckpt", written every
	// CheckpointEvery epochs (0 disables checkpointing).
	SaveModelPath   string
	CheckpointEvery int

	// DatasetName prefixes the per-bag CSV logs; empty disables them.
	DatasetName string

	Verbose bool
}

// OptimizerKind selects which optimizer New builds.
type OptimizerKind int

const (
	// OptimizerDefault picks AdamW when weight decay is configured and
	// Adam otherwise.
	OptimizerDefault OptimizerKind = iota
	OptimizerAdam
	OptimizerAdamW
	OptimizerSGD
)

// TrainingState is the consolidated record of where a run stands. It is
// what checkpoints persist and what observers receive after each epoch.
type TrainingState struct {
	Epoch          int
	TrainQuantLoss float64
	TrainClassLoss float64
	TrainRegLoss   float64
	TrainTotalLoss float64
	ValQuantLoss   float64
	ValClassLoss   float64
	ValTotalLoss   float64
	BestError      float64
	CurrentLR      float32
	SkippedBatches int
}

// Quantifier owns a network plus everything needed to train it and predict
// with it.
type Quantifier struct {
	cfg       Config
	model     *ReplicatedModel
	optimizer training.Optimizer
	scheduler *training.ReduceLROnPlateauScheduler
	scaler    *training.GradScaler

	quantLoss    training.Loss
	quantLossVal training.Loss
	classLoss    training.Loss
	triplet      *training.TripletLoss

	state TrainingState

	trainLog *sampleLogger
	valLog   *sampleLogger

	bestWeights []checkpoints.WeightTensor
}

// New validates the configuration and builds the optimizer, scheduler and
// loggers. If a weights file already exists at SaveModelPath it is loaded
// into the network, matching the resume-friendly construction behavior.
func New(cfg Config) (*Quantifier, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("a network is required")
	}
	if cfg.TrainBagGenerator == nil {
		return nil, fmt.Errorf("a training bag generator is required")
	}
	if cfg.NBags <= 0 || cfg.BagSize <= 0 {
		return nil, fmt.Errorf("NBags and BagSize must be positive, got %d and %d", cfg.NBags, cfg.BagSize)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.LR <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", cfg.LR)
	}
	if cfg.GradientAccumulation < 0 {
		return nil, fmt.Errorf("gradient accumulation must be non-negative, got %d", cfg.GradientAccumulation)
	}
	if cfg.CheckpointEvery > 0 && cfg.SaveModelPath == "" {
		return nil, fmt.Errorf("CheckpointEvery requires a SaveModelPath")
	}
	if (len(cfg.TrainIndexes) == 0) != (len(cfg.ValIndexes) == 0) {
		return nil, fmt.Errorf("TrainIndexes and ValIndexes must be given together")
	}
	if cfg.GradientAccumulation == 0 {
		cfg.GradientAccumulation = 1
	}
	if cfg.NBagsVal == 0 {
		cfg.NBagsVal = cfg.NBags
	}
	if cfg.BagSizeVal == 0 {
		cfg.BagSizeVal = cfg.BagSize
	}
	if cfg.QuantLoss == nil {
		cfg.QuantLoss = training.NewL1Loss()
	}
	if cfg.QuantLossVal == nil {
		cfg.QuantLossVal = cfg.QuantLoss
	}
	if cfg.ClassificationLoss == nil {
		cfg.ClassificationLoss = training.NewCrossEntropyLoss()
	}
	if cfg.ClassificationLossWeight == 0 {
		cfg.ClassificationLossWeight = 1
	}
	if cfg.LRFactor == 0 {
		cfg.LRFactor = 0.1
	}
	if cfg.LRPatience == 0 {
		cfg.LRPatience = 10
	}
	if cfg.EndLR == 0 {
		cfg.EndLR = 1e-6
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.Momentum == 0 {
		cfg.Momentum = 0.9
	}

	if cfg.RandomSeed != 0 {
		training.SetRandomSeed(cfg.RandomSeed)
	}

	model, err := newReplicatedModel(cfg.Network, cfg.Replicas)
	if err != nil {
		return nil, fmt.Errorf("failed to replicate model: %v", err)
	}

	var optimizer training.Optimizer
	switch cfg.Optim {
	case OptimizerDefault:
		if cfg.WeightDecay > 0 {
			optimizer, err = training.NewAdamW(model.Parameters(), cfg.LR, cfg.WeightDecay)
		} else {
			optimizer, err = training.NewAdam(model.Parameters(), cfg.LR)
		}
	case OptimizerAdam:
		optimizer, err = training.NewAdam(model.Parameters(), cfg.LR)
	case OptimizerAdamW:
		optimizer, err = training.NewAdamW(model.Parameters(), cfg.LR, cfg.WeightDecay)
	case OptimizerSGD:
		optimizer, err = training.NewSGD(model.Parameters(), cfg.LR, cfg.Momentum, cfg.WeightDecay)
	default:
		return nil, fmt.Errorf("unknown optimizer kind %d", cfg.Optim)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build optimizer: %v", err)
	}

	scheduler, err := training.NewReduceLROnPlateauScheduler(cfg.LRFactor, cfg.LRPatience)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %v", err)
	}

	q := &Quantifier{
		cfg:          cfg,
		model:        model,
		optimizer:    optimizer,
		scheduler:    scheduler,
		scaler:       training.NewGradScaler(cfg.MixedPrecision),
		quantLoss:    cfg.QuantLoss,
		quantLossVal: cfg.QuantLossVal,
		classLoss:    cfg.ClassificationLoss,
		triplet:      training.NewTripletLoss(cfg.TripletMargin),
	}

	if cfg.DatasetName != "" {
		q.trainLog = newSampleLogger(cfg.DatasetName+"_train_samples.csv", cfg.Network.NClasses())
		q.valLog = newSampleLogger(cfg.DatasetName+"_val_samples.csv", cfg.Network.NClasses())
	}

	if cfg.SaveModelPath != "" {
		if _, err := os.Stat(cfg.SaveModelPath); err == nil {
			if err := checkpoints.LoadWeights(cfg.SaveModelPath, cfg.Network.Parameters()); err != nil {
				return nil, fmt.Errorf("failed to load existing weights from %s: %v", cfg.SaveModelPath, err)
			}
			model.Broadcast()
			if cfg.Verbose {
				fmt.Printf("Loaded existing weights from %s\n", cfg.SaveModelPath)
			}
		}
	}

	return q, nil
}

// State returns the latest consolidated training state.
func (q *Quantifier) State() TrainingState { return q.state }

// Network returns the underlying model.
func (q *Quantifier) Network() *QuantNetwork { return q.cfg.Network }

// checkpointPath is where the resumable checkpoint lives.
func (q *Quantifier) checkpointPath() string {
	return q.cfg.SaveModelPath + ".ckpt"
}

// saveCheckpoint writes the full resumable state.
func (q *Quantifier) saveCheckpoint() error {
	weights, err := checkpoints.ExtractWeights(q.cfg.Network.Parameters())
	if err != nil {
		return err
	}
	ckpt := &checkpoints.Checkpoint{
		Epoch:          q.state.Epoch,
		BestError:      q.state.BestError,
		Weights:        weights,
		OptimizerState: q.optimizer.StateDict(),
		SchedulerState: q.scheduler.StateDict(),
	}
	if q.cfg.DatasetName != "" {
		ckpt.Metadata = map[string]string{"dataset": q.cfg.DatasetName}
	}
	return checkpoints.SaveCheckpoint(q.checkpointPath(), ckpt)
}

// tryResume loads the checkpoint if one exists, returning the epoch to
// resume from.
func (q *Quantifier) tryResume() (int, error) {
	if q.cfg.SaveModelPath == "" || q.cfg.CheckpointEvery <= 0 {
		return 0, nil
	}
	if _, err := os.Stat(q.checkpointPath()); err != nil {
		return 0, nil
	}

	ckpt, err := checkpoints.LoadCheckpoint(q.checkpointPath())
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %v", err)
	}
	if err := checkpoints.RestoreWeights(ckpt.Weights, q.cfg.Network.Parameters()); err != nil {
		return 0, fmt.Errorf("failed to restore weights: %v", err)
	}
	q.model.Broadcast()
	if ckpt.OptimizerState != nil {
		if err := q.optimizer.LoadStateDict(ckpt.OptimizerState); err != nil {
			return 0, fmt.Errorf("failed to restore optimizer: %v", err)
		}
	}
	if ckpt.SchedulerState != nil {
		q.scheduler.LoadStateDict(ckpt.SchedulerState)
	}
	q.state.BestError = ckpt.BestError
	if q.cfg.Verbose {
		fmt.Printf("Resuming from checkpoint at epoch %d (best error %.6f)\n", ckpt.Epoch, ckpt.BestError)
	}
	return ckpt.Epoch + 1, nil
}
