package quant

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/AICGijon/gmnet/checkpoints"
	"github.com/AICGijon/gmnet/tensor"
	"github.com/AICGijon/gmnet/training"
)

// Fit trains the network. valDataset may be nil, in which case validation
// runs on the training data; the resulting metrics are optimistically
// biased and early stopping fires later than it would with held-out data.
func (q *Quantifier) Fit(ctx context.Context, trainDataset, valDataset Dataset) error {
	if trainDataset == nil {
		return fmt.Errorf("a training dataset is required")
	}
	trainAsVal := false
	if valDataset == nil {
		switch {
		case len(q.cfg.ValIndexes) > 0:
			var err error
			trainDataset, valDataset, err = q.splitByIndexes(trainDataset)
			if err != nil {
				return err
			}
		case q.cfg.ValSplit > 0:
			var err error
			trainDataset, valDataset, err = q.splitRandom(trainDataset)
			if err != nil {
				return err
			}
		default:
			if q.cfg.Verbose {
				fmt.Println("Warning: no validation dataset, reporting training losses as validation (optimistic bias)")
			}
			trainAsVal = true
		}
	} else if q.cfg.ValSplit > 0 || len(q.cfg.ValIndexes) > 0 {
		if q.cfg.Verbose {
			fmt.Println("Ignoring ValSplit: train and validation datasets were both given")
		}
	}
	valGen := q.cfg.ValBagGenerator
	if valGen == nil {
		valGen = q.cfg.TrainBagGenerator
	}

	if q.state.BestError == 0 {
		q.state.BestError = math.Inf(1)
	}

	initialEpoch, err := q.tryResume()
	if err != nil {
		return err
	}
	if initialEpoch == 0 {
		// Fresh run: clear any previous sample logs.
		if q.trainLog != nil {
			if err := q.trainLog.Reset(); err != nil {
				return err
			}
			if err := q.valLog.Reset(); err != nil {
				return err
			}
		}
	}

	lr := q.optimizer.GetLR()

	for epoch := initialEpoch; epoch < q.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("training cancelled: %v", err)
		}
		q.state.Epoch = epoch

		if err := q.trainEpoch(ctx, epoch, trainDataset); err != nil {
			return fmt.Errorf("epoch %d training failed: %v", epoch, err)
		}
		if trainAsVal {
			// Without a validation split, the epoch's training losses stand
			// in for the validation losses.
			q.state.ValQuantLoss = q.state.TrainQuantLoss
			q.state.ValClassLoss = q.state.TrainClassLoss
			q.state.ValTotalLoss = q.state.TrainTotalLoss
		} else if err := q.validateEpoch(ctx, epoch, valDataset, valGen); err != nil {
			return fmt.Errorf("epoch %d validation failed: %v", epoch, err)
		}

		// Track the best model by validation quantification loss, strictly
		// improved. The weights are only persisted at the end of the run.
		if q.state.ValQuantLoss < q.state.BestError {
			q.state.BestError = q.state.ValQuantLoss
			weights, err := checkpoints.ExtractWeights(q.cfg.Network.Parameters())
			if err != nil {
				return err
			}
			q.bestWeights = weights
		}

		newLR := q.scheduler.Step(q.state.ValTotalLoss, lr)
		if newLR != lr {
			if q.cfg.Verbose {
				fmt.Printf("Reducing learning rate from %g to %g\n", lr, newLR)
			}
			lr = newLR
			q.optimizer.SetLR(lr)
		}
		q.state.CurrentLR = lr

		if q.cfg.Verbose {
			fmt.Printf("Epoch %d: train_loss=%.6f val_loss=%.6f val_quant=%.6f best=%.6f lr=%g\n",
				epoch, q.state.TrainTotalLoss, q.state.ValTotalLoss, q.state.ValQuantLoss, q.state.BestError, lr)
		}

		if q.cfg.EpochCallback != nil {
			q.cfg.EpochCallback(q.state)
		}

		if lr < q.cfg.EndLR {
			if q.cfg.Verbose {
				fmt.Printf("Stopping: learning rate %g fell below %g\n", lr, q.cfg.EndLR)
			}
			break
		}

		if q.cfg.SaveModelPath != "" && q.cfg.CheckpointEvery > 0 && epoch != 0 && epoch%q.cfg.CheckpointEvery == 0 {
			if err := q.saveCheckpoint(); err != nil {
				return fmt.Errorf("failed to write checkpoint: %v", err)
			}
		}
	}

	// Leave the network holding the best weights seen and persist them once.
	if q.bestWeights != nil {
		if err := checkpoints.RestoreWeights(q.bestWeights, q.cfg.Network.Parameters()); err != nil {
			return fmt.Errorf("failed to restore best weights: %v", err)
		}
		q.model.Broadcast()
		if q.cfg.SaveModelPath != "" {
			if err := checkpoints.SaveCheckpoint(q.cfg.SaveModelPath, &checkpoints.Checkpoint{Weights: q.bestWeights}); err != nil {
				return fmt.Errorf("failed to save best model: %v", err)
			}
		}
	}
	return nil
}

// splitByIndexes builds the explicit train/validation subsets.
func (q *Quantifier) splitByIndexes(dataset Dataset) (Dataset, Dataset, error) {
	train, err := NewSubset(dataset, q.cfg.TrainIndexes)
	if err != nil {
		return nil, nil, fmt.Errorf("bad train indexes: %v", err)
	}
	val, err := NewSubset(dataset, q.cfg.ValIndexes)
	if err != nil {
		return nil, nil, fmt.Errorf("bad validation indexes: %v", err)
	}
	return train, val, nil
}

// splitRandom carves ValSplit examples off into a validation subset using a
// seeded permutation.
func (q *Quantifier) splitRandom(dataset Dataset) (Dataset, Dataset, error) {
	n := dataset.Len()
	var valSize int
	if q.cfg.ValSplit < 1 {
		valSize = int(math.Round(float64(n) * q.cfg.ValSplit))
	} else {
		valSize = int(q.cfg.ValSplit)
	}
	if valSize <= 0 || valSize >= n {
		return nil, nil, fmt.Errorf("ValSplit %v leaves no data to train on (%d examples)", q.cfg.ValSplit, n)
	}

	perm := rand.New(rand.NewSource(q.cfg.RandomSeed)).Perm(n)
	train, err := NewSubset(dataset, perm[:n-valSize])
	if err != nil {
		return nil, nil, err
	}
	val, err := NewSubset(dataset, perm[n-valSize:])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// trainEpoch runs one pass over freshly generated bags.
func (q *Quantifier) trainEpoch(ctx context.Context, epoch int, dataset Dataset) error {
	indexes, prevs, err := q.cfg.TrainBagGenerator.Generate(dataset, q.cfg.NBags, q.cfg.BagSize)
	if err != nil {
		return fmt.Errorf("bag generation failed: %v", err)
	}
	loader, err := NewBagLoader(dataset, indexes, prevs, q.cfg.BatchSize)
	if err != nil {
		return err
	}

	q.model.Train()
	q.model.ZeroGrad()

	nBatches := loader.NumBatches()
	ga := q.cfg.GradientAccumulation
	useLabels := q.cfg.UseLabelsEpochs == 0 || epoch <= q.cfg.UseLabelsEpochs

	var sumQuant, sumClass, sumReg, sumTotal float64
	skipped := 0

	// Per-bag records for the CSV log.
	var logLosses []float32
	var logTruths, logPreds []float32

	i := 0
	for res := range loader.Stream(ctx, q.cfg.NumWorkers, 2) {
		if res.err != nil {
			return res.err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("training cancelled: %v", err)
		}
		batch := res.batch

		var stats batchStats
		if batch.Prevalences != nil {
			stats, err = q.trainSupervisedBatch(batch, useLabels)
		} else {
			stats, err = q.trainUnsupervisedBatch(batch)
		}
		if err != nil {
			return err
		}

		sumQuant += stats.quant
		sumClass += stats.class
		sumReg += stats.reg
		sumTotal += stats.total
		if stats.skippedBackward {
			skipped++
		}

		if q.trainLog != nil && batch.Prevalences != nil {
			logLosses = append(logLosses, stats.bagLosses...)
			t, _ := batch.Prevalences.Float32Data()
			logTruths = append(logTruths, t...)
			logPreds = append(logPreds, stats.bagPreds...)
		}

		if updateDue(i, ga, nBatches) {
			if err := q.applyStep(); err != nil {
				return err
			}
		}
		i++
	}

	n := float64(nBatches)
	q.state.TrainQuantLoss = sumQuant / n
	q.state.TrainClassLoss = sumClass / n
	q.state.TrainRegLoss = sumReg / n
	q.state.TrainTotalLoss = sumTotal / n
	q.state.SkippedBatches = skipped

	if q.trainLog != nil && logLosses != nil {
		if err := q.trainLog.Log(epoch, logLosses, logTruths, logPreds); err != nil {
			return err
		}
	}
	return nil
}

// updateDue reports whether the optimizer should step after batch i: every
// batch without accumulation, at each accumulation boundary, and always on
// the final batch of the epoch.
func updateDue(i, ga, nBatches int) bool {
	return ga == 1 || (i%ga == 0 && i != 0) || i == nBatches-1
}

// batchStats reports one batch's loss components. Regularization is tracked
// separately from the quantification and classification terms.
type batchStats struct {
	quant, class, reg, total float64
	skippedBackward          bool
	bagLosses                []float32
	bagPreds                 []float32
}

// trainSupervisedBatch runs forward and backward for one batch of labeled
// bags. The backward pass is skipped entirely when the quantification loss
// magnitude is already below Epsilon.
func (q *Quantifier) trainSupervisedBatch(batch *Batch, useLabels bool) (batchStats, error) {
	var stats batchStats

	opts := ForwardOptions{
		ReturnClassification: useLabels && q.cfg.Network.HasClassifier() && batch.Labels != nil,
	}
	if q.cfg.Network.MetadataDim() > 0 {
		opts.Metadata = batch.Metadata
	}
	shards, err := q.model.ForwardParallel(batch.X, opts)
	if err != nil {
		return stats, err
	}

	totalBags := batch.X.Shape[0]
	nClasses := q.cfg.Network.NClasses()
	stats.bagPreds = make([]float32, totalBags*nClasses)

	// Per-shard losses, weighted by shard size so the sum of gradients
	// equals a whole-batch pass.
	type shardLoss struct {
		loss    *tensor.Tensor
		network *QuantNetwork
	}
	var losses []shardLoss

	for _, s := range shards {
		preds := s.result.Prevalences
		truth, err := tensor.Narrow(batch.Prevalences, 0, s.start, s.count)
		if err != nil {
			return stats, err
		}

		pdata, err := preds.Float32Data()
		if err != nil {
			return stats, err
		}
		copy(stats.bagPreds[s.start*nClasses:], pdata)

		quantLoss, err := q.quantLoss.Forward(preds, truth)
		if err != nil {
			return stats, fmt.Errorf("quantification loss failed: %v", err)
		}
		qv, err := quantLoss.Item()
		if err != nil {
			return stats, err
		}
		weight := float32(s.count) / float32(totalBags)
		stats.quant += float64(qv) * float64(weight)

		total := quantLoss
		if s.result.Classification != nil {
			shardLabels, err := tensor.Narrow(batch.Labels, 0, s.start*batch.X.Shape[1], s.count*batch.X.Shape[1])
			if err != nil {
				return stats, err
			}
			classLoss, err := q.classLoss.Forward(s.result.Classification, shardLabels)
			if err != nil {
				return stats, fmt.Errorf("classification loss failed: %v", err)
			}
			cv, err := classLoss.Item()
			if err != nil {
				return stats, err
			}
			stats.class += float64(cv) * float64(weight)

			weighted, err := tensor.ScaleAutograd(classLoss, q.cfg.ClassificationLossWeight)
			if err != nil {
				return stats, err
			}
			total, err = tensor.AddAutograd(total, weighted)
			if err != nil {
				return stats, err
			}
		}

		scaled, err := tensor.ScaleAutograd(total, weight)
		if err != nil {
			return stats, err
		}

		// The penalty must enter the reduced gradient exactly once, so only
		// the primary's shard carries it. A track-only provider is recorded
		// but stays out of the backward loss.
		if s.network == q.model.Primary() {
			reg, err := s.network.Regularization()
			if err != nil {
				return stats, err
			}
			if reg != nil {
				rv, err := reg.Item()
				if err != nil {
					return stats, err
				}
				stats.reg += float64(rv)
				if s.network.AppliesRegularization() {
					scaled, err = tensor.AddAutograd(scaled, reg)
					if err != nil {
						return stats, err
					}
				}
			}
		}

		losses = append(losses, shardLoss{loss: scaled, network: s.network})
	}

	// The regularization term is reported on its own, not folded into the
	// total.
	stats.total = stats.quant + float64(q.cfg.ClassificationLossWeight)*stats.class
	stats.bagLosses = q.perBagLosses(batch, stats.bagPreds, q.quantLoss)

	// Epsilon policy: when the quantification error is already negligible,
	// skip backward for the whole batch.
	if q.cfg.Epsilon > 0 && math.Abs(stats.quant) < float64(q.cfg.Epsilon) {
		stats.skippedBackward = true
		return stats, nil
	}

	for _, sl := range losses {
		scaledLoss, err := q.scaler.ScaleLoss(sl.loss)
		if err != nil {
			return stats, err
		}
		if err := tensor.Backward(scaledLoss); err != nil {
			return stats, fmt.Errorf("backward failed: %v", err)
		}
	}
	return stats, nil
}

// trainUnsupervisedBatch handles bags without prevalence targets: each bag
// is split into anchor, positive and negative thirds, each third runs
// through the network up to the aggregated representation, and the triplet
// loss contrasts them.
func (q *Quantifier) trainUnsupervisedBatch(batch *Batch) (batchStats, error) {
	var stats batchStats

	anchor, positive, negative, err := q.tripletForward(batch.X)
	if err != nil {
		return stats, err
	}

	loss, err := q.triplet.ForwardTriplet(anchor, positive, negative)
	if err != nil {
		return stats, fmt.Errorf("triplet loss failed: %v", err)
	}
	lv, err := loss.Item()
	if err != nil {
		return stats, err
	}
	stats.quant = float64(lv)
	stats.total = float64(lv)

	scaledLoss, err := q.scaler.ScaleLoss(loss)
	if err != nil {
		return stats, err
	}
	if err := tensor.Backward(scaledLoss); err != nil {
		return stats, fmt.Errorf("backward failed: %v", err)
	}
	return stats, nil
}

// tripletForward splits the bags into thirds along the bag axis and runs
// each through the primary network's representation path, yielding the
// aggregated anchor, positive and negative vectors.
func (q *Quantifier) tripletForward(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	third := x.Shape[1] / 3
	if third == 0 {
		return nil, nil, nil, fmt.Errorf("bag size %d too small for the triplet split", x.Shape[1])
	}

	parts := make([]*tensor.Tensor, 3)
	for i := range parts {
		chunk, err := tensor.Narrow(x, 1, i*third, third)
		if err != nil {
			return nil, nil, nil, err
		}
		result, err := q.model.Primary().Forward(chunk, ForwardOptions{ReturnRepresentation: true})
		if err != nil {
			return nil, nil, nil, err
		}
		parts[i] = result.Representation
	}
	return parts[0], parts[1], parts[2], nil
}

// applyStep reduces replica gradients, unscales them, and steps the
// optimizer unless the scaler detected an overflow.
func (q *Quantifier) applyStep() error {
	if err := q.model.ReduceGradients(); err != nil {
		return err
	}
	overflow, err := q.scaler.UnscaleAndCheck(q.model.Parameters())
	if err != nil {
		return err
	}
	if !overflow {
		if err := q.optimizer.Step(); err != nil {
			return fmt.Errorf("optimizer step failed: %v", err)
		}
	}
	q.model.ZeroGrad()
	q.model.Broadcast()
	return nil
}

// perBagLosses evaluates the quantification loss bag by bag for the CSV
// log, outside the autograd graph.
func (q *Quantifier) perBagLosses(batch *Batch, preds []float32, quantLoss training.Loss) []float32 {
	nClasses := q.cfg.Network.NClasses()
	truth, err := batch.Prevalences.Float32Data()
	if err != nil {
		return nil
	}
	nBags := batch.X.Shape[0]
	losses := make([]float32, nBags)
	for b := 0; b < nBags; b++ {
		p, err := tensor.NewTensor([]int{1, nClasses}, tensor.Float32, append([]float32(nil), preds[b*nClasses:(b+1)*nClasses]...))
		if err != nil {
			return nil
		}
		tr, err := tensor.NewTensor([]int{1, nClasses}, tensor.Float32, append([]float32(nil), truth[b*nClasses:(b+1)*nClasses]...))
		if err != nil {
			return nil
		}
		loss, err := quantLoss.Forward(p, tr)
		if err != nil {
			return nil
		}
		losses[b], _ = loss.Item()
	}
	return losses
}

// validateEpoch measures validation loss on freshly generated bags with the
// model in eval mode.
func (q *Quantifier) validateEpoch(ctx context.Context, epoch int, dataset Dataset, gen BagGenerator) error {
	indexes, prevs, err := gen.Generate(dataset, q.cfg.NBagsVal, q.cfg.BagSizeVal)
	if err != nil {
		return fmt.Errorf("validation bag generation failed: %v", err)
	}
	loader, err := NewBagLoader(dataset, indexes, prevs, q.cfg.BatchSize)
	if err != nil {
		return err
	}

	q.model.Eval()

	// Losses are weighted by the bags in each batch so partial final
	// batches do not skew the averages.
	var sumQuant, sumClass, sumTotal float64
	totalBags := 0

	var logLosses []float32
	var logTruths, logPreds []float32

	for res := range loader.Stream(ctx, q.cfg.NumWorkers, 2) {
		if res.err != nil {
			return res.err
		}
		batch := res.batch
		bags := batch.X.Shape[0]
		totalBags += bags

		if batch.Prevalences == nil {
			// Unsupervised validation mirrors the training objective.
			stats, err := q.validateUnsupervisedBatch(batch)
			if err != nil {
				return err
			}
			sumQuant += stats.quant * float64(bags)
			sumTotal += stats.total * float64(bags)
			continue
		}

		valOpts := ForwardOptions{
			ReturnClassification: q.cfg.Network.HasClassifier() && batch.Labels != nil,
		}
		if q.cfg.Network.MetadataDim() > 0 {
			valOpts.Metadata = batch.Metadata
		}
		result, err := q.model.Primary().Forward(batch.X, valOpts)
		if err != nil {
			return err
		}
		quantLoss, err := q.quantLossVal.Forward(result.Prevalences, batch.Prevalences)
		if err != nil {
			return err
		}
		qv, err := quantLoss.Item()
		if err != nil {
			return err
		}
		sumQuant += float64(qv) * float64(bags)

		total := float64(qv)
		if result.Classification != nil {
			classLoss, err := q.classLoss.Forward(result.Classification, batch.Labels)
			if err != nil {
				return err
			}
			cv, err := classLoss.Item()
			if err != nil {
				return err
			}
			sumClass += float64(cv) * float64(bags)
			total += float64(q.cfg.ClassificationLossWeight) * float64(cv)
		}
		sumTotal += total * float64(bags)

		if q.valLog != nil {
			pdata, _ := result.Prevalences.Float32Data()
			preds := append([]float32(nil), pdata...)
			logLosses = append(logLosses, q.perBagLosses(batch, preds, q.quantLossVal)...)
			t, _ := batch.Prevalences.Float32Data()
			logTruths = append(logTruths, t...)
			logPreds = append(logPreds, preds...)
		}
	}

	n := float64(totalBags)
	q.state.ValQuantLoss = sumQuant / n
	q.state.ValClassLoss = sumClass / n
	q.state.ValTotalLoss = sumTotal / n

	if q.valLog != nil && logLosses != nil {
		if err := q.valLog.Log(epoch, logLosses, logTruths, logPreds); err != nil {
			return err
		}
	}
	return nil
}

func (q *Quantifier) validateUnsupervisedBatch(batch *Batch) (batchStats, error) {
	var stats batchStats
	anchor, positive, negative, err := q.tripletForward(batch.X)
	if err != nil {
		return stats, err
	}
	loss, err := q.triplet.ForwardTriplet(anchor, positive, negative)
	if err != nil {
		return stats, err
	}
	lv, err := loss.Item()
	if err != nil {
		return stats, err
	}
	stats.quant = float64(lv)
	stats.total = float64(lv)
	return stats, nil
}
