package quant

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// sampleLogger appends one CSV row per bag per epoch, recording the bag's
// loss, true prevalences and predictions. Truths and predictions interleave
// per class: Epoch,Sample,Loss,p_0,p_hat_0,...,p_{C-1},p_hat_{C-1}. The
// header is written only once, on epoch 0.
type sampleLogger struct {
	path     string
	nClasses int
}

func newSampleLogger(path string, nClasses int) *sampleLogger {
	return &sampleLogger{path: path, nClasses: nClasses}
}

// Reset removes a previous run's log so a fresh run starts clean. A missing
// file is not an error.
func (l *sampleLogger) Reset() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sample log %s: %v", l.path, err)
	}
	return nil
}

// Log appends the rows for one epoch. Predictions and truths are flat
// [nBags*nClasses] slices; losses has one entry per bag.
func (l *sampleLogger) Log(epoch int, losses []float32, truths, predictions []float32) error {
	if len(truths) != len(losses)*l.nClasses || len(predictions) != len(losses)*l.nClasses {
		return fmt.Errorf("sample log size mismatch: %d losses, %d truths, %d predictions", len(losses), len(truths), len(predictions))
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open sample log %s: %v", l.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	if epoch == 0 {
		header := []string{"Epoch", "Sample", "Loss"}
		for c := 0; c < l.nClasses; c++ {
			header = append(header, fmt.Sprintf("p_%d", c), fmt.Sprintf("p_hat_%d", c))
		}
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write sample log header: %v", err)
		}
	}

	for bag := range losses {
		row := []string{
			strconv.Itoa(epoch),
			strconv.Itoa(bag),
			fmt.Sprintf("%.3f", losses[bag]),
		}
		for c := 0; c < l.nClasses; c++ {
			row = append(row,
				fmt.Sprintf("%.3f", truths[bag*l.nClasses+c]),
				fmt.Sprintf("%.3f", predictions[bag*l.nClasses+c]))
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write sample log row: %v", err)
		}
	}

	w.Flush()
	return w.Error()
}
