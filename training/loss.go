package training

import (
	"fmt"
	"math"

	"github.com/AICGijon/gmnet/tensor"
)

// Loss computes a scalar objective from predictions and targets and builds
// the graph nodes needed to backpropagate through it.
type Loss interface {
	Forward(predictions, targets *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// l1LossOp computes mean absolute error.
type l1LossOp struct {
	inputs []*tensor.Tensor
}

func (op *l1LossOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("L1 loss expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	pred, target := inputs[0], inputs[1]
	p, err := pred.Float32Data()
	if err != nil {
		return nil, err
	}
	t, err := target.Float32Data()
	if err != nil {
		return nil, err
	}
	if len(p) != len(t) {
		return nil, fmt.Errorf("prediction has %d elements, target has %d", len(p), len(t))
	}
	var sum float64
	for i := range p {
		sum += math.Abs(float64(p[i] - t[i]))
	}
	return tensor.NewTensor([]int{1}, tensor.Float32, []float32{float32(sum / float64(len(p)))})
}

func (op *l1LossOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	pred, target := op.inputs[0], op.inputs[1]
	p, _ := pred.Float32Data()
	t, _ := target.Float32Data()
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	scale := g / float32(len(p))
	dp := make([]float32, len(p))
	for i := range p {
		switch {
		case p[i] > t[i]:
			dp[i] = scale
		case p[i] < t[i]:
			dp[i] = -scale
		}
	}
	gp, err := tensor.NewTensor(append([]int(nil), pred.Shape...), tensor.Float32, dp)
	if err != nil {
		return nil, err
	}
	// Target gradient is unused but the driver expects one per input.
	gt, err := tensor.Zeros(target.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gp, gt}, nil
}

func (op *l1LossOp) Inputs() []*tensor.Tensor { return op.inputs }

// L1Loss is the default quantification objective: mean absolute error
// between predicted and true prevalence vectors.
type L1Loss struct{}

func NewL1Loss() *L1Loss { return &L1Loss{} }

func (l *L1Loss) Name() string { return "L1" }

func (l *L1Loss) Forward(predictions, targets *tensor.Tensor) (*tensor.Tensor, error) {
	op := &l1LossOp{}
	out, err := op.Forward(predictions, targets)
	if err != nil {
		return nil, err
	}
	if predictions.RequiresGrad() || predictions.Creator() != nil {
		attachCreator(out, op)
	}
	return out, nil
}

// mseLossOp computes mean squared error.
type mseLossOp struct {
	inputs []*tensor.Tensor
}

func (op *mseLossOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MSE loss expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	p, err := inputs[0].Float32Data()
	if err != nil {
		return nil, err
	}
	t, err := inputs[1].Float32Data()
	if err != nil {
		return nil, err
	}
	if len(p) != len(t) {
		return nil, fmt.Errorf("prediction has %d elements, target has %d", len(p), len(t))
	}
	var sum float64
	for i := range p {
		d := float64(p[i] - t[i])
		sum += d * d
	}
	return tensor.NewTensor([]int{1}, tensor.Float32, []float32{float32(sum / float64(len(p)))})
}

func (op *mseLossOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	pred, target := op.inputs[0], op.inputs[1]
	p, _ := pred.Float32Data()
	t, _ := target.Float32Data()
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	scale := 2 * g / float32(len(p))
	dp := make([]float32, len(p))
	for i := range p {
		dp[i] = scale * (p[i] - t[i])
	}
	gp, err := tensor.NewTensor(append([]int(nil), pred.Shape...), tensor.Float32, dp)
	if err != nil {
		return nil, err
	}
	gt, err := tensor.Zeros(target.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gp, gt}, nil
}

func (op *mseLossOp) Inputs() []*tensor.Tensor { return op.inputs }

// MSELoss is an alternative quantification objective.
type MSELoss struct{}

func NewMSELoss() *MSELoss { return &MSELoss{} }

func (l *MSELoss) Name() string { return "MSE" }

func (l *MSELoss) Forward(predictions, targets *tensor.Tensor) (*tensor.Tensor, error) {
	op := &mseLossOp{}
	out, err := op.Forward(predictions, targets)
	if err != nil {
		return nil, err
	}
	if predictions.RequiresGrad() || predictions.Creator() != nil {
		attachCreator(out, op)
	}
	return out, nil
}

// crossEntropyOp computes softmax cross-entropy over logits [N, classes]
// against Int32 class indices [N].
type crossEntropyOp struct {
	inputs []*tensor.Tensor
	probs  []float32
}

func (op *crossEntropyOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	logits, targets := inputs[0], inputs[1]
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits, got shape %v", logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	labels, err := targets.Int32Data()
	if err != nil {
		return nil, fmt.Errorf("cross entropy targets must be Int32 class indices: %v", err)
	}
	if len(labels) != n {
		return nil, fmt.Errorf("got %d labels for %d rows of logits", len(labels), n)
	}

	src, err := logits.Float32Data()
	if err != nil {
		return nil, err
	}
	op.probs = make([]float32, n*c)
	var total float64
	for i := 0; i < n; i++ {
		row := src[i*c : (i+1)*c]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			op.probs[i*c+j] = float32(e)
			sum += e
		}
		label := int(labels[i])
		if label < 0 || label >= c {
			return nil, fmt.Errorf("label %d out of range for %d classes", label, c)
		}
		for j := 0; j < c; j++ {
			op.probs[i*c+j] /= float32(sum)
		}
		total -= math.Log(float64(op.probs[i*c+label]) + 1e-12)
	}

	return tensor.NewTensor([]int{1}, tensor.Float32, []float32{float32(total / float64(n))})
}

func (op *crossEntropyOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	logits, targets := op.inputs[0], op.inputs[1]
	n, c := logits.Shape[0], logits.Shape[1]
	labels, _ := targets.Int32Data()
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	scale := g / float32(n)
	dl := make([]float32, n*c)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			idx := i*c + j
			dl[idx] = op.probs[idx] * scale
		}
		dl[i*c+int(labels[i])] -= scale
	}
	gl, err := tensor.NewTensor([]int{n, c}, tensor.Float32, dl)
	if err != nil {
		return nil, err
	}
	gt, err := tensor.Zeros(targets.Shape, tensor.Int32)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gl, gt}, nil
}

func (op *crossEntropyOp) Inputs() []*tensor.Tensor { return op.inputs }

// CrossEntropyLoss trains the auxiliary classification head on example-level
// labels.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss { return &CrossEntropyLoss{} }

func (l *CrossEntropyLoss) Name() string { return "CrossEntropy" }

func (l *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	op := &crossEntropyOp{}
	out, err := op.Forward(logits, targets)
	if err != nil {
		return nil, err
	}
	if logits.RequiresGrad() || logits.Creator() != nil {
		attachCreator(out, op)
	}
	return out, nil
}

// tripletLossOp computes mean(max(0, ||a-p||^2 - ||a-n||^2 + margin)) over
// rows of three equally shaped [N, D] representation tensors.
type tripletLossOp struct {
	Margin float32
	inputs []*tensor.Tensor
	active []bool
}

func (op *tripletLossOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("triplet loss expects 3 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	a, p, nt := inputs[0], inputs[1], inputs[2]
	for _, in := range inputs {
		if len(in.Shape) != 2 {
			return nil, fmt.Errorf("triplet loss expects 2D inputs, got shape %v", in.Shape)
		}
	}
	if a.Shape[0] != p.Shape[0] || a.Shape[0] != nt.Shape[0] || a.Shape[1] != p.Shape[1] || a.Shape[1] != nt.Shape[1] {
		return nil, fmt.Errorf("triplet loss shape mismatch: %v, %v, %v", a.Shape, p.Shape, nt.Shape)
	}

	n, d := a.Shape[0], a.Shape[1]
	av, _ := a.Float32Data()
	pv, _ := p.Float32Data()
	nv, _ := nt.Float32Data()

	op.active = make([]bool, n)
	var total float64
	for i := 0; i < n; i++ {
		var dp, dn float32
		for j := 0; j < d; j++ {
			idx := i*d + j
			dpj := av[idx] - pv[idx]
			dnj := av[idx] - nv[idx]
			dp += dpj * dpj
			dn += dnj * dnj
		}
		v := dp - dn + op.Margin
		if v > 0 {
			op.active[i] = true
			total += float64(v)
		}
	}

	return tensor.NewTensor([]int{1}, tensor.Float32, []float32{float32(total / float64(n))})
}

func (op *tripletLossOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	a, p, nt := op.inputs[0], op.inputs[1], op.inputs[2]
	n, d := a.Shape[0], a.Shape[1]
	av, _ := a.Float32Data()
	pv, _ := p.Float32Data()
	nv, _ := nt.Float32Data()
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	scale := g / float32(n)

	da := make([]float32, n*d)
	dpv := make([]float32, n*d)
	dnv := make([]float32, n*d)
	for i := 0; i < n; i++ {
		if !op.active[i] {
			continue
		}
		for j := 0; j < d; j++ {
			idx := i*d + j
			da[idx] = 2 * scale * (nv[idx] - pv[idx])
			dpv[idx] = 2 * scale * (pv[idx] - av[idx])
			dnv[idx] = 2 * scale * (av[idx] - nv[idx])
		}
	}

	ga, err := tensor.NewTensor([]int{n, d}, tensor.Float32, da)
	if err != nil {
		return nil, err
	}
	gp, err := tensor.NewTensor([]int{n, d}, tensor.Float32, dpv)
	if err != nil {
		return nil, err
	}
	gn, err := tensor.NewTensor([]int{n, d}, tensor.Float32, dnv)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{ga, gp, gn}, nil
}

func (op *tripletLossOp) Inputs() []*tensor.Tensor { return op.inputs }

// TripletLoss pulls anchor and positive representations together and pushes
// the negative away. Drives the unsupervised training path.
type TripletLoss struct {
	Margin float32
}

func NewTripletLoss(margin float32) *TripletLoss {
	if margin == 0 {
		margin = 1
	}
	return &TripletLoss{Margin: margin}
}

func (l *TripletLoss) Name() string { return "Triplet" }

// ForwardTriplet computes the loss from anchor, positive and negative
// representation batches.
func (l *TripletLoss) ForwardTriplet(anchor, positive, negative *tensor.Tensor) (*tensor.Tensor, error) {
	op := &tripletLossOp{Margin: l.Margin}
	out, err := op.Forward(anchor, positive, negative)
	if err != nil {
		return nil, err
	}
	if anchor.RequiresGrad() || anchor.Creator() != nil {
		attachCreator(out, op)
	}
	return out, nil
}
