package quant

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/AICGijon/gmnet/tensor"
)

// BagGenerator produces training bags: index matrices into a dataset plus,
// for supervised generators, the prevalence vector of each bag. Generators
// receive the dataset at generation time so the same generator serves both
// sides of a train/validation split.
type BagGenerator interface {
	// UsesLabels reports whether Generate returns prevalence targets. When
	// false the training loop switches to the unsupervised triplet path.
	UsesLabels() bool

	// Generate returns an Int32 index tensor [nBags, bagSize] and, for
	// supervised generators, a Float32 prevalence tensor [nBags, nClasses].
	Generate(dataset Dataset, nBags, bagSize int) (*tensor.Tensor, *tensor.Tensor, error)
}

// UniformBagGenerator draws prevalence vectors uniformly from the simplex
// and then fills each bag by sampling examples of each class with
// replacement.
type UniformBagGenerator struct {
	nClasses int
	rng      *rand.Rand
}

func NewUniformBagGenerator(nClasses int, seed int64) (*UniformBagGenerator, error) {
	if nClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", nClasses)
	}
	return &UniformBagGenerator{nClasses: nClasses, rng: rand.New(rand.NewSource(seed))}, nil
}

func (g *UniformBagGenerator) UsesLabels() bool { return true }

// classPools indexes the dataset's examples by class label.
func (g *UniformBagGenerator) classPools(dataset Dataset) ([][]int, error) {
	labeled, ok := dataset.(Labeled)
	if !ok || labeled.Labels() == nil {
		return nil, fmt.Errorf("uniform bag generation requires a labeled dataset")
	}
	labels := labeled.Labels()
	pools := make([][]int, g.nClasses)
	for i, label := range labels {
		if label < 0 || label >= g.nClasses {
			return nil, fmt.Errorf("label %d at position %d out of range for %d classes", label, i, g.nClasses)
		}
		pools[label] = append(pools[label], i)
	}
	for c, pool := range pools {
		if len(pool) == 0 {
			return nil, fmt.Errorf("class %d has no examples", c)
		}
	}
	return pools, nil
}

func (g *UniformBagGenerator) Generate(dataset Dataset, nBags, bagSize int) (*tensor.Tensor, *tensor.Tensor, error) {
	if nBags <= 0 || bagSize <= 0 {
		return nil, nil, fmt.Errorf("nBags and bagSize must be positive, got %d and %d", nBags, bagSize)
	}
	pools, err := g.classPools(dataset)
	if err != nil {
		return nil, nil, err
	}

	indexes := make([]int32, nBags*bagSize)
	prevs := make([]float32, nBags*g.nClasses)

	for b := 0; b < nBags; b++ {
		prev := g.samplePrevalence()
		counts := g.prevalenceToCounts(prev, bagSize)

		pos := b * bagSize
		for c := 0; c < g.nClasses; c++ {
			pool := pools[c]
			for k := 0; k < counts[c]; k++ {
				indexes[pos] = int32(pool[g.rng.Intn(len(pool))])
				pos++
			}
			// Report the realized prevalence, not the drawn one.
			prevs[b*g.nClasses+c] = float32(counts[c]) / float32(bagSize)
		}
	}

	idxT, err := tensor.NewTensor([]int{nBags, bagSize}, tensor.Int32, indexes)
	if err != nil {
		return nil, nil, err
	}
	prevT, err := tensor.NewTensor([]int{nBags, g.nClasses}, tensor.Float32, prevs)
	if err != nil {
		return nil, nil, err
	}
	return idxT, prevT, nil
}

// samplePrevalence draws a point uniformly from the simplex using the
// Kraemer method: sorted uniforms and their gaps.
func (g *UniformBagGenerator) samplePrevalence() []float64 {
	cuts := make([]float64, g.nClasses-1)
	for i := range cuts {
		cuts[i] = g.rng.Float64()
	}
	sort.Float64s(cuts)

	prev := make([]float64, g.nClasses)
	last := 0.0
	for i, c := range cuts {
		prev[i] = c - last
		last = c
	}
	prev[g.nClasses-1] = 1 - last
	return prev
}

// prevalenceToCounts converts to integer class counts summing to bagSize,
// assigning leftover slots to the classes with the largest remainders.
func (g *UniformBagGenerator) prevalenceToCounts(prev []float64, bagSize int) []int {
	counts := make([]int, g.nClasses)
	type rem struct {
		class int
		frac  float64
	}
	rems := make([]rem, g.nClasses)
	total := 0
	for c, p := range prev {
		exact := p * float64(bagSize)
		counts[c] = int(exact)
		rems[c] = rem{c, exact - float64(counts[c])}
		total += counts[c]
	}
	sort.Slice(rems, func(i, j int) bool { return rems[i].frac > rems[j].frac })
	for i := 0; total < bagSize; i++ {
		counts[rems[i%g.nClasses].class]++
		total++
	}
	return counts
}

// UnlabeledBagGenerator subsamples bags uniformly from an unlabeled dataset.
// It returns no prevalence targets, which routes training to the
// unsupervised path.
type UnlabeledBagGenerator struct {
	rng *rand.Rand
}

func NewUnlabeledBagGenerator(seed int64) *UnlabeledBagGenerator {
	return &UnlabeledBagGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *UnlabeledBagGenerator) UsesLabels() bool { return false }

func (g *UnlabeledBagGenerator) Generate(dataset Dataset, nBags, bagSize int) (*tensor.Tensor, *tensor.Tensor, error) {
	if nBags <= 0 || bagSize <= 0 {
		return nil, nil, fmt.Errorf("nBags and bagSize must be positive, got %d and %d", nBags, bagSize)
	}
	n := dataset.Len()
	if n == 0 {
		return nil, nil, fmt.Errorf("cannot generate bags from an empty dataset")
	}
	indexes := make([]int32, nBags*bagSize)
	for i := range indexes {
		indexes[i] = int32(g.rng.Intn(n))
	}
	idxT, err := tensor.NewTensor([]int{nBags, bagSize}, tensor.Int32, indexes)
	if err != nil {
		return nil, nil, err
	}
	return idxT, nil, nil
}
