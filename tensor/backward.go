package tensor

import "fmt"

// Backward runs reverse-mode differentiation from t, accumulating gradients
// into every tensor in the graph that requires them. For scalar losses the
// seed gradient is ones.
func Backward(t *Tensor) error {
	seed, err := Ones(t.Shape, Float32)
	if err != nil {
		return err
	}
	return BackwardWithGrad(t, seed)
}

// BackwardWithGrad runs reverse-mode differentiation with an explicit seed
// gradient matching t's shape.
func BackwardWithGrad(t *Tensor, seed *Tensor) error {
	if !shapesEqual(t.Shape, seed.Shape) {
		return fmt.Errorf("seed gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}
	if !t.requiresGrad && t.creator == nil {
		return fmt.Errorf("tensor does not require gradients")
	}

	order, err := topoSort(t)
	if err != nil {
		return err
	}

	if err := t.AccumulateGrad(seed); err != nil {
		return err
	}

	// Walk in reverse topological order, pushing each node's gradient to its
	// operation inputs.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		grads, err := node.creator.Backward(node.grad)
		if err != nil {
			return fmt.Errorf("backward failed: %v", err)
		}
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("backward produced %d gradients for %d inputs", len(grads), len(inputs))
		}
		for j, in := range inputs {
			if !in.requiresGrad && in.creator == nil {
				continue
			}
			if err := in.AccumulateGrad(grads[j]); err != nil {
				return err
			}
		}
		// Interior gradients are no longer needed once propagated.
		if !node.requiresGradLeaf() {
			node.grad = nil
		}
	}

	return nil
}

// requiresGradLeaf reports whether the tensor is a graph leaf whose gradient
// must survive the backward pass (a parameter).
func (t *Tensor) requiresGradLeaf() bool {
	return t.requiresGrad && t.creator == nil
}

// topoSort returns the graph nodes reachable from root in topological order
// (inputs before outputs).
func topoSort(root *Tensor) ([]*Tensor, error) {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	visiting := make(map[*Tensor]bool)

	var visit func(t *Tensor) error
	visit = func(t *Tensor) error {
		if visited[t] {
			return nil
		}
		if visiting[t] {
			return fmt.Errorf("cycle detected in computation graph")
		}
		visiting[t] = true
		if t.creator != nil {
			for _, in := range t.creator.Inputs() {
				if err := visit(in); err != nil {
					return err
				}
			}
		}
		visiting[t] = false
		visited[t] = true
		order = append(order, t)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

// Detach returns a copy of the tensor severed from the computation graph.
func Detach(t *Tensor) (*Tensor, error) {
	clone, err := t.Clone()
	if err != nil {
		return nil, err
	}
	clone.requiresGrad = false
	clone.creator = nil
	return clone, nil
}
