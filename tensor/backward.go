package tensor

import (
	"fmt"
)

// Backward runs reverse-mode differentiation from a scalar tensor,
// accumulating gradients into every reachable tensor with requiresGrad set.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("Backward requires a scalar tensor, got shape %v", t.Shape)
	}
	seed, _ := Ones(t.Shape)
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad runs reverse-mode differentiation with an explicit output
// gradient of the same shape as t.
func (t *Tensor) BackwardWithGrad(seed *Tensor) error {
	if !shapesEqual(t.Shape, seed.Shape) {
		return fmt.Errorf("seed gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("Backward called on a tensor that does not require grad")
	}

	order := topoSort(t)
	t.accumulateGrad(seed)

	// Walk outputs before inputs so each tensor's gradient is complete
	// before its creator distributes it.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		grads := node.creator.Backward(node.grad)
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation %T returned %d gradients for %d inputs", node.creator, len(grads), len(inputs))
		}
		for j, input := range inputs {
			if grads[j] == nil || !input.requiresGrad {
				continue
			}
			input.accumulateGrad(grads[j])
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = g.Clone()
		return
	}
	for i := range t.grad.Data {
		t.grad.Data[i] += g.Data[i]
	}
}

// topoSort returns the tensors reachable from root ordered so that every
// operation input precedes its output.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(*Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, input := range t.creator.Inputs() {
				visit(input)
			}
		}
		order = append(order, t)
	}
	visit(root)
	return order
}

// ZeroGrad clears the accumulated gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}
