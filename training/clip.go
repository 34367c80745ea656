package training

import (
	"math"

	"github.com/Torrentov/hw4-nv/tensor"
)

// GradNorm returns the global L2 norm over the gradients of the parameter
// set. Parameters without gradients are skipped.
func GradNorm(params []*tensor.Tensor) float64 {
	var sum float64
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for _, v := range g.Data {
			sum += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients in place so the global norm does not
// exceed maxNorm, and returns the pre-clip norm. A maxNorm <= 0 disables
// clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := float32(maxNorm / norm)
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for i := range g.Data {
			g.Data[i] *= scale
		}
	}
	return norm
}

// GradsFinite reports whether every gradient in the parameter set is finite.
func GradsFinite(params []*tensor.Tensor) bool {
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		if !g.IsFinite() {
			return false
		}
	}
	return true
}
