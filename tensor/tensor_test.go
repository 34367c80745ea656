package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensor(t *testing.T) {
	tt, err := New([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, tt.Shape)
	assert.Equal(t, []int{3, 1}, tt.Strides)
	assert.Equal(t, 6, tt.NumElems)

	v, err := tt.At(1, 2)
	require.NoError(t, err)
	assert.Equal(t, float32(6), v)
}

func TestNewTensorRejectsBadShapes(t *testing.T) {
	_, err := New([]int{2, 0}, nil)
	assert.Error(t, err)

	_, err = New([]int{2, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestElementwiseOps(t *testing.T) {
	a, _ := New([]int{3}, []float32{1, 2, 3})
	b, _ := New([]int{3}, []float32{4, 5, 6})

	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 7, 9}, sum.Data)

	diff, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{-3, -3, -3}, diff.Data)

	prod, err := Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 10, 18}, prod.Data)

	scaled := Scale(a, 2)
	assert.Equal(t, []float32{2, 4, 6}, scaled.Data)
}

func TestBackwardThroughAddMul(t *testing.T) {
	a, _ := New([]int{2}, []float32{2, 3})
	b, _ := New([]int{2}, []float32{5, 7})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	// loss = mean(a * b + a)
	out := AddAutograd(MulAutograd(a, b), a)
	loss := MeanAutograd(out)
	require.NoError(t, loss.Backward())

	// d loss/d a_i = (b_i + 1) / 2, d loss/d b_i = a_i / 2
	require.NotNil(t, a.Grad())
	require.NotNil(t, b.Grad())
	assert.InDelta(t, 3.0, a.Grad().Data[0], 1e-6)
	assert.InDelta(t, 4.0, a.Grad().Data[1], 1e-6)
	assert.InDelta(t, 1.0, b.Grad().Data[0], 1e-6)
	assert.InDelta(t, 1.5, b.Grad().Data[1], 1e-6)
}

func TestBackwardAccumulatesSharedInput(t *testing.T) {
	a, _ := New([]int{1}, []float32{3})
	a.SetRequiresGrad(true)

	// loss = mean(a * a), gradient 2a
	loss := SquareMeanAutograd(a)
	require.NoError(t, loss.Backward())
	assert.InDelta(t, 6.0, a.Grad().Data[0], 1e-6)
}

func TestDetachStopsGradient(t *testing.T) {
	a, _ := New([]int{2}, []float32{1, 2})
	a.SetRequiresGrad(true)

	inner := ScaleAutograd(a, 3)
	detached := inner.Detach()
	assert.False(t, detached.RequiresGrad())
	assert.Nil(t, detached.Creator())
}

func TestZeroGrad(t *testing.T) {
	a, _ := New([]int{2}, []float32{1, 2})
	a.SetRequiresGrad(true)
	loss := MeanAutograd(a)
	require.NoError(t, loss.Backward())
	require.NotNil(t, a.Grad())

	ZeroGrad([]*Tensor{a})
	assert.Equal(t, []float32{0, 0}, a.Grad().Data)
}

func TestPad1DReflect(t *testing.T) {
	a, _ := New([]int{1, 1, 4}, []float32{1, 2, 3, 4})
	padded := Pad1DAutograd(a, 2, 1, PadReflect)
	assert.Equal(t, []int{1, 1, 7}, padded.Shape)
	assert.Equal(t, []float32{3, 2, 1, 2, 3, 4, 3}, padded.Data)
}

func TestPad1DConstant(t *testing.T) {
	a, _ := New([]int{1, 1, 3}, []float32{1, 2, 3})
	padded := Pad1DAutograd(a, 0, 2, PadConstant)
	assert.Equal(t, []float32{1, 2, 3, 0, 0}, padded.Data)
}

func TestReshapePreservesGradient(t *testing.T) {
	a, _ := New([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	a.SetRequiresGrad(true)
	r := ReshapeAutograd(a, []int{3, 2})
	assert.Equal(t, []int{3, 2}, r.Shape)

	loss := MeanAutograd(r)
	require.NoError(t, loss.Backward())
	assert.Equal(t, []int{2, 3}, a.Grad().Shape)
}

func TestConv1DShape(t *testing.T) {
	x, _ := New([]int{1, 2, 8}, nil)
	w, _ := New([]int{4, 2, 3}, nil)
	out, err := Conv1D(x, w, nil, 1, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 8}, out.Shape)

	out, err = Conv1D(x, w, nil, 2, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4}, out.Shape)
}

func TestConv1DKnownValues(t *testing.T) {
	// Identity-like kernel: single input channel, kernel [0, 1, 0].
	x, _ := New([]int{1, 1, 5}, []float32{1, 2, 3, 4, 5})
	w, _ := New([]int{1, 1, 3}, []float32{0, 1, 0})
	out, err := Conv1D(x, w, nil, 1, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, out.Data)
}

func TestConv1DGroups(t *testing.T) {
	x, _ := New([]int{1, 4, 6}, nil)
	for i := range x.Data {
		x.Data[i] = float32(i%7) - 3
	}
	w, _ := New([]int{4, 2, 3}, nil)
	for i := range w.Data {
		w.Data[i] = float32(i%5) * 0.1
	}
	out, err := Conv1D(x, w, nil, 1, 1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 6}, out.Shape)

	// Mismatched group channel count must fail.
	wBad, _ := New([]int{4, 4, 3}, nil)
	_, err = Conv1D(x, wBad, nil, 1, 1, 1, 2)
	assert.Error(t, err)
}

func TestConvTranspose1DDoublesLength(t *testing.T) {
	// kernel = 2*stride, padding = stride/2 keeps T_out = T_in * stride
	x, _ := New([]int{1, 2, 5}, nil)
	w, _ := New([]int{2, 1, 4}, nil)
	out, err := ConvTranspose1D(x, w, nil, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 10}, out.Shape)

	w16, _ := New([]int{2, 1, 16}, nil)
	out, err = ConvTranspose1D(x, w16, nil, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 40}, out.Shape)
}

func TestAvgPool1D(t *testing.T) {
	x, _ := New([]int{1, 1, 4}, []float32{2, 4, 6, 8})
	out, err := AvgPool1D(x, 2, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2}, out.Shape)
	assert.Equal(t, []float32{3, 7}, out.Data)
}

// numericalGrad estimates d mean(f(x)) / d x_i by central differences.
func numericalGrad(t *testing.T, x *Tensor, f func() *Tensor) []float32 {
	t.Helper()
	const eps = 1e-2
	grads := make([]float32, x.NumElems)
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus, err := f().Item()
		require.NoError(t, err)
		x.Data[i] = orig - eps
		minus, err := f().Item()
		require.NoError(t, err)
		x.Data[i] = orig
		grads[i] = (plus - minus) / (2 * eps)
	}
	return grads
}

func TestConv1DGradientMatchesNumerical(t *testing.T) {
	x, _ := RandomNormal([]int{1, 2, 6}, 0, 1)
	w, _ := RandomNormal([]int{3, 2, 3}, 0, 0.5)
	b, _ := RandomNormal([]int{3}, 0, 0.5)
	x.SetRequiresGrad(true)
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	forward := func() *Tensor {
		out, err := Conv1D(x, w, b, 2, 1, 1, 1)
		require.NoError(t, err)
		return MeanAutograd(out)
	}

	loss := forward()
	require.NoError(t, loss.Backward())

	for name, pair := range map[string]struct {
		param *Tensor
	}{"x": {x}, "w": {w}, "b": {b}} {
		want := numericalGrad(t, pair.param, forward)
		got := pair.param.Grad().Data
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-2, "param %s index %d", name, i)
		}
	}
}

func TestConvTranspose1DGradientMatchesNumerical(t *testing.T) {
	x, _ := RandomNormal([]int{1, 2, 4}, 0, 1)
	w, _ := RandomNormal([]int{2, 3, 4}, 0, 0.5)
	x.SetRequiresGrad(true)
	w.SetRequiresGrad(true)

	forward := func() *Tensor {
		out, err := ConvTranspose1D(x, w, nil, 2, 1)
		require.NoError(t, err)
		return MeanAutograd(out)
	}

	loss := forward()
	require.NoError(t, loss.Backward())

	wantX := numericalGrad(t, x, forward)
	for i := range wantX {
		assert.InDelta(t, wantX[i], x.Grad().Data[i], 1e-2)
	}
	wantW := numericalGrad(t, w, forward)
	for i := range wantW {
		assert.InDelta(t, wantW[i], w.Grad().Data[i], 1e-2)
	}
}

func TestConv2DGradientMatchesNumerical(t *testing.T) {
	x, _ := RandomNormal([]int{1, 1, 6, 3}, 0, 1)
	w, _ := RandomNormal([]int{2, 1, 3, 1}, 0, 0.5)
	x.SetRequiresGrad(true)
	w.SetRequiresGrad(true)

	forward := func() *Tensor {
		out, err := Conv2D(x, w, nil, 2, 1, 1, 0)
		require.NoError(t, err)
		return MeanAutograd(out)
	}

	loss := forward()
	require.NoError(t, loss.Backward())

	wantX := numericalGrad(t, x, forward)
	for i := range wantX {
		assert.InDelta(t, wantX[i], x.Grad().Data[i], 1e-2)
	}
	wantW := numericalGrad(t, w, forward)
	for i := range wantW {
		assert.InDelta(t, wantW[i], w.Grad().Data[i], 1e-2)
	}
}

func TestTanhGradient(t *testing.T) {
	x, _ := New([]int{3}, []float32{-1, 0, 1})
	x.SetRequiresGrad(true)

	loss := MeanAutograd(TanhAutograd(x))
	require.NoError(t, loss.Backward())

	want := numericalGrad(t, x, func() *Tensor {
		return MeanAutograd(TanhAutograd(x))
	})
	for i := range want {
		assert.InDelta(t, want[i], x.Grad().Data[i], 1e-3)
	}
}

func TestIsFinite(t *testing.T) {
	a, _ := New([]int{2}, []float32{1, 2})
	assert.True(t, a.IsFinite())

	big := float32(1e38)
	a.Data[1] = big * big // +Inf
	assert.False(t, a.IsFinite())
}
