package tensor

import (
	"fmt"
)

// Convolution operations. Layouts follow the usual convention:
// 1D activations are [batch, channels, time], 2D activations are
// [batch, channels, height, width]. Conv1D weights are
// [outChannels, inChannels/groups, kernel]; ConvTranspose1D weights are
// [inChannels, outChannels, kernel]; Conv2D weights are
// [outChannels, inChannels, kh, kw].

// Conv1DOp implements a dilated, grouped 1D convolution.
type Conv1DOp struct {
	inputs  []*Tensor // x, w, optional b
	stride  int
	padding int
	dilation int
	groups  int
}

// Conv1D applies a 1D convolution with zero padding.
func Conv1D(x, w, b *Tensor, stride, padding, dilation, groups int) (*Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("Conv1D expects 3D input [batch, channels, time], got %v", x.Shape)
	}
	if len(w.Shape) != 3 {
		return nil, fmt.Errorf("Conv1D expects 3D weight [out, in/groups, kernel], got %v", w.Shape)
	}
	if stride < 1 || dilation < 1 || groups < 1 {
		return nil, fmt.Errorf("Conv1D: stride, dilation and groups must be positive (got %d, %d, %d)", stride, dilation, groups)
	}
	cin, cout, kernel := x.Shape[1], w.Shape[0], w.Shape[2]
	if cin%groups != 0 || cout%groups != 0 {
		return nil, fmt.Errorf("Conv1D: channels (%d in, %d out) not divisible by groups %d", cin, cout, groups)
	}
	if w.Shape[1] != cin/groups {
		return nil, fmt.Errorf("Conv1D: weight expects %d input channels per group, input has %d", w.Shape[1], cin/groups)
	}
	if b != nil && (len(b.Shape) != 1 || b.Shape[0] != cout) {
		return nil, fmt.Errorf("Conv1D: bias shape %v does not match %d output channels", b.Shape, cout)
	}
	tIn := x.Shape[2]
	tOut := (tIn+2*padding-dilation*(kernel-1)-1)/stride + 1
	if tOut < 1 {
		return nil, fmt.Errorf("Conv1D: kernel %d (dilation %d) does not fit input length %d with padding %d", kernel, dilation, tIn, padding)
	}

	op := &Conv1DOp{stride: stride, padding: padding, dilation: dilation, groups: groups}
	if b != nil {
		op.inputs = []*Tensor{x, w, b}
	} else {
		op.inputs = []*Tensor{x, w}
	}

	batch := x.Shape[0]
	out, _ := New([]int{batch, cout, tOut}, nil)
	cinG, coutG := cin/groups, cout/groups

	for n := 0; n < batch; n++ {
		for oc := 0; oc < cout; oc++ {
			g := oc / coutG
			outRow := out.Data[(n*cout+oc)*tOut:]
			for t := 0; t < tOut; t++ {
				var sum float32
				for icg := 0; icg < cinG; icg++ {
					ic := g*cinG + icg
					xRow := x.Data[(n*cin+ic)*tIn:]
					wRow := w.Data[(oc*cinG+icg)*kernel:]
					base := t*stride - padding
					for k := 0; k < kernel; k++ {
						ti := base + k*dilation
						if ti >= 0 && ti < tIn {
							sum += xRow[ti] * wRow[k]
						}
					}
				}
				if b != nil {
					sum += b.Data[oc]
				}
				outRow[t] = sum
			}
		}
	}

	requires := x.requiresGrad || w.requiresGrad || (b != nil && b.requiresGrad)
	Bind(out, op, requires)
	return out, nil
}

func (op *Conv1DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv1DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w := op.inputs[0], op.inputs[1]
	var b *Tensor
	if len(op.inputs) == 3 {
		b = op.inputs[2]
	}
	batch, cin, tIn := x.Shape[0], x.Shape[1], x.Shape[2]
	cout, kernel := w.Shape[0], w.Shape[2]
	tOut := gradOut.Shape[2]
	cinG, coutG := cin/op.groups, cout/op.groups

	gradX, _ := New(x.Shape, nil)
	gradW, _ := New(w.Shape, nil)
	var gradB *Tensor
	if b != nil {
		gradB, _ = New(b.Shape, nil)
	}

	for n := 0; n < batch; n++ {
		for oc := 0; oc < cout; oc++ {
			g := oc / coutG
			goRow := gradOut.Data[(n*cout+oc)*tOut:]
			for t := 0; t < tOut; t++ {
				gv := goRow[t]
				if gradB != nil {
					gradB.Data[oc] += gv
				}
				base := t*op.stride - op.padding
				for icg := 0; icg < cinG; icg++ {
					ic := g*cinG + icg
					xRow := x.Data[(n*cin+ic)*tIn:]
					gxRow := gradX.Data[(n*cin+ic)*tIn:]
					wRow := w.Data[(oc*cinG+icg)*kernel:]
					gwRow := gradW.Data[(oc*cinG+icg)*kernel:]
					for k := 0; k < kernel; k++ {
						ti := base + k*op.dilation
						if ti >= 0 && ti < tIn {
							gxRow[ti] += gv * wRow[k]
							gwRow[k] += gv * xRow[ti]
						}
					}
				}
			}
		}
	}

	if b != nil {
		return []*Tensor{gradX, gradW, gradB}
	}
	return []*Tensor{gradX, gradW}
}

// ConvTranspose1DOp implements a strided transposed 1D convolution.
type ConvTranspose1DOp struct {
	inputs  []*Tensor
	stride  int
	padding int
}

// ConvTranspose1D applies a transposed convolution, the upsampling primitive
// of the generator ladder. Output length is (T-1)*stride + kernel - 2*padding.
func ConvTranspose1D(x, w, b *Tensor, stride, padding int) (*Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("ConvTranspose1D expects 3D input [batch, channels, time], got %v", x.Shape)
	}
	if len(w.Shape) != 3 {
		return nil, fmt.Errorf("ConvTranspose1D expects 3D weight [in, out, kernel], got %v", w.Shape)
	}
	if x.Shape[1] != w.Shape[0] {
		return nil, fmt.Errorf("ConvTranspose1D: input channels %d do not match weight input channels %d", x.Shape[1], w.Shape[0])
	}
	if stride < 1 {
		return nil, fmt.Errorf("ConvTranspose1D: stride must be positive, got %d", stride)
	}
	cin, cout, kernel := w.Shape[0], w.Shape[1], w.Shape[2]
	if b != nil && (len(b.Shape) != 1 || b.Shape[0] != cout) {
		return nil, fmt.Errorf("ConvTranspose1D: bias shape %v does not match %d output channels", b.Shape, cout)
	}
	batch, tIn := x.Shape[0], x.Shape[2]
	tOut := (tIn-1)*stride + kernel - 2*padding
	if tOut < 1 {
		return nil, fmt.Errorf("ConvTranspose1D: non-positive output length for input %d, kernel %d, stride %d, padding %d", tIn, kernel, stride, padding)
	}

	op := &ConvTranspose1DOp{stride: stride, padding: padding}
	if b != nil {
		op.inputs = []*Tensor{x, w, b}
	} else {
		op.inputs = []*Tensor{x, w}
	}

	out, _ := New([]int{batch, cout, tOut}, nil)
	for n := 0; n < batch; n++ {
		for oc := 0; oc < cout; oc++ {
			outRow := out.Data[(n*cout+oc)*tOut:]
			if b != nil {
				for t := 0; t < tOut; t++ {
					outRow[t] = b.Data[oc]
				}
			}
			for ic := 0; ic < cin; ic++ {
				xRow := x.Data[(n*cin+ic)*tIn:]
				wRow := w.Data[(ic*cout+oc)*kernel:]
				for ti := 0; ti < tIn; ti++ {
					xv := xRow[ti]
					if xv == 0 {
						continue
					}
					base := ti*stride - padding
					for k := 0; k < kernel; k++ {
						t := base + k
						if t >= 0 && t < tOut {
							outRow[t] += xv * wRow[k]
						}
					}
				}
			}
		}
	}

	requires := x.requiresGrad || w.requiresGrad || (b != nil && b.requiresGrad)
	Bind(out, op, requires)
	return out, nil
}

func (op *ConvTranspose1DOp) Inputs() []*Tensor { return op.inputs }

func (op *ConvTranspose1DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w := op.inputs[0], op.inputs[1]
	var b *Tensor
	if len(op.inputs) == 3 {
		b = op.inputs[2]
	}
	batch, cin, tIn := x.Shape[0], x.Shape[1], x.Shape[2]
	cout, kernel := w.Shape[1], w.Shape[2]
	tOut := gradOut.Shape[2]

	gradX, _ := New(x.Shape, nil)
	gradW, _ := New(w.Shape, nil)
	var gradB *Tensor
	if b != nil {
		gradB, _ = New(b.Shape, nil)
		for n := 0; n < batch; n++ {
			for oc := 0; oc < cout; oc++ {
				goRow := gradOut.Data[(n*cout+oc)*tOut:]
				for t := 0; t < tOut; t++ {
					gradB.Data[oc] += goRow[t]
				}
			}
		}
	}

	for n := 0; n < batch; n++ {
		for ic := 0; ic < cin; ic++ {
			xRow := x.Data[(n*cin+ic)*tIn:]
			gxRow := gradX.Data[(n*cin+ic)*tIn:]
			for oc := 0; oc < cout; oc++ {
				goRow := gradOut.Data[(n*cout+oc)*tOut:]
				wRow := w.Data[(ic*cout+oc)*kernel:]
				gwRow := gradW.Data[(ic*cout+oc)*kernel:]
				for ti := 0; ti < tIn; ti++ {
					base := ti*op.stride - op.padding
					var gx float32
					for k := 0; k < kernel; k++ {
						t := base + k
						if t >= 0 && t < tOut {
							gx += goRow[t] * wRow[k]
							gwRow[k] += goRow[t] * xRow[ti]
						}
					}
					gxRow[ti] += gx
				}
			}
		}
	}

	if b != nil {
		return []*Tensor{gradX, gradW, gradB}
	}
	return []*Tensor{gradX, gradW}
}

// Conv2DOp implements a strided 2D convolution.
type Conv2DOp struct {
	inputs             []*Tensor
	strideH, strideW   int
	paddingH, paddingW int
}

// Conv2D applies a 2D convolution with zero padding. The period
// discriminators use tall kernels over the [time/period, period] grid.
func Conv2D(x, w, b *Tensor, strideH, strideW, paddingH, paddingW int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got %v", x.Shape)
	}
	if len(w.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D weight [out, in, kh, kw], got %v", w.Shape)
	}
	if x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("Conv2D: input channels %d do not match weight channels %d", x.Shape[1], w.Shape[1])
	}
	if strideH < 1 || strideW < 1 {
		return nil, fmt.Errorf("Conv2D: strides must be positive, got (%d, %d)", strideH, strideW)
	}
	cout, kh, kw := w.Shape[0], w.Shape[2], w.Shape[3]
	if b != nil && (len(b.Shape) != 1 || b.Shape[0] != cout) {
		return nil, fmt.Errorf("Conv2D: bias shape %v does not match %d output channels", b.Shape, cout)
	}
	batch, cin, hIn, wIn := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	hOut := (hIn+2*paddingH-kh)/strideH + 1
	wOut := (wIn+2*paddingW-kw)/strideW + 1
	if hOut < 1 || wOut < 1 {
		return nil, fmt.Errorf("Conv2D: kernel (%d, %d) does not fit input (%d, %d) with padding (%d, %d)", kh, kw, hIn, wIn, paddingH, paddingW)
	}

	op := &Conv2DOp{strideH: strideH, strideW: strideW, paddingH: paddingH, paddingW: paddingW}
	if b != nil {
		op.inputs = []*Tensor{x, w, b}
	} else {
		op.inputs = []*Tensor{x, w}
	}

	out, _ := New([]int{batch, cout, hOut, wOut}, nil)
	for n := 0; n < batch; n++ {
		for oc := 0; oc < cout; oc++ {
			outPlane := out.Data[(n*cout+oc)*hOut*wOut:]
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					var sum float32
					hBase := oh*strideH - paddingH
					wBase := ow*strideW - paddingW
					for ic := 0; ic < cin; ic++ {
						xPlane := x.Data[(n*cin+ic)*hIn*wIn:]
						wPlane := w.Data[(oc*cin+ic)*kh*kw:]
						for i := 0; i < kh; i++ {
							hi := hBase + i
							if hi < 0 || hi >= hIn {
								continue
							}
							for j := 0; j < kw; j++ {
								wi := wBase + j
								if wi >= 0 && wi < wIn {
									sum += xPlane[hi*wIn+wi] * wPlane[i*kw+j]
								}
							}
						}
					}
					if b != nil {
						sum += b.Data[oc]
					}
					outPlane[oh*wOut+ow] = sum
				}
			}
		}
	}

	requires := x.requiresGrad || w.requiresGrad || (b != nil && b.requiresGrad)
	Bind(out, op, requires)
	return out, nil
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w := op.inputs[0], op.inputs[1]
	var b *Tensor
	if len(op.inputs) == 3 {
		b = op.inputs[2]
	}
	batch, cin, hIn, wIn := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, kh, kw := w.Shape[0], w.Shape[2], w.Shape[3]
	hOut, wOut := gradOut.Shape[2], gradOut.Shape[3]

	gradX, _ := New(x.Shape, nil)
	gradW, _ := New(w.Shape, nil)
	var gradB *Tensor
	if b != nil {
		gradB, _ = New(b.Shape, nil)
	}

	for n := 0; n < batch; n++ {
		for oc := 0; oc < cout; oc++ {
			goPlane := gradOut.Data[(n*cout+oc)*hOut*wOut:]
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					gv := goPlane[oh*wOut+ow]
					if gradB != nil {
						gradB.Data[oc] += gv
					}
					hBase := oh*op.strideH - op.paddingH
					wBase := ow*op.strideW - op.paddingW
					for ic := 0; ic < cin; ic++ {
						xPlane := x.Data[(n*cin+ic)*hIn*wIn:]
						gxPlane := gradX.Data[(n*cin+ic)*hIn*wIn:]
						wPlane := w.Data[(oc*cin+ic)*kh*kw:]
						gwPlane := gradW.Data[(oc*cin+ic)*kh*kw:]
						for i := 0; i < kh; i++ {
							hi := hBase + i
							if hi < 0 || hi >= hIn {
								continue
							}
							for j := 0; j < kw; j++ {
								wi := wBase + j
								if wi >= 0 && wi < wIn {
									gxPlane[hi*wIn+wi] += gv * wPlane[i*kw+j]
									gwPlane[i*kw+j] += gv * xPlane[hi*wIn+wi]
								}
							}
						}
					}
				}
			}
		}
	}

	if b != nil {
		return []*Tensor{gradX, gradW, gradB}
	}
	return []*Tensor{gradX, gradW}
}

// AvgPool1DOp implements 1D average pooling with zero padding. Padded
// positions count toward the divisor.
type AvgPool1DOp struct {
	inputs  []*Tensor
	kernel  int
	stride  int
	padding int
}

// AvgPool1D downsamples the last dimension by averaging, the scale reduction
// used between the multi-scale discriminators.
func AvgPool1D(x *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("AvgPool1D expects 3D input [batch, channels, time], got %v", x.Shape)
	}
	if kernel < 1 || stride < 1 {
		return nil, fmt.Errorf("AvgPool1D: kernel and stride must be positive, got %d and %d", kernel, stride)
	}
	batch, ch, tIn := x.Shape[0], x.Shape[1], x.Shape[2]
	tOut := (tIn+2*padding-kernel)/stride + 1
	if tOut < 1 {
		return nil, fmt.Errorf("AvgPool1D: kernel %d does not fit input length %d with padding %d", kernel, tIn, padding)
	}

	op := &AvgPool1DOp{inputs: []*Tensor{x}, kernel: kernel, stride: stride, padding: padding}
	out, _ := New([]int{batch, ch, tOut}, nil)
	inv := 1 / float32(kernel)

	rows := batch * ch
	for r := 0; r < rows; r++ {
		in := x.Data[r*tIn : (r+1)*tIn]
		o := out.Data[r*tOut : (r+1)*tOut]
		for t := 0; t < tOut; t++ {
			var sum float32
			base := t*stride - padding
			for k := 0; k < kernel; k++ {
				ti := base + k
				if ti >= 0 && ti < tIn {
					sum += in[ti]
				}
			}
			o[t] = sum * inv
		}
	}

	Bind(out, op, x.requiresGrad)
	return out, nil
}

func (op *AvgPool1DOp) Inputs() []*Tensor { return op.inputs }

func (op *AvgPool1DOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	tIn := x.Shape[2]
	tOut := gradOut.Shape[2]
	grad, _ := New(x.Shape, nil)
	inv := 1 / float32(op.kernel)

	rows := x.Shape[0] * x.Shape[1]
	for r := 0; r < rows; r++ {
		g := grad.Data[r*tIn : (r+1)*tIn]
		gOut := gradOut.Data[r*tOut : (r+1)*tOut]
		for t := 0; t < tOut; t++ {
			gv := gOut[t] * inv
			base := t*op.stride - op.padding
			for k := 0; k < op.kernel; k++ {
				ti := base + k
				if ti >= 0 && ti < tIn {
					g[ti] += gv
				}
			}
		}
	}
	return []*Tensor{grad}
}
