package features

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Convolve computes the 3D convolution of data with kernel, zero-padded
// at the borders, returning a tensor of data's shape. Along each axis
//
//	out[i] = sum_m kernel[m] * data[i + k/2 - m]
//
// with out-of-range reads taken as 0. Products are accumulated in float64
// and stored as float32.
func Convolve(data, kernel *tensor.Dense) *tensor.Dense {
	ds, ks := data.Shape(), kernel.Shape()
	if ds.Dims() != 3 || ks.Dims() != 3 {
		panic(fmt.Sprintf("features: Convolve needs rank-3 tensors, got %v and %v", ds, ks))
	}

	in, w := float32s(data), float32s(kernel)
	T, H, W := ds[0], ds[1], ds[2]
	kt, kh, kw := ks[0], ks[1], ks[2]
	plane := H * W

	acc := make([]float64, T*H*W)
	for mt := range kt {
		dt := kt/2 - mt
		for mh := range kh {
			dh := kh/2 - mh
			for mw := range kw {
				weight := float64(w[(mt*kh+mh)*kw+mw])
				if weight == 0 {
					continue
				}
				dw := kw/2 - mw

				t0, t1 := span(T, dt)
				h0, h1 := span(H, dh)
				w0, w1 := span(W, dw)
				for t := t0; t < t1; t++ {
					for h := h0; h < h1; h++ {
						row := t*plane + h*W
						src := (t+dt)*plane + (h+dh)*W + dw
						for x := w0; x < w1; x++ {
							acc[row+x] += weight * float64(in[src+x])
						}
					}
				}
			}
		}
	}

	out := make([]float32, len(acc))
	for i, v := range acc {
		out[i] = float32(v)
	}
	return tensor.New(tensor.WithShape(T, H, W), tensor.WithBacking(out))
}

// span returns the output indices i in [0, n) for which i+shift is also in range
func span(n, shift int) (int, int) {
	return max(0, -shift), min(n, n-shift)
}

// validRange is the interior kept after convolving an axis of length n
// with a kernel of extent k
func validRange(n, k int) (int, int) {
	lo, hi := k/2, n-(k-k/2-1)
	if hi < lo {
		return lo, lo
	}
	return lo, hi
}

// validRegionSum sums the convolution output over the interior that does
// not depend on padding for a kernel of shape ks
func validRegionSum(out *tensor.Dense, ks tensor.Shape) float64 {
	s := out.Shape()
	T, H, W := s[0], s[1], s[2]
	t0, t1 := validRange(T, ks[0])
	h0, h1 := validRange(H, ks[1])
	w0, w1 := validRange(W, ks[2])

	data := float32s(out)
	var sum float64
	for t := t0; t < t1; t++ {
		for h := h0; h < h1; h++ {
			row := t*H*W + h*W
			for x := w0; x < w1; x++ {
				sum += float64(data[row+x])
			}
		}
	}
	return sum
}

func float32s(t *tensor.Dense) []float32 {
	switch d := t.Data().(type) {
	case []float32:
		return d
	case float32:
		return []float32{d}
	default:
		panic(fmt.Sprintf("features: expected float32 tensor, got %v", t.Dtype()))
	}
}
