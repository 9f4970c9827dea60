// Package kernels holds the fixed 3D convolution kernels used to turn
// frame blocks into feature vectors.
//
// The bank order is part of the on-disk feature format: position i of
// every cached or exported vector is the response to kernel i.
package kernels

import (
	"sync"

	"gorgonia.org/tensor"
)

// Kernel is an immutable (time, height, width) float32 filter
type Kernel struct {
	Name string
	Data *tensor.Dense
}

// Shape returns the (time, height, width) extent
func (k Kernel) Shape() tensor.Shape {
	return k.Data.Shape()
}

// Bank is an ordered, read-only set of kernels
type Bank struct {
	kernels []Kernel
}

// Kernel names in bank order
const (
	MotionLeft  = "motion_left"
	MotionRight = "motion_right"
	MotionUp    = "motion_up"
	MotionDown  = "motion_down"
	Shape       = "shape"
	Invert      = "invert"
	Emerge      = "emerge"
)

var defaultBank = sync.OnceValue(New)

// Default returns the process-wide standard bank
func Default() *Bank {
	return defaultBank()
}

// New builds the standard seven-kernel bank
func New() *Bank {
	laplacian := [3][3]float32{
		{0, -1, 0},
		{-1, 4, -1},
		{0, -1, 0},
	}
	sobel := [3][3]float32{
		{-1, 0, 1},
		{-2, 0, 2},
		{-1, 0, 1},
	}

	return NewBank(
		motion(MotionLeft, [3]int{0, 1, 2}, [3]int{2, 1, 0}),
		motion(MotionRight, [3]int{0, 1, 0}, [3]int{2, 1, 2}),
		motion(MotionUp, [3]int{0, 2, 1}, [3]int{2, 0, 1}),
		motion(MotionDown, [3]int{0, 0, 1}, [3]int{2, 2, 1}),
		repeated(Shape, laplacian, 3, 1.0/9),
		Kernel{
			Name: Invert,
			Data: tensor.New(tensor.WithShape(2, 1, 1), tensor.WithBacking([]float32{1, -1})),
		},
		repeated(Emerge, sobel, 3, 1.0/9),
	)
}

// NewBank wraps an explicit kernel list, mostly for tests
func NewBank(kernels ...Kernel) *Bank {
	return &Bank{kernels: kernels}
}

// Len is the feature vector length produced with this bank
func (b *Bank) Len() int {
	return len(b.kernels)
}

// Kernels returns the kernels in bank order. Callers must not modify them.
func (b *Bank) Kernels() []Kernel {
	return b.kernels
}

// Names returns kernel names in bank order
func (b *Bank) Names() []string {
	names := make([]string, len(b.kernels))
	for i, k := range b.kernels {
		names[i] = k.Name
	}
	return names
}

// motion builds a 3x3x3 kernel with -1 at from (first frame) and +1 at
// to (last frame)
func motion(name string, from, to [3]int) Kernel {
	data := make([]float32, 27)
	data[from[0]*9+from[1]*3+from[2]] = -1
	data[to[0]*9+to[1]*3+to[2]] = 1
	return Kernel{
		Name: name,
		Data: tensor.New(tensor.WithShape(3, 3, 3), tensor.WithBacking(data)),
	}
}

// repeated stacks a scaled 2D filter depth times along the time axis
func repeated(name string, plane [3][3]float32, depth int, scale float32) Kernel {
	data := make([]float32, 0, depth*9)
	for range depth {
		for _, row := range plane {
			for _, v := range row {
				data = append(data, v*scale)
			}
		}
	}
	return Kernel{
		Name: name,
		Data: tensor.New(tensor.WithShape(depth, 3, 3), tensor.WithBacking(data)),
	}
}
