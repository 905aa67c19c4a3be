// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the dense float64 tensor used as node storage
// by the execution engine.
//
// A Tensor is a fully defined shape plus a flat, row-major buffer: the
// innermost axis is contiguous. Operators access tensors through lanes --
// one lane is the contiguous run of elements along the innermost axis for a
// fixed combination of outer indices -- which is also the unit of data
// parallelism during execution.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/corundum-ml/corundum/types/shapes"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
)

// Tensor is a dense float64 value with a fully defined shape.
//
// Tensors are not thread-safe for mutation; during graph execution each lane
// is only written by one goroutine at a time.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// FromShape returns a zero-initialized Tensor of the given shape.
// The shape must be fully defined.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.IsFullyDefined() {
		exceptions.Panicf("tensors.FromShape(%s): shape must be fully defined", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// FromFlat returns a Tensor wrapping the given flat (row-major) data.
// The data is not copied, the tensor takes ownership.
func FromFlat(shape shapes.Shape, flat []float64) *Tensor {
	if !shape.IsFullyDefined() {
		exceptions.Panicf("tensors.FromFlat(%s): shape must be fully defined", shape)
	}
	if shape.Size() != len(flat) {
		exceptions.Panicf("tensors.FromFlat(%s): shape has %d elements, data has %d", shape, shape.Size(), len(flat))
	}
	return &Tensor{shape: shape.Clone(), flat: flat}
}

// FromScalar returns a rank-0 Tensor holding the given value.
func FromScalar(value float64) *Tensor {
	return &Tensor{shape: shapes.Scalar(), flat: []float64{value}}
}

// Ones returns a Tensor of the given shape filled with 1.
func Ones(shape shapes.Shape) *Tensor {
	t := FromShape(shape)
	t.Fill(1)
	return t
}

// Shape of the tensor. Always fully defined.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying row-major buffer. Mutations are visible to
// every holder of the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// LaneSize returns the length of one lane: the dimension of the innermost
// axis, or 1 for scalars.
func (t *Tensor) LaneSize() int {
	if t.shape.IsScalar() {
		return 1
	}
	return t.shape.Dim(-1)
}

// NumLanes returns how many independent lanes the tensor partitions into.
func (t *Tensor) NumLanes() int {
	return len(t.flat) / t.LaneSize()
}

// Lane returns the contiguous view of the lane-th lane. Lanes of the same
// tensor never overlap, so distinct lanes can be processed concurrently.
func (t *Tensor) Lane(lane int) []float64 {
	size := t.LaneSize()
	return t.flat[lane*size : (lane+1)*size]
}

// Zero resets all elements to 0.
func (t *Tensor) Zero() { t.Fill(0) }

// Fill sets all elements to the given value.
func (t *Tensor) Fill(value float64) {
	for ii := range t.flat {
		t.flat[ii] = value
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Equal reports exact equality of shape and contents.
func (t *Tensor) Equal(t2 *Tensor) bool {
	return t.shape.Equal(t2.shape) && slices.Equal(t.flat, t2.flat)
}

// InDelta reports whether t2 has the same shape and every element within
// delta of the corresponding element of t.
func (t *Tensor) InDelta(t2 *Tensor, delta float64) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	for ii, v := range t.flat {
		diff := v - t2.flat[ii]
		if diff < -delta || diff > delta {
			return false
		}
	}
	return true
}

// Memory returns the bytes used by the tensor buffer.
func (t *Tensor) Memory() uintptr {
	return uintptr(len(t.flat)) * 8
}

// String prints the shape, memory usage and, for small tensors, the values.
func (t *Tensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%s (%s)", t.shape, humanize.Bytes(uint64(t.Memory())))
	const maxElementsToPrint = 16
	if len(t.flat) <= maxElementsToPrint {
		_, _ = fmt.Fprintf(&sb, ": %v", t.flat)
	}
	return sb.String()
}
