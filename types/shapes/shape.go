// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the per-node description of a tensor's rank
// and per-axis dimensions used throughout the computation graph.
//
// A Shape has a fixed rank, but individual dimensions may be unknown
// (UnknownDim) until shape propagation resolves them. Shapes unify through
// Merge: an unknown dimension accepts any concrete size, two concrete sizes
// must be equal. Merging never loosens a constraint, which is what allows the
// shape-propagation pass to run to a fixed point.
//
// ## Glossary
//
//   - Rank: number of axes of a tensor.
//   - Axis: the index of a dimension. Axis 0 is the outermost, the last axis
//     is the innermost (contiguous in storage).
//   - Dimension: the size of a tensor along one axis.
//   - Scalar: a shape with rank 0, holding a single value.
//   - Lane: all the elements along the innermost axis for one fixed
//     combination of outer indices.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// UnknownDim marks an axis whose dimension has not been resolved yet.
const UnknownDim = -1

// Shape represents the rank and per-axis dimensions of a tensor, or the
// partially known shape constraint of a node in a computation graph.
//
// The zero value is a scalar shape. Use Make or Unknown to create shapes
// with rank > 0.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape with the given dimensions. Dimensions must be
// positive, or UnknownDim for axes still to be inferred.
//
// It panics on invalid dimensions: this is a programming error, not a
// graph-construction error.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 && dim != UnknownDim {
			exceptions.Panicf("shapes.Make(%v): dimensions must be positive or UnknownDim", dimensions)
		}
	}
	return s
}

// Unknown returns a Shape of the given rank with all dimensions unknown.
func Unknown(rank int) Shape {
	if rank < 0 {
		exceptions.Panicf("shapes.Unknown(%d): rank must be non-negative", rank)
	}
	s := Shape{Dimensions: make([]int, rank)}
	for axis := range s.Dimensions {
		s.Dimensions[axis] = UnknownDim
	}
	return s
}

// Scalar returns the rank-0 shape.
func Scalar() Shape { return Shape{} }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axis values count
// from the end, so Dim(-1) is the innermost axis. It panics on out-of-bounds
// axes, like slice indexing.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// IsFullyDefined returns whether every dimension is concrete.
func (s Shape) IsFullyDefined() bool {
	return !slices.Contains(s.Dimensions, UnknownDim)
}

// Size returns the number of elements held by the shape, the product of all
// dimensions. It panics if the shape is not fully defined.
func (s Shape) Size() (size int) {
	if !s.IsFullyDefined() {
		exceptions.Panicf("Shape.Size() on shape %s with unknown dimensions", s)
	}
	size = 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares rank and dimensions, unknowns included.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Merge unifies two shape constraints and returns the tightened result.
//
// Ranks must match. Per axis, an unknown dimension unifies with anything;
// two concrete dimensions must be equal, otherwise an error is returned with
// both conflicting shapes. Merge only ever tightens: the result is at least
// as constrained as both operands.
func (s Shape) Merge(s2 Shape) (Shape, error) {
	if s.Rank() != s2.Rank() {
		return Shape{}, errors.Errorf("cannot merge shapes %s and %s: ranks differ (%d vs %d)",
			s, s2, s.Rank(), s2.Rank())
	}
	merged := s.Clone()
	for axis, dim := range s2.Dimensions {
		switch {
		case merged.Dimensions[axis] == UnknownDim:
			merged.Dimensions[axis] = dim
		case dim == UnknownDim || dim == merged.Dimensions[axis]:
			// Already at least as tight.
		default:
			return Shape{}, errors.Errorf("cannot merge shapes %s and %s: axis %d has conflicting dimensions %d vs %d",
				s, s2, axis, merged.Dimensions[axis], dim)
		}
	}
	return merged, nil
}

// String implements fmt.Stringer, printing unknown dimensions as "?".
func (s Shape) String() string {
	if s.IsScalar() {
		return "[scalar]"
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		if dim == UnknownDim {
			parts = append(parts, "?")
		} else {
			parts = append(parts, fmt.Sprintf("%d", dim))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// HasShape is satisfied by anything that can report its Shape: shapes.Shape
// itself, tensors and graph nodes.
type HasShape interface {
	Shape() Shape
}
