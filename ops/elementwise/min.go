// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package elementwise

import (
	"math"

	"github.com/corundum-ml/corundum/graph"
)

// MinFunc computes the elementwise minimum of two inputs.
//
// Gradient tie-break: the upstream gradient is routed to an input only where
// it is strictly smaller than the other; on exact ties both inputs receive
// zero gradient. Both backward instances use a strict comparison, so the
// behavior is symmetric and exactly reproducible by numeric-gradient checks
// away from ties.
type MinFunc struct{}

func (MinFunc) Calc(x1, x2 float64) float64 { return math.Min(x1, x2) }

func (MinFunc) TypeName() string { return "Min" }

func (MinFunc) Grad(ctx *graph.GradientContext, input1, input2, output graph.NodeID) error {
	// One backward instance per input, with the inputs swapped for the
	// second so the strict comparison mirrors.
	if _, err := graph.Build(NewTernary[MinBackFunc](
		ctx.Node(input1), ctx.Node(input2), ctx.GradOf(output), ctx.GradOf(input1))); err != nil {
		return err
	}
	_, err := graph.Build(NewTernary[MinBackFunc](
		ctx.Node(input2), ctx.Node(input1), ctx.GradOf(output), ctx.GradOf(input2)))
	return err
}

// MinBackFunc is the backward operator of Min for one input slot:
// input1 is that input of Min, input2 the other input, and input3 the
// gradient of Min's output. The result, accumulated into input1's gradient,
// is the upstream gradient where input1 is strictly smaller, else zero.
//
// It has no defined second derivative.
type MinBackFunc struct{}

func (MinBackFunc) Calc(x1, x2, x3 float64) float64 {
	if x1 < x2 {
		return x3
	}
	return 0
}

func (MinBackFunc) TypeName() string { return "MinBack" }

func (MinBackFunc) Grad(ctx *graph.GradientContext, input1, input2, input3, output graph.NodeID) error {
	return graph.ErrGradientUnimplemented
}
