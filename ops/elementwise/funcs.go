// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package elementwise

import (
	"github.com/corundum-ml/corundum/graph"
)

// IdentityFunc copies its input. Its gradient is another Identity, so it is
// differentiable to any order.
type IdentityFunc struct{}

func (IdentityFunc) Calc(x float64) float64 { return x }

func (IdentityFunc) TypeName() string { return "Identity" }

func (IdentityFunc) Grad(ctx *graph.GradientContext, input, output graph.NodeID) error {
	_, err := graph.Build(NewUnary[IdentityFunc](ctx.GradOf(output), ctx.GradOf(input)))
	return err
}

// AddFunc computes the elementwise sum. The gradient passes through
// unchanged to both inputs, so Add is differentiable to any order.
type AddFunc struct{}

func (AddFunc) Calc(x1, x2 float64) float64 { return x1 + x2 }

func (AddFunc) TypeName() string { return "Add" }

func (AddFunc) Grad(ctx *graph.GradientContext, input1, input2, output graph.NodeID) error {
	if _, err := graph.Build(NewUnary[IdentityFunc](ctx.GradOf(output), ctx.GradOf(input1))); err != nil {
		return err
	}
	_, err := graph.Build(NewUnary[IdentityFunc](ctx.GradOf(output), ctx.GradOf(input2)))
	return err
}

// MulFunc computes the elementwise product. Its backward instances are Mul
// again (grad_in1 += input2 * grad_out and vice versa), so Mul supports
// higher-order differentiation.
type MulFunc struct{}

func (MulFunc) Calc(x1, x2 float64) float64 { return x1 * x2 }

func (MulFunc) TypeName() string { return "Mul" }

func (MulFunc) Grad(ctx *graph.GradientContext, input1, input2, output graph.NodeID) error {
	gradOut := ctx.GradOf(output)
	if _, err := graph.Build(NewBinary[MulFunc](ctx.Node(input2), gradOut, ctx.GradOf(input1))); err != nil {
		return err
	}
	_, err := graph.Build(NewBinary[MulFunc](ctx.Node(input1), gradOut, ctx.GradOf(input2)))
	return err
}
