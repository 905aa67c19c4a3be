// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

// This file implements reverse-mode automatic differentiation as a
// graph-to-graph transformation: Gradient walks the operator instances that
// produce a target node in reverse dependency order, and asks each instance
// to emit its backward operators. Backward operators are ordinary forward
// instances whose outputs are gradient accumulator nodes; since execution
// accumulates (+=) into produced nodes, a node consumed by several operators
// collects the sum of all its gradient contributions without any explicit
// merge step. Accumulation is commutative, so the construction order of
// backward operators does not affect the result; only the execution-time
// floating-point summation order is unspecified (but fixed within one run).

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/corundum-ml/corundum/types/tensors"
)

// GradientContext is handed to OpInstance.Gradient. It exposes the closure
// the backward construction needs: handles to the forward nodes, and the
// gradient accumulator node of any node in the instance's input/output sets.
type GradientContext struct {
	g            *Graph
	accumulators map[NodeID]Node
}

// Node returns the handle of a forward node, for backward operators that
// need the forward value (e.g. both inputs of Min).
func (ctx *GradientContext) Node(id NodeID) Node {
	return ctx.g.NodeFromID(id)
}

// GradOf returns the gradient accumulator node for the given node, creating
// it on first request: a fresh node shaped like the original, zero by
// default, that backward operators accumulate into.
//
// For an instance's outputs the accumulator is read (the upstream gradient);
// for its inputs it is the target the emitted backward operators produce.
func (ctx *GradientContext) GradOf(id NodeID) Node {
	if acc, found := ctx.accumulators[id]; found {
		return acc
	}
	data := ctx.g.nodeByID(id)
	acc := ctx.g.NewNode(data.shape).
		SetNameUnique(fmt.Sprintf("grad_of_%s", data.name)).
		SetInit(ConstantInit(0))
	ctx.accumulators[id] = acc
	return acc
}

// Gradient builds the backward subgraph of output with respect to the wrt
// nodes and returns their gradient accumulator nodes, in order. The
// accumulators are ordinary nodes: execute them with Calc.
//
// The gradient of output with respect to itself is seeded with 1. For
// chained differentiation seed with GradientWithUpstream instead.
//
// Each call rebuilds its backward subgraph with fresh accumulators, so
// repeated calls stay consistent (at the cost of growing the graph);
// previously returned accumulators remain valid.
func Gradient(output Node, wrt ...Node) ([]Node, error) {
	return GradientWithUpstream(output, nil, wrt...)
}

// GradientWithUpstream is Gradient with a caller-supplied upstream gradient
// tensor for output, used to chain differentiation through a larger
// computation. upstream == nil seeds the identity gradient (ones).
func GradientWithUpstream(output Node, upstream *tensors.Tensor, wrt ...Node) ([]Node, error) {
	g := output.Graph()
	for _, n := range wrt {
		if n.Graph() != g {
			return nil, GradientErrorf("node %q belongs to graph %q; merge with the output's graph %q first",
				n, n.Graph().Name(), g.Name())
		}
	}
	if err := g.PropagateShapes(); err != nil {
		return nil, err
	}

	outputShape := g.nodeByID(output.ID()).shape
	var seedValue *tensors.Tensor
	if upstream != nil {
		if _, err := outputShape.Merge(upstream.Shape()); err != nil {
			return nil, GradientErrorf("upstream gradient: %v", err)
		}
		seedValue = upstream.Clone()
	} else {
		if !outputShape.IsFullyDefined() {
			return nil, GradientErrorf("cannot seed identity gradient: shape %s of output %q not fully resolved",
				outputShape, output)
		}
		seedValue = tensors.Ones(outputShape)
	}
	seed := g.NewNode(seedValue.Shape()).
		SetNameUnique(fmt.Sprintf("grad_of_%s", output.Name())).
		SetValue(seedValue)

	plan, err := g.forwardPlan([]NodeID{output.ID()})
	if err != nil {
		return nil, err
	}

	// useful marks the nodes reachable from a wrt node; operators feeding
	// only non-wrt leaves need no backward construction.
	useful := make(map[NodeID]bool, len(wrt))
	for _, n := range wrt {
		useful[n.ID()] = true
	}
	for _, op := range plan {
		anyInputUseful := false
		for _, id := range op.Inputs() {
			if useful[id] {
				anyInputUseful = true
				break
			}
		}
		if anyInputUseful {
			for _, id := range op.Outputs() {
				useful[id] = true
			}
		}
	}

	ctx := &GradientContext{
		g:            g,
		accumulators: map[NodeID]Node{output.ID(): seed},
	}
	built := 0
	for ii := len(plan) - 1; ii >= 0; ii-- {
		op := plan[ii]
		hasUpstreamGrad := false
		for _, id := range op.Outputs() {
			if _, found := ctx.accumulators[id]; found {
				hasUpstreamGrad = true
				break
			}
		}
		anyInputUseful := false
		for _, id := range op.Inputs() {
			if useful[id] {
				anyInputUseful = true
				break
			}
		}
		if !hasUpstreamGrad || !anyInputUseful {
			continue
		}
		if err := op.Gradient(ctx); err != nil {
			return nil, errors.WithMessagef(err, "building gradient of operator %s", op.TypeName())
		}
		built++
	}
	klog.V(1).Infof("Gradient(%s wrt %d node(s)): visited %d op(s), built backward for %d", output, len(wrt), len(plan), built)

	grads := make([]Node, len(wrt))
	for ii, n := range wrt {
		grads[ii] = ctx.GradOf(n.ID())
	}
	// Resolve the shapes of the freshly built backward subgraph, surfacing
	// structural errors here rather than at the first Calc.
	if err := g.PropagateShapes(); err != nil {
		return nil, err
	}
	return grads, nil
}
