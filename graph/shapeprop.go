// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"k8s.io/klog/v2"

	"github.com/corundum-ml/corundum/types/shapes"
	"github.com/gomlx/exceptions"
)

// ShapePropContext is handed to OpInstance.PropagateShapes. It scopes the
// two shape primitives to the instance's declared nodes: read an input's
// current shape, merge a proposed shape into an output.
type ShapePropContext struct {
	g  *Graph
	op OpInstance

	// changed records whether any output shape was tightened, driving the
	// pass to its fixed point.
	changed bool
}

// InputShape returns the current (possibly partially known) shape of one of
// the instance's inputs. It panics if id is not declared as an input.
func (ctx *ShapePropContext) InputShape(id NodeID) shapes.Shape {
	if !slices.Contains(ctx.op.Inputs(), id) {
		exceptions.Panicf("ShapePropContext.InputShape(%d): not an input of operator %s", id, ctx.op.TypeName())
	}
	return ctx.g.nodeByID(id).shape.Clone()
}

// MergeOutputShape merges the proposed shape into the current constraint of
// one of the instance's outputs. Unknown dimensions unify permissively;
// known-vs-known mismatches fail with an ErrShapeProp-classed error carrying
// both shapes. Merging only tightens, never loosens.
//
// It panics if id is not declared as an output.
func (ctx *ShapePropContext) MergeOutputShape(id NodeID, proposed shapes.Shape) error {
	if !slices.Contains(ctx.op.Outputs(), id) {
		exceptions.Panicf("ShapePropContext.MergeOutputShape(%d): not an output of operator %s", id, ctx.op.TypeName())
	}
	data := ctx.g.nodeByID(id)
	merged, err := data.shape.Merge(proposed)
	if err != nil {
		return ShapePropErrorf("operator %s, output node %q: %v", ctx.op.TypeName(), data.name, err)
	}
	if !merged.Equal(data.shape) {
		data.shape = merged
		ctx.changed = true
	}
	return nil
}

// PropagateShapes runs the shape-propagation pass to a fixed point: node
// values seed their nodes' shapes, then every operator instance propagates
// input shapes to output shapes, repeatedly until nothing tightens anymore.
//
// The pass may be re-invoked after every graph mutation; updates are
// monotonic, so re-running on an already-converged graph is a no-op.
func (g *Graph) PropagateShapes() error {
	g = g.find()

	// Seed from assigned node values: a concrete value pins the dimensions
	// of its node (scalars set on higher-ranked nodes broadcast instead).
	for _, data := range g.nodes {
		if data.value == nil {
			continue
		}
		valueShape := data.value.Shape()
		if valueShape.IsScalar() && !data.shape.IsScalar() {
			continue
		}
		merged, err := data.shape.Merge(valueShape)
		if err != nil {
			return ShapePropErrorf("value of node %q: %v", data.name, err)
		}
		if !merged.Equal(data.shape) {
			data.shape = merged
		}
	}

	for pass := 1; ; pass++ {
		changed := false
		for _, op := range g.ops {
			ctx := &ShapePropContext{g: g, op: op}
			if err := op.PropagateShapes(ctx); err != nil {
				return err
			}
			changed = changed || ctx.changed
		}
		if !changed {
			klog.V(2).Infof("PropagateShapes(%s): fixed point after %d pass(es) over %d op(s)", g.name, pass, len(g.ops))
			return nil
		}
	}
}
