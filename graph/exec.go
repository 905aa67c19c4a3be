// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"k8s.io/klog/v2"

	"github.com/corundum-ml/corundum/types/tensors"
	"github.com/gomlx/exceptions"
)

// ParamsMap carries per-execution overrides for leaf node values. Keys are
// matched by node identity, so handles created before a graph merge work.
type ParamsMap map[Node]*tensors.Tensor

// ExecutionContext is handed to OpInstance.Execute. It exposes the
// instance's inputs and outputs as dense, contiguous-per-lane tensors, and
// the data-parallel loop operators use to process lanes.
type ExecutionContext struct {
	g       *Graph
	op      OpInstance
	storage map[NodeID]*tensors.Tensor
}

// GetInputStandard returns the dense storage of one of the instance's
// inputs. The tensor is read-only from the operator's point of view. It
// panics if id is not declared as an input of the running instance.
func (ctx *ExecutionContext) GetInputStandard(id NodeID) *tensors.Tensor {
	if !slices.Contains(ctx.op.Inputs(), id) {
		exceptions.Panicf("ExecutionContext.GetInputStandard(%d): not an input of operator %s", id, ctx.op.TypeName())
	}
	return ctx.storage[id]
}

// GetOutputStandard returns the dense storage of one of the instance's
// outputs, to be accumulated (+=) into. The buffer was zero-initialized
// exactly once, before any of the node's producers ran. It panics if id is
// not declared as an output of the running instance.
func (ctx *ExecutionContext) GetOutputStandard(id NodeID) *tensors.Tensor {
	if !slices.Contains(ctx.op.Outputs(), id) {
		exceptions.Panicf("ExecutionContext.GetOutputStandard(%d): not an output of operator %s", id, ctx.op.TypeName())
	}
	return ctx.storage[id]
}

// ParallelFor partitions n independent pieces of work (typically lanes)
// among the graph's worker pool and returns when all completed. No piece may
// observe or mutate data written by another.
func (ctx *ExecutionContext) ParallelFor(n int, fn func(i int)) {
	ctx.g.pool.ParallelFor(n, fn)
}

// Calc executes the forward graph and returns the values of the requested
// output nodes, in order.
func (g *Graph) Calc(outputs ...Node) ([]*tensors.Tensor, error) {
	return g.CalcWithParams(nil, outputs...)
}

// CalcWithParams executes the forward graph with per-call leaf values.
//
// The execution first runs shape propagation to its fixed point, then walks
// the producing operator instances of the outputs in dependency order. Nodes
// produced by at least one operator get a buffer zero-initialized exactly
// once, which every producer accumulates (+=) into; leaf nodes take their
// value from params, from SetValue, or from their initializer (sampled once,
// then kept). A scalar leaf value broadcasts to the node's shape.
//
// Storage is allocated per call: repeated executions are independent, and
// once shapes converged and leaf initializers are materialized, concurrent
// executions of the same graph are safe.
//
// A failing operator aborts the pass at that operator; downstream storage is
// discarded.
func (g *Graph) CalcWithParams(params ParamsMap, outputs ...Node) ([]*tensors.Tensor, error) {
	g = g.find()
	if len(outputs) == 0 {
		return nil, ExecErrorf("no output nodes requested")
	}
	targets := make([]NodeID, len(outputs))
	for ii, n := range outputs {
		if n.Graph() != g {
			return nil, ExecErrorf("output node %q belongs to graph %q, not %q", n, n.Graph().Name(), g.Name())
		}
		targets[ii] = n.ID()
	}
	byID := make(map[NodeID]*tensors.Tensor, len(params))
	for n, value := range params {
		if n.Graph() != g {
			return nil, ExecErrorf("parameter node %q belongs to graph %q, not %q", n, n.Graph().Name(), g.Name())
		}
		byID[n.ID()] = value
	}

	if err := g.PropagateShapes(); err != nil {
		return nil, err
	}
	plan, err := g.forwardPlan(targets)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Calc(%s): %d op(s) for %d output(s)", g.name, len(plan), len(outputs))

	// Nodes touched by the plan, in a deterministic order.
	produced := make(map[NodeID]bool)
	var involved []NodeID
	seen := make(map[NodeID]bool)
	touch := func(id NodeID) {
		if !seen[id] {
			seen[id] = true
			involved = append(involved, id)
		}
	}
	for _, op := range plan {
		for _, id := range op.Inputs() {
			touch(id)
		}
		for _, id := range op.Outputs() {
			touch(id)
			produced[id] = true
		}
	}
	for _, id := range targets {
		touch(id)
	}

	storage := make(map[NodeID]*tensors.Tensor, len(involved))
	for _, id := range involved {
		data := g.nodeByID(id)
		if produced[id] {
			if _, overridden := byID[id]; overridden {
				return nil, ExecErrorf("node %q is produced by an operator, its value cannot be passed as a parameter", data.name)
			}
			if !data.shape.IsFullyDefined() {
				return nil, ShapePropErrorf("shape of node %q not fully resolved: %s", data.name, data.shape)
			}
			storage[id] = tensors.FromShape(data.shape)
			continue
		}
		value, found := byID[id]
		if !found {
			value, err = g.materializeLeaf(data)
			if err != nil {
				return nil, err
			}
		}
		if value == nil {
			return nil, ExecErrorf("node %q has no value, initializer or parameter", data.name)
		}
		storage[id], err = leafStorage(data, value)
		if err != nil {
			return nil, err
		}
	}

	ctx := &ExecutionContext{g: g, storage: storage}
	for _, op := range plan {
		ctx.op = op
		var opErr error
		if exception := exceptions.TryCatch[error](func() { opErr = op.Execute(ctx) }); exception != nil {
			return nil, ExecErrorf("operator %s panicked: %v", op.TypeName(), exception)
		}
		if opErr != nil {
			return nil, opErr
		}
	}

	results := make([]*tensors.Tensor, len(targets))
	for ii, id := range targets {
		results[ii] = storage[id]
	}
	return results, nil
}

// leafStorage adapts a leaf value to the node's shape constraint: compatible
// shapes pass through (zero copy, the tensor is only read), scalars
// broadcast to higher-ranked nodes.
func leafStorage(data *nodeData, value *tensors.Tensor) (*tensors.Tensor, error) {
	if value.Shape().IsScalar() && !data.shape.IsScalar() {
		if !data.shape.IsFullyDefined() {
			return nil, ShapePropErrorf("cannot broadcast scalar value to node %q: shape %s not fully resolved", data.name, data.shape)
		}
		broadcast := tensors.FromShape(data.shape)
		broadcast.Fill(value.Flat()[0])
		return broadcast, nil
	}
	if _, err := data.shape.Merge(value.Shape()); err != nil {
		return nil, ExecErrorf("value of node %q has shape %s, want %s", data.name, value.Shape(), data.shape)
	}
	return value, nil
}
