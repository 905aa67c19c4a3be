// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

// This file defines the Specification/Instance split every operator plugs
// into. An OpSpecification is the mutable, user-facing configuration of one
// operator: it references nodes by handle and carries tunable parameters.
// Build validates it and lowers it into an OpInstance -- immutable,
// referencing nodes only by NodeID -- registered with the owning graph.

// OpSpecification is the buildable configuration of one operator.
//
// Implementations should be cheap to copy and chain fluent setters for their
// parameters. A Specification is single-use: after a successful Build it
// should not be mutated or built again.
type OpSpecification interface {
	// TypeName identifies the operator kind in diagnostics, e.g. "Min".
	TypeName() string

	// Inputs returns the nodes the operator reads. Order is meaningful,
	// duplicates are allowed (an operator may read one node twice).
	Inputs() []Node

	// Outputs returns the nodes the operator accumulates into.
	Outputs() []Node

	// CloneWithNodesChanged returns a copy of the specification with nodes
	// substituted according to the mapping (keyed by node identity). Nodes
	// absent from the mapping are kept. Used to clone a subgraph onto
	// different nodes.
	CloneWithNodesChanged(changes map[NodeID]Node) OpSpecification

	// BuildInstance lowers the specification into an instance, or fails
	// with an ErrBuild-classed error. Called by Build, which handles
	// validation of graph ownership and registration.
	BuildInstance() (OpInstance, error)
}

// OpInstance is the immutable, executable and differentiable lowering of an
// OpSpecification. Its input/output NodeID sets never change; remapping onto
// other nodes goes through AsSpecification + CloneWithNodesChanged + Build.
type OpInstance interface {
	// TypeName identifies the operator kind in diagnostics.
	TypeName() string

	// Inputs returns the ids of the nodes the instance reads.
	Inputs() []NodeID

	// Outputs returns the ids of the nodes the instance accumulates into.
	Outputs() []NodeID

	// AsSpecification reconstructs an equivalent specification for
	// introspection or cloning. The graph resolves ids back into handles.
	AsSpecification(g *Graph) OpSpecification

	// PropagateShapes infers or constrains the shapes of the instance's
	// outputs from its inputs' current shapes. It must be re-invocable and
	// apply only monotonically-tightening updates; see ShapePropContext.
	PropagateShapes(ctx *ShapePropContext) error

	// Execute reads the declared inputs' storage and accumulates (+=) into
	// the declared outputs' storage. Lanes may be processed in parallel via
	// ExecutionContext.ParallelFor. A shape/size mismatch at this point is
	// an invariant violation, returned as an ErrExec-classed error.
	Execute(ctx *ExecutionContext) error

	// Gradient emits the backward operators of this instance into the
	// graph: new forward-shaped instances whose execution accumulates into
	// the gradient nodes obtained from ctx.GradOf. Operators without a
	// defined adjoint return ErrGradientUnimplemented.
	Gradient(ctx *GradientContext) error
}

// Build validates and lowers spec, registering the resulting instance with
// the owning graph. On error nothing is registered and the graph is left
// untouched.
//
// All of the specification's nodes must already share one owning graph:
// Build does not merge. Callers combining nodes from separately built graphs
// invoke MergeGraphs first (the operator helper functions do this).
func Build(spec OpSpecification) (OpInstance, error) {
	outputs := spec.Outputs()
	if len(outputs) == 0 {
		return nil, BuildErrorf("operator %s declares no outputs", spec.TypeName())
	}
	var g *Graph
	for _, n := range append(spec.Inputs(), outputs...) {
		if !n.IsValid() {
			return nil, BuildErrorf("operator %s references an invalid (zero) node", spec.TypeName())
		}
		owner := n.Graph()
		if g == nil {
			g = owner
		} else if owner != g {
			return nil, BuildErrorf("operator %s combines nodes of different graphs (%q and %q): call MergeGraphs first",
				spec.TypeName(), g.Name(), owner.Name())
		}
	}

	instance, err := spec.BuildInstance()
	if err != nil {
		return nil, err
	}
	// The instance must only reference nodes the graph owns.
	for _, id := range append(instance.Inputs(), instance.Outputs()...) {
		if g.nodeByID(id) == nil {
			return nil, BuildErrorf("operator %s instance references node id %d not owned by graph %q",
				spec.TypeName(), id, g.Name())
		}
	}
	g.registerOp(instance)
	return instance, nil
}
