// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/corundum-ml/corundum/types/shapes"
	"github.com/corundum-ml/corundum/types/tensors"
	"github.com/gomlx/exceptions"
)

// nodeData is the graph-owned storage of one node.
type nodeData struct {
	id    NodeID
	name  string
	shape shapes.Shape
	value *tensors.Tensor
	init  Initializer
}

// Node is a lightweight handle to one tensor-valued vertex of a Graph. The
// Graph owns the storage; the handle is freely copyable.
//
// Node identity is its NodeID: handles created before and after a graph
// merge compare different as structs but refer to the same node. Compare
// with ID(), not ==.
//
// The setters return the Node itself, so creation chains fluently:
//
//	x := g.NewNode(shapes.Make(13, 33)).SetName("x").SetInit(UniformInit(-1, 1))
type Node struct {
	g  *Graph
	id NodeID
}

// NewNode creates a node with the given shape on a new graph of its own.
// Operators that combine nodes from different graphs merge them first.
func NewNode(shape shapes.Shape) Node {
	return New().NewNode(shape)
}

// IsValid distinguishes a real handle from the zero Node.
func (n Node) IsValid() bool { return n.g != nil && n.id != InvalidNodeID }

// ID returns the node identity, stable across graph merges.
func (n Node) ID() NodeID {
	if n.g == nil {
		return InvalidNodeID
	}
	return n.id
}

// Graph returns the node's current owning graph. After MergeGraphs, handles
// to merged nodes all report the same owner.
func (n Node) Graph() *Graph {
	n.data() // Validates the handle.
	return n.g.find()
}

// data panics on invalid handles: using the zero Node is a programming error.
func (n Node) data() (data *nodeData) {
	if n.g == nil {
		exceptions.Panicf("use of zero graph.Node handle")
	}
	data = n.g.nodeByID(n.id)
	if data == nil {
		exceptions.Panicf("node id %d is not owned by graph %q", n.id, n.g.Name())
	}
	return data
}

// Shape returns the node's current shape constraint. It tightens as shape
// propagation runs; it never loosens.
func (n Node) Shape() shapes.Shape { return n.data().shape.Clone() }

// Name returns the node name, by default "node_<id>".
func (n Node) Name() string { return n.data().name }

// SetName renames the node. No uniqueness is enforced; see SetNameUnique.
func (n Node) SetName(name string) Node {
	n.data().name = name
	return n
}

// SetNameUnique renames the node, appending a counter if the name is already
// taken in the graph.
func (n Node) SetNameUnique(name string) Node {
	data := n.data()
	data.name = n.g.find().uniqueName(name)
	return n
}

// Value returns the node's current value, or nil if it has none. Leaf nodes
// get their execution-time inputs from here (or from an initializer, or from
// per-call parameters).
func (n Node) Value() *tensors.Tensor { return n.data().value }

// SetValue assigns the node's value and tightens the node shape with the
// value's shape. As a convenience a scalar value may be set on a
// higher-ranked node: execution broadcasts it to the node's shape.
//
// It panics if the value shape conflicts with the node's shape constraint.
func (n Node) SetValue(value *tensors.Tensor) Node {
	data := n.data()
	if !value.Shape().IsScalar() || data.shape.IsScalar() {
		merged, err := data.shape.Merge(value.Shape())
		if err != nil {
			exceptions.Panicf("SetValue on node %q: %v", data.name, err)
		}
		data.shape = merged
	}
	data.value = value
	return n
}

// SetInit assigns an initializer, sampled once on the node's first execution
// and then kept as the node value.
func (n Node) SetInit(init Initializer) Node {
	n.data().init = init
	return n
}

// String returns the node name.
func (n Node) String() string {
	if !n.IsValid() {
		return "Node<invalid>"
	}
	return n.Name()
}

// Calc executes the forward graph up to this node and returns its value.
// See Graph.Calc for the execution semantics.
func (n Node) Calc() (*tensors.Tensor, error) {
	results, err := n.Graph().Calc(n)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}
