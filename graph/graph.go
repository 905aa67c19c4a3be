// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the core package for Corundum: a reverse-mode
// automatic-differentiation engine over computation graphs of dense tensors.
//
// The main elements in the package are:
//
//   - Graph: the sole owner of node storage and operator instances. Nodes
//     and operators are appended, never deleted. Graphs built separately are
//     unified with MergeGraphs before their nodes are combined by one
//     operator.
//
//   - Node: a lightweight handle (NodeID plus owning graph) to one
//     tensor-valued vertex. A node carries a name, a shape constraint that is
//     tightened by shape propagation, and optionally a value or an
//     initializer.
//
//   - OpSpecification / OpInstance: the two forms of an operator. The
//     Specification is the mutable, user-facing configuration; Build lowers
//     it into the immutable, executable and differentiable Instance,
//     registered with the graph. See ops.go.
//
//   - Calc / CalcWithParams: forward execution. Operator instances run in
//     dependency order, each reading its inputs' storage and accumulating
//     (+=) into its outputs' storage. See exec.go.
//
//   - Gradient: reverse-mode differentiation. Walks the producing operators
//     of a target in reverse dependency order and asks each instance to emit
//     its backward operators, which accumulate into per-node gradient
//     accumulators. See rev_autodiff.go.
//
// Errors are returned, never deferred: Build, shape propagation, execution
// and gradient construction each have their own error class (see errors.go).
// Misuse of handles and indices -- programming errors rather than graph
// configuration errors -- panics, following the exceptions package
// conventions.
package graph

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/corundum-ml/corundum/internal/workerspool"
	"github.com/corundum-ml/corundum/types/shapes"
	"github.com/corundum-ml/corundum/types/tensors"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
)

// NodeID is the identity of a node. IDs are unique across the whole process,
// so merging graphs never renumbers nodes and stored IDs stay valid.
type NodeID int64

// InvalidNodeID is the id of the zero Node handle.
const InvalidNodeID = NodeID(-1)

var nextNodeID atomic.Int64

// Graph owns the nodes and operator instances of one computation.
//
// A Graph is mutated only while it is being constructed (node creation,
// Build, MergeGraphs, Gradient) and construction is single-writer: it must
// not be raced from multiple goroutines. Execution (Calc/CalcWithParams) is
// read-only with respect to the graph structure once shapes reached their
// fixed point and leaf values are materialized, so executions may then run
// concurrently.
type Graph struct {
	id   uuid.UUID
	name string

	// mergedInto points to the graph this one was absorbed by, nil for a
	// live (root) graph. All methods resolve through find().
	mergedInto *Graph

	nodes []*nodeData
	byID  map[NodeID]*nodeData
	ops   []OpInstance

	nameCounts map[string]int
	rng        *rand.Rand
	pool       *workerspool.Pool
}

// New returns a new empty Graph.
func New() *Graph {
	id := uuid.New()
	seed1 := binary.BigEndian.Uint64(id[:8])
	seed2 := binary.BigEndian.Uint64(id[8:])
	return &Graph{
		id:         id,
		name:       fmt.Sprintf("graph_%s", id.String()[:8]),
		byID:       make(map[NodeID]*nodeData),
		nameCounts: make(map[string]int),
		rng:        rand.New(rand.NewPCG(seed1, seed2)),
		pool:       workerspool.New(),
	}
}

// NewNamed returns a new empty Graph with the given name, used in logs and
// String().
func NewNamed(name string) *Graph {
	g := New()
	g.name = name
	return g
}

// find resolves merge forwarding: it returns the live graph this handle
// currently stands for, compressing the forwarding path on the way.
func (g *Graph) find() *Graph {
	if g.mergedInto == nil {
		return g
	}
	root := g.mergedInto.find()
	g.mergedInto = root
	return root
}

// ID returns the graph identity. Merged graphs report the identity of the
// graph they were absorbed into.
func (g *Graph) ID() uuid.UUID { return g.find().id }

// Name of the graph.
func (g *Graph) Name() string { return g.find().name }

// NumNodes returns how many nodes the graph owns.
func (g *Graph) NumNodes() int { return len(g.find().nodes) }

// NumOps returns how many operator instances are registered.
func (g *Graph) NumOps() int { return len(g.find().ops) }

// Ops returns the registered operator instances in registration order.
// The returned slice is owned by the graph and must not be modified.
func (g *Graph) Ops() []OpInstance { return g.find().ops }

// Nodes returns handles to every node, in creation order.
func (g *Graph) Nodes() []Node {
	g = g.find()
	all := make([]Node, len(g.nodes))
	for ii, data := range g.nodes {
		all[ii] = Node{g: g, id: data.id}
	}
	return all
}

// Pool returns the worker pool used for data-parallel operator execution.
// Adjust its parallelism before executing.
func (g *Graph) Pool() *workerspool.Pool { return g.find().pool }

// String summarizes the graph: name, counts and memory held by node values.
func (g *Graph) String() string {
	g = g.find()
	var mem uintptr
	for _, data := range g.nodes {
		if data.value != nil {
			mem += data.value.Memory()
		}
	}
	return fmt.Sprintf("Graph %q: %d node(s), %d op(s), %s of node values",
		g.name, len(g.nodes), len(g.ops), humanize.Bytes(uint64(mem)))
}

// MergeGraphs unifies the given graphs into one logical owner and returns
// it. After merging, every node handle of every given graph reports the same
// owning graph, and operators may combine their nodes.
//
// Merging is idempotent and commutative over the set of graphs merged:
// repeated or reordered calls end with the same single owner.
func MergeGraphs(graphs ...*Graph) *Graph {
	if len(graphs) == 0 {
		return nil
	}
	root := graphs[0].find()
	for _, g := range graphs[1:] {
		g = g.find()
		if g == root {
			continue
		}
		root.absorb(g)
	}
	return root
}

// absorb moves all nodes and operators of other into g and leaves other as a
// forwarding shell.
func (g *Graph) absorb(other *Graph) {
	g.nodes = append(g.nodes, other.nodes...)
	for id, data := range other.byID {
		g.byID[id] = data
	}
	g.ops = append(g.ops, other.ops...)
	for name, count := range other.nameCounts {
		g.nameCounts[name] += count
	}
	other.nodes = nil
	other.byID = nil
	other.ops = nil
	other.nameCounts = nil
	other.mergedInto = g
}

// NewNode creates a node with the given shape constraint and returns its
// handle. The shape may contain unknown dimensions to be resolved by shape
// propagation; its rank is fixed.
func (g *Graph) NewNode(shape shapes.Shape) Node {
	g = g.find()
	id := NodeID(nextNodeID.Add(1) - 1)
	data := &nodeData{
		id:    id,
		name:  fmt.Sprintf("node_%d", id),
		shape: shape.Clone(),
	}
	g.nodes = append(g.nodes, data)
	g.byID[id] = data
	return Node{g: g, id: id}
}

// NodeFromID returns the handle for a node id owned by this graph. It panics
// if the graph doesn't own a node with that id: instances only hold ids of
// nodes registered at build time, so a miss is a programming error.
func (g *Graph) NodeFromID(id NodeID) Node {
	g = g.find()
	if _, found := g.byID[id]; !found {
		exceptions.Panicf("graph %q does not own a node with id %d", g.name, id)
	}
	return Node{g: g, id: id}
}

// nodeByID returns the node storage for the id, or nil.
func (g *Graph) nodeByID(id NodeID) *nodeData {
	return g.find().byID[id]
}

// registerOp appends the instance to the graph. Registration order is the
// construction order; true dependency order is recomputed by forwardPlan.
func (g *Graph) registerOp(op OpInstance) {
	g = g.find()
	g.ops = append(g.ops, op)
}

// uniqueName reserves and returns a name not yet taken in the graph,
// suffixing a counter when needed.
func (g *Graph) uniqueName(name string) string {
	g = g.find()
	count := g.nameCounts[name]
	g.nameCounts[name] = count + 1
	if count == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, count)
}

// forwardPlan returns the operator instances needed to produce the target
// nodes, topologically sorted over the bipartite node/operator dependency
// graph. A dependency cycle is a fatal construction error, reported as
// ErrBuild.
func (g *Graph) forwardPlan(targets []NodeID) ([]OpInstance, error) {
	g = g.find()
	producers := make(map[NodeID][]OpInstance)
	for _, op := range g.ops {
		for _, out := range op.Outputs() {
			producers[out] = append(producers[out], op)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[OpInstance]int)
	var plan []OpInstance

	var visitNode func(id NodeID) error
	var visitOp func(op OpInstance) error
	visitOp = func(op OpInstance) error {
		switch state[op] {
		case done:
			return nil
		case visiting:
			return BuildErrorf("dependency cycle detected involving operator %s", op.TypeName())
		}
		state[op] = visiting
		for _, in := range op.Inputs() {
			if err := visitNode(in); err != nil {
				return err
			}
		}
		state[op] = done
		plan = append(plan, op)
		return nil
	}
	visitNode = func(id NodeID) error {
		for _, op := range producers[id] {
			if err := visitOp(op); err != nil {
				return err
			}
		}
		return nil
	}

	for _, target := range targets {
		if err := visitNode(target); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// materializeLeaf fills in the node's value from its initializer on first
// use. The value sticks: later executions see the same sampled tensor.
func (g *Graph) materializeLeaf(data *nodeData) (*tensors.Tensor, error) {
	if data.value != nil || data.init == nil {
		return data.value, nil
	}
	if !data.shape.IsFullyDefined() {
		return nil, ShapePropErrorf("cannot initialize node %q: shape %s is not fully resolved", data.name, data.shape)
	}
	data.value = data.init(g.rng, data.shape)
	if !data.value.Shape().Equal(data.shape) {
		return nil, ExecErrorf("initializer of node %q returned shape %s, want %s", data.name, data.value.Shape(), data.shape)
	}
	return data.value, nil
}
