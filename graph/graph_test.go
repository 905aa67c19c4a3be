// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corundum-ml/corundum/types/shapes"
	"github.com/corundum-ml/corundum/types/tensors"
)

// scaleSpec is a minimal operator used across the package tests:
// output += factor * input. Its gradient is another Scale with the same
// factor, so it is differentiable to any order.
type scaleSpec struct {
	input, output Node
	factor        float64
}

func (s *scaleSpec) TypeName() string { return "Scale" }

func (s *scaleSpec) Inputs() []Node  { return []Node{s.input} }
func (s *scaleSpec) Outputs() []Node { return []Node{s.output} }

func (s *scaleSpec) CloneWithNodesChanged(changes map[NodeID]Node) OpSpecification {
	clone := &scaleSpec{input: s.input, output: s.output, factor: s.factor}
	if replacement, found := changes[s.input.ID()]; found {
		clone.input = replacement
	}
	if replacement, found := changes[s.output.ID()]; found {
		clone.output = replacement
	}
	return clone
}

func (s *scaleSpec) BuildInstance() (OpInstance, error) {
	if s.factor == 0 {
		return nil, BuildErrorf("Scale factor must not be zero")
	}
	return &scaleInstance{input: s.input.ID(), output: s.output.ID(), factor: s.factor}, nil
}

type scaleInstance struct {
	input, output NodeID
	factor        float64
}

func (s *scaleInstance) TypeName() string { return "Scale" }

func (s *scaleInstance) Inputs() []NodeID  { return []NodeID{s.input} }
func (s *scaleInstance) Outputs() []NodeID { return []NodeID{s.output} }

func (s *scaleInstance) AsSpecification(g *Graph) OpSpecification {
	return &scaleSpec{input: g.NodeFromID(s.input), output: g.NodeFromID(s.output), factor: s.factor}
}

func (s *scaleInstance) PropagateShapes(ctx *ShapePropContext) error {
	return ctx.MergeOutputShape(s.output, ctx.InputShape(s.input))
}

func (s *scaleInstance) Execute(ctx *ExecutionContext) error {
	input := ctx.GetInputStandard(s.input)
	output := ctx.GetOutputStandard(s.output)
	if !input.Shape().Equal(output.Shape()) {
		return ExecErrorf("Scale: input shape %s does not match output shape %s", input.Shape(), output.Shape())
	}
	ctx.ParallelFor(output.NumLanes(), func(lane int) {
		in, out := input.Lane(lane), output.Lane(lane)
		for ii, x := range in {
			out[ii] += s.factor * x
		}
	})
	return nil
}

func (s *scaleInstance) Gradient(ctx *GradientContext) error {
	_, err := Build(&scaleSpec{input: ctx.GradOf(s.output), output: ctx.GradOf(s.input), factor: s.factor})
	return err
}

// applyScale builds a Scale of input into a fresh same-shaped output node.
func applyScale(t *testing.T, input Node, factor float64) Node {
	output := input.Graph().NewNode(input.Shape()).
		SetNameUnique(fmt.Sprintf("scale(%s)", input))
	_, err := Build(&scaleSpec{input: input, output: output, factor: factor})
	require.NoError(t, err)
	return output
}

func TestMergeGraphs(t *testing.T) {
	gA, gB := NewNamed("a"), NewNamed("b")
	nA := gA.NewNode(shapes.Make(2))
	nB := gB.NewNode(shapes.Make(3))
	require.NotSame(t, nA.Graph(), nB.Graph())

	root := MergeGraphs(gA, gB)
	require.Same(t, root, nA.Graph())
	require.Same(t, root, nB.Graph())
	require.Equal(t, 2, root.NumNodes())

	// Handles created before the merge still resolve on the merged owner.
	require.Equal(t, nA.Name(), root.NodeFromID(nA.ID()).Name())
	assert.Equal(t, shapes.Make(3), nB.Shape())
}

func TestMergeThenBuildAcrossGraphs(t *testing.T) {
	gA, gB := NewNamed("a"), NewNamed("b")
	n1 := gA.NewNode(shapes.Make(2)).SetName("n1").
		SetValue(tensors.FromFlat(shapes.Make(2), []float64{1, 2}))
	n2 := gB.NewNode(shapes.Make(2)).SetName("n2")

	// Building across unmerged graphs fails; after the merge the same
	// specification builds and executes.
	_, err := Build(&scaleSpec{input: n1, output: n2, factor: 2})
	require.ErrorIs(t, err, ErrBuild)

	MergeGraphs(gA, gB)
	require.Same(t, n1.Graph(), n2.Graph())
	_, err = Build(&scaleSpec{input: n1, output: n2, factor: 2})
	require.NoError(t, err)

	got, err := n2.Calc()
	require.NoError(t, err)
	require.True(t, tensors.FromFlat(shapes.Make(2), []float64{2, 4}).Equal(got))
}

func TestMergeGraphsIdempotentAndCommutative(t *testing.T) {
	gA, gB, gC := NewNamed("a"), NewNamed("b"), NewNamed("c")
	nA, nB, nC := gA.NewNode(shapes.Make(1)), gB.NewNode(shapes.Make(1)), gC.NewNode(shapes.Make(1))

	root := MergeGraphs(gA, gB)
	// Merging again, in any order and through any handle, keeps the owner.
	require.Same(t, root, MergeGraphs(gB, gA))
	require.Same(t, root, MergeGraphs(gC, gB))
	require.Same(t, root, MergeGraphs(gA, gC, gB))

	require.Equal(t, 3, root.NumNodes())
	for _, n := range []Node{nA, nB, nC} {
		require.Same(t, root, n.Graph())
	}
}

func TestNodeNaming(t *testing.T) {
	g := New()
	n1 := g.NewNode(shapes.Scalar()).SetNameUnique("x")
	n2 := g.NewNode(shapes.Scalar()).SetNameUnique("x")
	n3 := g.NewNode(shapes.Scalar()).SetNameUnique("x")
	assert.Equal(t, "x", n1.Name())
	assert.Equal(t, "x_1", n2.Name())
	assert.Equal(t, "x_2", n3.Name())
	assert.Equal(t, "x_1", n2.String())

	n3.SetName("y")
	assert.Equal(t, "y", n3.Name())
}

func TestNodeHandleMisusePanics(t *testing.T) {
	g := New()
	require.Panics(t, func() { g.NodeFromID(NodeID(1 << 40)) })

	var zero Node
	require.False(t, zero.IsValid())
	require.Equal(t, InvalidNodeID, zero.ID())
	require.Panics(t, func() { zero.Shape() })

	// A handle from another graph is not owned here.
	other := New().NewNode(shapes.Scalar())
	require.Panics(t, func() { g.NodeFromID(other.ID()) })
}

func TestBuildValidation(t *testing.T) {
	g := New()
	in := g.NewNode(shapes.Make(2)).SetName("in")
	out := g.NewNode(shapes.Make(2)).SetName("out")

	// Zero node handle.
	_, err := Build(&scaleSpec{input: in, factor: 2})
	require.ErrorIs(t, err, ErrBuild)

	// Nodes from different, unmerged graphs.
	foreign := New().NewNode(shapes.Make(2))
	_, err = Build(&scaleSpec{input: foreign, output: out, factor: 2})
	require.ErrorIs(t, err, ErrBuild)
	require.ErrorContains(t, err, "MergeGraphs")

	// Specification-level lowering failure.
	_, err = Build(&scaleSpec{input: in, output: out, factor: 0})
	require.ErrorIs(t, err, ErrBuild)

	// Nothing was registered by the failed builds.
	require.Equal(t, 0, g.NumOps())

	_, err = Build(&scaleSpec{input: in, output: out, factor: 2})
	require.NoError(t, err)
	require.Equal(t, 1, g.NumOps())
}

func TestCalcCycleFails(t *testing.T) {
	g := New()
	n := g.NewNode(shapes.Make(2)).SetName("n")
	_, err := Build(&scaleSpec{input: n, output: n, factor: 2})
	require.NoError(t, err)

	_, err = g.Calc(n)
	require.ErrorIs(t, err, ErrBuild)
	require.ErrorContains(t, err, "cycle")
}

func TestPropagateShapes(t *testing.T) {
	g := New()
	x := g.NewNode(shapes.Make(13, shapes.UnknownDim)).SetName("x")
	y := applyScale(t, x, 2)
	z := applyScale(t, y, 3)
	require.Equal(t, shapes.Make(13, shapes.UnknownDim), z.Shape())

	// A concrete value on the leaf pins the unknown dimension; the pass
	// carries it through the chain.
	x.SetValue(tensors.FromShape(shapes.Make(13, 33)))
	require.NoError(t, g.PropagateShapes())
	require.Equal(t, shapes.Make(13, 33), y.Shape())
	require.Equal(t, shapes.Make(13, 33), z.Shape())

	// Re-running on the converged graph is a no-op.
	require.NoError(t, g.PropagateShapes())
	require.Equal(t, shapes.Make(13, 33), z.Shape())
}

func TestPropagateShapesConflict(t *testing.T) {
	g := New()
	x := g.NewNode(shapes.Make(13, 33)).SetName("x")
	y := g.NewNode(shapes.Make(13, 34)).SetName("y")
	_, err := Build(&scaleSpec{input: x, output: y, factor: 2})
	require.NoError(t, err)

	err = g.PropagateShapes()
	require.ErrorIs(t, err, ErrShapeProp)
	require.ErrorContains(t, err, "[13 33]")
	require.ErrorContains(t, err, "[13 34]")
}

func TestCalcAccumulatesProducers(t *testing.T) {
	g := New()
	x := g.NewNode(shapes.Make(2, 3)).SetName("x").
		SetValue(tensors.FromFlat(shapes.Make(2, 3), []float64{1, 2, 3, 4, 5, 6}))
	sum := g.NewNode(shapes.Make(2, 3)).SetName("sum")
	_, err := Build(&scaleSpec{input: x, output: sum, factor: 2})
	require.NoError(t, err)
	_, err = Build(&scaleSpec{input: x, output: sum, factor: 3})
	require.NoError(t, err)

	// Both producers accumulate into the same zero-initialized buffer.
	want := tensors.FromFlat(shapes.Make(2, 3), []float64{5, 10, 15, 20, 25, 30})
	got, err := sum.Calc()
	require.NoError(t, err)
	require.True(t, want.Equal(got), "got %s, want %s", got, want)

	// Storage is per call: repeating the execution gives the same result.
	again, err := sum.Calc()
	require.NoError(t, err)
	require.True(t, want.Equal(again), "got %s on the second run, want %s", again, want)
	require.NotSame(t, got, again)
}

func TestCalcScalarBroadcast(t *testing.T) {
	g := New()
	x := g.NewNode(shapes.Make(2, 2)).SetName("x").SetValue(tensors.FromScalar(1.5))
	y := applyScale(t, x, 2)

	got, err := y.Calc()
	require.NoError(t, err)
	want := tensors.FromFlat(shapes.Make(2, 2), []float64{3, 3, 3, 3})
	require.True(t, want.Equal(got), "got %s, want %s", got, want)
}

func TestCalcInitializerSticks(t *testing.T) {
	g := New()
	x := g.NewNode(shapes.Make(4, 5)).SetName("x").SetInit(UniformInit(-1, 1))
	y := applyScale(t, x, 3)

	first, err := y.Calc()
	require.NoError(t, err)
	require.NotNil(t, x.Value())

	// The sampled value sticks, so re-execution is deterministic.
	second, err := y.Calc()
	require.NoError(t, err)
	require.True(t, first.Equal(second))
}

func TestCalcWithParams(t *testing.T) {
	g := New()
	x := g.NewNode(shapes.Make(3)).SetName("x").
		SetValue(tensors.FromFlat(shapes.Make(3), []float64{1, 2, 3}))
	y := applyScale(t, x, 10)

	// The parameter overrides the node value for this call only.
	override := tensors.FromFlat(shapes.Make(3), []float64{7, 8, 9})
	results, err := g.CalcWithParams(ParamsMap{x: override}, y)
	require.NoError(t, err)
	want := tensors.FromFlat(shapes.Make(3), []float64{70, 80, 90})
	require.True(t, want.Equal(results[0]))

	got, err := y.Calc()
	require.NoError(t, err)
	want = tensors.FromFlat(shapes.Make(3), []float64{10, 20, 30})
	require.True(t, want.Equal(got))
}

func TestCalcErrors(t *testing.T) {
	g := New()
	x := g.NewNode(shapes.Make(2)).SetName("x")
	y := applyScale(t, x, 2)

	// Leaf without value, initializer or parameter.
	_, err := y.Calc()
	require.ErrorIs(t, err, ErrExec)
	require.ErrorContains(t, err, "no value")

	// A produced node cannot be overridden by a parameter.
	x.SetValue(tensors.FromFlat(shapes.Make(2), []float64{1, 2}))
	_, err = g.CalcWithParams(ParamsMap{y: tensors.FromFlat(shapes.Make(2), []float64{0, 0})}, y)
	require.ErrorIs(t, err, ErrExec)

	// Mis-shaped parameter value.
	_, err = g.CalcWithParams(ParamsMap{x: tensors.FromFlat(shapes.Make(3), []float64{0, 0, 0})}, y)
	require.ErrorIs(t, err, ErrExec)

	// Output node of a different graph.
	other := New().NewNode(shapes.Make(2)).SetValue(tensors.FromFlat(shapes.Make(2), []float64{1, 2}))
	_, err = g.Calc(other)
	require.ErrorIs(t, err, ErrExec)

	_, err = g.Calc()
	require.ErrorIs(t, err, ErrExec)
}

func TestInstanceExecuteIsIdempotentOnZeroedStorage(t *testing.T) {
	g := New()
	in := g.NewNode(shapes.Make(2, 4)).SetName("in")
	out := g.NewNode(shapes.Make(2, 4)).SetName("out")
	instance, err := Build(&scaleSpec{input: in, output: out, factor: 2.5})
	require.NoError(t, err)

	input := tensors.FromFlat(shapes.Make(2, 4), []float64{1, 2, 3, 4, 5, 6, 7, 8})
	buffer := tensors.FromShape(shapes.Make(2, 4))
	ctx := &ExecutionContext{
		g:       g,
		op:      instance,
		storage: map[NodeID]*tensors.Tensor{in.ID(): input, out.ID(): buffer},
	}

	require.NoError(t, instance.Execute(ctx))
	first := buffer.Clone()

	// Same instance, fresh zeroed output: identical accumulation.
	buffer.Zero()
	require.NoError(t, instance.Execute(ctx))
	require.True(t, first.Equal(buffer))

	// Without zeroing in between the contributions add up.
	require.NoError(t, instance.Execute(ctx))
	doubled := first.Clone()
	for ii, v := range first.Flat() {
		doubled.Flat()[ii] = 2 * v
	}
	require.True(t, doubled.Equal(buffer))
}

func TestAsSpecificationRoundTrip(t *testing.T) {
	g := New()
	in := g.NewNode(shapes.Make(2)).SetName("in")
	out := g.NewNode(shapes.Make(2)).SetName("out")
	instance, err := Build(&scaleSpec{input: in, output: out, factor: 4})
	require.NoError(t, err)

	spec := instance.AsSpecification(g).(*scaleSpec)
	require.Equal(t, in.ID(), spec.input.ID())
	require.Equal(t, out.ID(), spec.output.ID())
	require.Equal(t, 4.0, spec.factor)

	// Clone the operator onto a different input node and check the copy is
	// independently buildable and correct.
	in2 := g.NewNode(shapes.Make(2)).SetName("in2")
	clone := spec.CloneWithNodesChanged(map[NodeID]Node{in.ID(): in2}).(*scaleSpec)
	require.Equal(t, in2.ID(), clone.input.ID())
	require.Equal(t, out.ID(), clone.output.ID())
	require.Equal(t, 4.0, clone.factor)

	_, err = Build(clone)
	require.NoError(t, err)

	in.SetValue(tensors.FromFlat(shapes.Make(2), []float64{1, 2}))
	in2.SetValue(tensors.FromFlat(shapes.Make(2), []float64{10, 20}))
	got, err := out.Calc()
	require.NoError(t, err)
	want := tensors.FromFlat(shapes.Make(2), []float64{44, 88})
	require.True(t, want.Equal(got), "got %s, want %s", got, want)
}

func TestGraphString(t *testing.T) {
	g := NewNamed("pretty")
	g.NewNode(shapes.Make(2)).SetValue(tensors.FromFlat(shapes.Make(2), []float64{1, 2}))
	s := g.String()
	assert.Contains(t, s, "pretty")
	assert.Contains(t, s, "1 node(s)")
}
