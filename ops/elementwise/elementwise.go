// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

// Package elementwise provides generic N-ary elementwise operator templates
// and the elementwise operators built on them.
//
// A concrete elementwise operator is fully defined by a small functional
// contract (UnaryFunc, BinaryFunc or TernaryFunc): a pure scalar Calc, a
// type name for diagnostics, and a Grad routine that wires the backward
// instances. The templates supply the rest: identity shape propagation
// (with input-shape unification for the N-ary cases), input/output
// bookkeeping, and the lane-parallel accumulating execution loop.
//
// The functional contract types must be stateless zero-value-usable structs:
// the templates instantiate them as needed.
package elementwise

import (
	"fmt"

	"github.com/corundum-ml/corundum/graph"
)

// UnaryFunc defines a 1-input elementwise operator.
type UnaryFunc interface {
	// Calc computes one output element from one input element. Must be pure.
	Calc(x float64) float64
	// TypeName identifies the operator in diagnostics.
	TypeName() string
	// Grad builds the backward instance(s) for one forward instance.
	Grad(ctx *graph.GradientContext, input, output graph.NodeID) error
}

// BinaryFunc defines a 2-input elementwise operator.
type BinaryFunc interface {
	Calc(x1, x2 float64) float64
	TypeName() string
	Grad(ctx *graph.GradientContext, input1, input2, output graph.NodeID) error
}

// TernaryFunc defines a 3-input elementwise operator.
type TernaryFunc interface {
	Calc(x1, x2, x3 float64) float64
	TypeName() string
	Grad(ctx *graph.GradientContext, input1, input2, input3, output graph.NodeID) error
}

// remap substitutes a node according to a CloneWithNodesChanged mapping.
func remap(changes map[graph.NodeID]graph.Node, n graph.Node) graph.Node {
	if replacement, found := changes[n.ID()]; found {
		return replacement
	}
	return n
}

// Unary is the OpSpecification of a 1-input elementwise operator
// parameterized by its functional contract.
type Unary[F UnaryFunc] struct {
	Input, Output graph.Node
}

// NewUnary returns the specification of an F over input, accumulating into
// output.
func NewUnary[F UnaryFunc](input, output graph.Node) *Unary[F] {
	return &Unary[F]{Input: input, Output: output}
}

func (u *Unary[F]) TypeName() string {
	var f F
	return f.TypeName()
}

func (u *Unary[F]) Inputs() []graph.Node  { return []graph.Node{u.Input} }
func (u *Unary[F]) Outputs() []graph.Node { return []graph.Node{u.Output} }

func (u *Unary[F]) CloneWithNodesChanged(changes map[graph.NodeID]graph.Node) graph.OpSpecification {
	return &Unary[F]{Input: remap(changes, u.Input), Output: remap(changes, u.Output)}
}

func (u *Unary[F]) BuildInstance() (graph.OpInstance, error) {
	return &unaryInstance[F]{input: u.Input.ID(), output: u.Output.ID()}, nil
}

type unaryInstance[F UnaryFunc] struct {
	input, output graph.NodeID
}

func (u *unaryInstance[F]) TypeName() string {
	var f F
	return f.TypeName()
}

func (u *unaryInstance[F]) Inputs() []graph.NodeID  { return []graph.NodeID{u.input} }
func (u *unaryInstance[F]) Outputs() []graph.NodeID { return []graph.NodeID{u.output} }

func (u *unaryInstance[F]) AsSpecification(g *graph.Graph) graph.OpSpecification {
	return &Unary[F]{Input: g.NodeFromID(u.input), Output: g.NodeFromID(u.output)}
}

func (u *unaryInstance[F]) PropagateShapes(ctx *graph.ShapePropContext) error {
	return ctx.MergeOutputShape(u.output, ctx.InputShape(u.input))
}

func (u *unaryInstance[F]) Execute(ctx *graph.ExecutionContext) error {
	input := ctx.GetInputStandard(u.input)
	output := ctx.GetOutputStandard(u.output)
	if !input.Shape().Equal(output.Shape()) {
		return graph.ExecErrorf("%s: input shape %s does not match output shape %s", u.TypeName(), input.Shape(), output.Shape())
	}
	var f F
	ctx.ParallelFor(output.NumLanes(), func(lane int) {
		in, out := input.Lane(lane), output.Lane(lane)
		for ii, x := range in {
			out[ii] += f.Calc(x)
		}
	})
	return nil
}

func (u *unaryInstance[F]) Gradient(ctx *graph.GradientContext) error {
	var f F
	return f.Grad(ctx, u.input, u.output)
}

// Binary is the OpSpecification of a 2-input elementwise operator
// parameterized by its functional contract. Both inputs must unify to the
// same shape, which is also the output shape.
type Binary[F BinaryFunc] struct {
	Input1, Input2, Output graph.Node
}

// NewBinary returns the specification of an F over input1 and input2,
// accumulating into output.
func NewBinary[F BinaryFunc](input1, input2, output graph.Node) *Binary[F] {
	return &Binary[F]{Input1: input1, Input2: input2, Output: output}
}

func (b *Binary[F]) TypeName() string {
	var f F
	return f.TypeName()
}

func (b *Binary[F]) Inputs() []graph.Node  { return []graph.Node{b.Input1, b.Input2} }
func (b *Binary[F]) Outputs() []graph.Node { return []graph.Node{b.Output} }

func (b *Binary[F]) CloneWithNodesChanged(changes map[graph.NodeID]graph.Node) graph.OpSpecification {
	return &Binary[F]{
		Input1: remap(changes, b.Input1),
		Input2: remap(changes, b.Input2),
		Output: remap(changes, b.Output),
	}
}

func (b *Binary[F]) BuildInstance() (graph.OpInstance, error) {
	return &binaryInstance[F]{input1: b.Input1.ID(), input2: b.Input2.ID(), output: b.Output.ID()}, nil
}

type binaryInstance[F BinaryFunc] struct {
	input1, input2, output graph.NodeID
}

func (b *binaryInstance[F]) TypeName() string {
	var f F
	return f.TypeName()
}

func (b *binaryInstance[F]) Inputs() []graph.NodeID  { return []graph.NodeID{b.input1, b.input2} }
func (b *binaryInstance[F]) Outputs() []graph.NodeID { return []graph.NodeID{b.output} }

func (b *binaryInstance[F]) AsSpecification(g *graph.Graph) graph.OpSpecification {
	return &Binary[F]{
		Input1: g.NodeFromID(b.input1),
		Input2: g.NodeFromID(b.input2),
		Output: g.NodeFromID(b.output),
	}
}

func (b *binaryInstance[F]) PropagateShapes(ctx *graph.ShapePropContext) error {
	shape1, shape2 := ctx.InputShape(b.input1), ctx.InputShape(b.input2)
	merged, err := shape1.Merge(shape2)
	if err != nil {
		return graph.ShapePropErrorf("%s requires inputs of the same shape: %v", b.TypeName(), err)
	}
	return ctx.MergeOutputShape(b.output, merged)
}

func (b *binaryInstance[F]) Execute(ctx *graph.ExecutionContext) error {
	input1 := ctx.GetInputStandard(b.input1)
	input2 := ctx.GetInputStandard(b.input2)
	output := ctx.GetOutputStandard(b.output)
	if !input1.Shape().Equal(output.Shape()) || !input2.Shape().Equal(output.Shape()) {
		return graph.ExecErrorf("%s: shapes %s, %s, %s do not match", b.TypeName(), input1.Shape(), input2.Shape(), output.Shape())
	}
	var f F
	ctx.ParallelFor(output.NumLanes(), func(lane int) {
		in1, in2, out := input1.Lane(lane), input2.Lane(lane), output.Lane(lane)
		for ii := range out {
			out[ii] += f.Calc(in1[ii], in2[ii])
		}
	})
	return nil
}

func (b *binaryInstance[F]) Gradient(ctx *graph.GradientContext) error {
	var f F
	return f.Grad(ctx, b.input1, b.input2, b.output)
}

// Ternary is the OpSpecification of a 3-input elementwise operator
// parameterized by its functional contract. All inputs must unify to the
// same shape, which is also the output shape.
type Ternary[F TernaryFunc] struct {
	Input1, Input2, Input3, Output graph.Node
}

// NewTernary returns the specification of an F over the three inputs,
// accumulating into output.
func NewTernary[F TernaryFunc](input1, input2, input3, output graph.Node) *Ternary[F] {
	return &Ternary[F]{Input1: input1, Input2: input2, Input3: input3, Output: output}
}

func (t *Ternary[F]) TypeName() string {
	var f F
	return f.TypeName()
}

func (t *Ternary[F]) Inputs() []graph.Node  { return []graph.Node{t.Input1, t.Input2, t.Input3} }
func (t *Ternary[F]) Outputs() []graph.Node { return []graph.Node{t.Output} }

func (t *Ternary[F]) CloneWithNodesChanged(changes map[graph.NodeID]graph.Node) graph.OpSpecification {
	return &Ternary[F]{
		Input1: remap(changes, t.Input1),
		Input2: remap(changes, t.Input2),
		Input3: remap(changes, t.Input3),
		Output: remap(changes, t.Output),
	}
}

func (t *Ternary[F]) BuildInstance() (graph.OpInstance, error) {
	return &ternaryInstance[F]{
		input1: t.Input1.ID(),
		input2: t.Input2.ID(),
		input3: t.Input3.ID(),
		output: t.Output.ID(),
	}, nil
}

type ternaryInstance[F TernaryFunc] struct {
	input1, input2, input3, output graph.NodeID
}

func (t *ternaryInstance[F]) TypeName() string {
	var f F
	return f.TypeName()
}

func (t *ternaryInstance[F]) Inputs() []graph.NodeID {
	return []graph.NodeID{t.input1, t.input2, t.input3}
}
func (t *ternaryInstance[F]) Outputs() []graph.NodeID { return []graph.NodeID{t.output} }

func (t *ternaryInstance[F]) AsSpecification(g *graph.Graph) graph.OpSpecification {
	return &Ternary[F]{
		Input1: g.NodeFromID(t.input1),
		Input2: g.NodeFromID(t.input2),
		Input3: g.NodeFromID(t.input3),
		Output: g.NodeFromID(t.output),
	}
}

func (t *ternaryInstance[F]) PropagateShapes(ctx *graph.ShapePropContext) error {
	merged, err := ctx.InputShape(t.input1).Merge(ctx.InputShape(t.input2))
	if err == nil {
		merged, err = merged.Merge(ctx.InputShape(t.input3))
	}
	if err != nil {
		return graph.ShapePropErrorf("%s requires inputs of the same shape: %v", t.TypeName(), err)
	}
	return ctx.MergeOutputShape(t.output, merged)
}

func (t *ternaryInstance[F]) Execute(ctx *graph.ExecutionContext) error {
	input1 := ctx.GetInputStandard(t.input1)
	input2 := ctx.GetInputStandard(t.input2)
	input3 := ctx.GetInputStandard(t.input3)
	output := ctx.GetOutputStandard(t.output)
	if !input1.Shape().Equal(output.Shape()) || !input2.Shape().Equal(output.Shape()) || !input3.Shape().Equal(output.Shape()) {
		return graph.ExecErrorf("%s: input shapes %s, %s, %s do not match output shape %s",
			t.TypeName(), input1.Shape(), input2.Shape(), input3.Shape(), output.Shape())
	}
	var f F
	ctx.ParallelFor(output.NumLanes(), func(lane int) {
		in1, in2, in3, out := input1.Lane(lane), input2.Lane(lane), input3.Lane(lane), output.Lane(lane)
		for ii := range out {
			out[ii] += f.Calc(in1[ii], in2[ii], in3[ii])
		}
	})
	return nil
}

func (t *ternaryInstance[F]) Gradient(ctx *graph.GradientContext) error {
	var f F
	return f.Grad(ctx, t.input1, t.input2, t.input3, t.output)
}

// apply is the shared body of the operator helper functions: merge the input
// graphs, create a same-shaped output node and build the specification
// returned by makeSpec.
func apply(name string, inputs []graph.Node, makeSpec func(output graph.Node) graph.OpSpecification) (graph.Node, error) {
	gs := make([]*graph.Graph, len(inputs))
	for ii, in := range inputs {
		gs[ii] = in.Graph()
	}
	g := graph.MergeGraphs(gs...)
	output := g.NewNode(inputs[0].Shape()).SetNameUnique(name)
	if _, err := graph.Build(makeSpec(output)); err != nil {
		return graph.Node{}, err
	}
	return output, nil
}

// Identity returns a node accumulating an unmodified copy of input.
func Identity(input graph.Node) (graph.Node, error) {
	return apply(fmt.Sprintf("identity(%s)", input), []graph.Node{input},
		func(output graph.Node) graph.OpSpecification {
			return NewUnary[IdentityFunc](input, output)
		})
}

// Add returns a node with the elementwise sum of input1 and input2.
func Add(input1, input2 graph.Node) (graph.Node, error) {
	return apply(fmt.Sprintf("add(%s,%s)", input1, input2), []graph.Node{input1, input2},
		func(output graph.Node) graph.OpSpecification {
			return NewBinary[AddFunc](input1, input2, output)
		})
}

// Mul returns a node with the elementwise product of input1 and input2.
func Mul(input1, input2 graph.Node) (graph.Node, error) {
	return apply(fmt.Sprintf("mul(%s,%s)", input1, input2), []graph.Node{input1, input2},
		func(output graph.Node) graph.OpSpecification {
			return NewBinary[MulFunc](input1, input2, output)
		})
}

// Min returns a node with the elementwise minimum of input1 and input2.
func Min(input1, input2 graph.Node) (graph.Node, error) {
	return apply(fmt.Sprintf("min(%s,%s)", input1, input2), []graph.Node{input1, input2},
		func(output graph.Node) graph.OpSpecification {
			return NewBinary[MinFunc](input1, input2, output)
		})
}
