// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

// Package math provides math-flavored operators that don't fit the plain
// elementwise templates.
package math

import (
	"fmt"

	"github.com/corundum-ml/corundum/graph"
)

// DefaultEpsilon is the default divisor regularizer of MulDiv.
const DefaultEpsilon = 0.1

// ApplyMulDiv creates a same-shaped output node for input and builds a
// MulDiv over it with the default epsilon, returning the output.
func ApplyMulDiv(input graph.Node) (graph.Node, error) {
	output := input.Graph().NewNode(input.Shape()).
		SetNameUnique(fmt.Sprintf("muldiv(%s)", input))
	if _, err := graph.Build(NewMulDiv(input, output)); err != nil {
		return graph.Node{}, err
	}
	return output, nil
}

// MulDiv is an activation function based on complex multiplication and
// division.
//
// It breaks the innermost axis into groups of 4 scalars (a, b, c, d),
// interprets them as two complex numbers w = a+ib and x = c+id, and
// accumulates into the output the multiplication result w*x and the division
// w/x, the latter with the divisor regularized to |x|^2 + epsilon^2 to
// prevent division blow-up.
//
// If the innermost axis has a remainder after grouping into 4s, those values
// are accumulated through unmodified.
type MulDiv struct {
	Input, Output graph.Node
	epsilon       float64
}

// NewMulDiv returns a MulDiv specification over input, accumulating into
// output, with the default epsilon.
func NewMulDiv(input, output graph.Node) *MulDiv {
	return &MulDiv{Input: input, Output: output, epsilon: DefaultEpsilon}
}

// WithEpsilon sets the divisor regularizer and returns the specification.
func (m *MulDiv) WithEpsilon(epsilon float64) *MulDiv {
	m.epsilon = epsilon
	return m
}

func (m *MulDiv) TypeName() string { return "MulDiv" }

func (m *MulDiv) Inputs() []graph.Node  { return []graph.Node{m.Input} }
func (m *MulDiv) Outputs() []graph.Node { return []graph.Node{m.Output} }

func (m *MulDiv) CloneWithNodesChanged(changes map[graph.NodeID]graph.Node) graph.OpSpecification {
	clone := &MulDiv{Input: m.Input, Output: m.Output, epsilon: m.epsilon}
	if replacement, found := changes[m.Input.ID()]; found {
		clone.Input = replacement
	}
	if replacement, found := changes[m.Output.ID()]; found {
		clone.Output = replacement
	}
	return clone
}

func (m *MulDiv) BuildInstance() (graph.OpInstance, error) {
	return &mulDivInstance{input: m.Input.ID(), output: m.Output.ID(), epsilon: m.epsilon}, nil
}

type mulDivInstance struct {
	input, output graph.NodeID
	epsilon       float64
}

func (m *mulDivInstance) TypeName() string { return "MulDiv" }

func (m *mulDivInstance) Inputs() []graph.NodeID  { return []graph.NodeID{m.input} }
func (m *mulDivInstance) Outputs() []graph.NodeID { return []graph.NodeID{m.output} }

func (m *mulDivInstance) AsSpecification(g *graph.Graph) graph.OpSpecification {
	return &MulDiv{
		Input:   g.NodeFromID(m.input),
		Output:  g.NodeFromID(m.output),
		epsilon: m.epsilon,
	}
}

func (m *mulDivInstance) PropagateShapes(ctx *graph.ShapePropContext) error {
	return ctx.MergeOutputShape(m.output, ctx.InputShape(m.input))
}

func (m *mulDivInstance) Execute(ctx *graph.ExecutionContext) error {
	input := ctx.GetInputStandard(m.input)
	output := ctx.GetOutputStandard(m.output)
	if !input.Shape().Equal(output.Shape()) {
		return graph.ExecErrorf("MulDiv: input shape %s does not match output shape %s", input.Shape(), output.Shape())
	}

	epsilon := m.epsilon
	ctx.ParallelFor(output.NumLanes(), func(lane int) {
		in, out := input.Lane(lane), output.Lane(lane)
		groups := len(in) / 4
		for ii := 0; ii < groups*4; ii += 4 {
			a, b, c, d := in[ii], in[ii+1], in[ii+2], in[ii+3]

			// Complex multiplication.
			out[ii] += a*c - b*d
			out[ii+1] += a*d + b*c

			// Complex division with regularized denominator.
			denom := epsilon*epsilon + c*c + d*d
			out[ii+2] += (a*c + b*d) / denom
			out[ii+3] += (b*c - a*d) / denom
		}
		for ii := groups * 4; ii < len(in); ii++ {
			out[ii] += in[ii]
		}
	})
	return nil
}

func (m *mulDivInstance) Gradient(ctx *graph.GradientContext) error {
	_, err := graph.Build(NewMulDivBack(
		ctx.Node(m.input), ctx.GradOf(m.input), ctx.GradOf(m.output)).
		WithEpsilon(m.epsilon))
	return err
}

// MulDivBack is the backward operator of MulDiv: a single combined adjoint
// computation per group of 4, covering both the multiplication and the
// regularized division, accumulated into the input gradient. Remainder
// scalars' gradients pass through unchanged.
//
// It has no defined second derivative.
type MulDivBack struct {
	Input, InputGrad, OutputGrad graph.Node
	epsilon                      float64
}

// NewMulDivBack returns a MulDivBack specification reading the forward
// input and the output gradient, accumulating into the input gradient, with
// the default epsilon.
func NewMulDivBack(input, inputGrad, outputGrad graph.Node) *MulDivBack {
	return &MulDivBack{Input: input, InputGrad: inputGrad, OutputGrad: outputGrad, epsilon: DefaultEpsilon}
}

// WithEpsilon sets the divisor regularizer and returns the specification.
// It must match the forward instance's epsilon.
func (m *MulDivBack) WithEpsilon(epsilon float64) *MulDivBack {
	m.epsilon = epsilon
	return m
}

func (m *MulDivBack) TypeName() string { return "MulDivBack" }

func (m *MulDivBack) Inputs() []graph.Node  { return []graph.Node{m.Input, m.OutputGrad} }
func (m *MulDivBack) Outputs() []graph.Node { return []graph.Node{m.InputGrad} }

func (m *MulDivBack) CloneWithNodesChanged(changes map[graph.NodeID]graph.Node) graph.OpSpecification {
	clone := &MulDivBack{Input: m.Input, InputGrad: m.InputGrad, OutputGrad: m.OutputGrad, epsilon: m.epsilon}
	if replacement, found := changes[m.Input.ID()]; found {
		clone.Input = replacement
	}
	if replacement, found := changes[m.InputGrad.ID()]; found {
		clone.InputGrad = replacement
	}
	if replacement, found := changes[m.OutputGrad.ID()]; found {
		clone.OutputGrad = replacement
	}
	return clone
}

func (m *MulDivBack) BuildInstance() (graph.OpInstance, error) {
	return &mulDivBackInstance{
		input:      m.Input.ID(),
		inputGrad:  m.InputGrad.ID(),
		outputGrad: m.OutputGrad.ID(),
		epsilon:    m.epsilon,
	}, nil
}

type mulDivBackInstance struct {
	input, inputGrad, outputGrad graph.NodeID
	epsilon                      float64
}

func (m *mulDivBackInstance) TypeName() string { return "MulDivBack" }

func (m *mulDivBackInstance) Inputs() []graph.NodeID {
	return []graph.NodeID{m.input, m.outputGrad}
}
func (m *mulDivBackInstance) Outputs() []graph.NodeID { return []graph.NodeID{m.inputGrad} }

func (m *mulDivBackInstance) AsSpecification(g *graph.Graph) graph.OpSpecification {
	return &MulDivBack{
		Input:      g.NodeFromID(m.input),
		InputGrad:  g.NodeFromID(m.inputGrad),
		OutputGrad: g.NodeFromID(m.outputGrad),
		epsilon:    m.epsilon,
	}
}

func (m *mulDivBackInstance) PropagateShapes(ctx *graph.ShapePropContext) error {
	inputShape := ctx.InputShape(m.input)
	outputGradShape := ctx.InputShape(m.outputGrad)
	merged, err := inputShape.Merge(outputGradShape)
	if err != nil {
		return graph.ShapePropErrorf("MulDivBack requires the output gradient to have the shape of the input: %v", err)
	}
	return ctx.MergeOutputShape(m.inputGrad, merged)
}

func (m *mulDivBackInstance) Execute(ctx *graph.ExecutionContext) error {
	input := ctx.GetInputStandard(m.input)
	outputGrad := ctx.GetInputStandard(m.outputGrad)
	inputGrad := ctx.GetOutputStandard(m.inputGrad)
	if !input.Shape().Equal(outputGrad.Shape()) || !input.Shape().Equal(inputGrad.Shape()) {
		return graph.ExecErrorf("MulDivBack: shapes %s, %s, %s do not match",
			input.Shape(), outputGrad.Shape(), inputGrad.Shape())
	}

	epsilon := m.epsilon
	ctx.ParallelFor(inputGrad.NumLanes(), func(lane int) {
		in, outGrad, inGrad := input.Lane(lane), outputGrad.Lane(lane), inputGrad.Lane(lane)
		groups := len(in) / 4
		for ii := 0; ii < groups*4; ii += 4 {
			a, b, c, d := in[ii], in[ii+1], in[ii+2], in[ii+3]
			wg, xg, yg, zg := outGrad[ii], outGrad[ii+1], outGrad[ii+2], outGrad[ii+3]

			denom := c*c + d*d + epsilon*epsilon
			denom2 := denom * denom

			// Combined adjoints of the multiplication and the regularized
			// division with respect to a, b, c and d.
			ag := wg*c + xg*d + yg*(c/denom) + zg*-(d/denom)
			bg := wg*-d + xg*c + yg*(d/denom) + zg*(c/denom)
			cg := wg*a + xg*b +
				yg*(a/denom-(a*c+b*d)*(c*2/denom2)) +
				zg*(b/denom-(b*c-a*d)*(c*2/denom2))
			dg := wg*-b + xg*a +
				yg*(b/denom-(a*c+b*d)*(d*2/denom2)) +
				zg*(-a/denom-(b*c-a*d)*(d*2/denom2))

			inGrad[ii] += ag
			inGrad[ii+1] += bg
			inGrad[ii+2] += cg
			inGrad[ii+3] += dg
		}
		for ii := groups * 4; ii < len(in); ii++ {
			inGrad[ii] += outGrad[ii]
		}
	})
	return nil
}

func (m *mulDivBackInstance) Gradient(ctx *graph.GradientContext) error {
	return graph.ErrGradientUnimplemented
}
