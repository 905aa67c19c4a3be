// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package math_test

import (
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/corundum-ml/corundum/graph"
	"github.com/corundum-ml/corundum/graph/graphtest"
	mathops "github.com/corundum-ml/corundum/ops/math"
	"github.com/corundum-ml/corundum/types/shapes"
	"github.com/corundum-ml/corundum/types/tensors"
)

// Two rows of two complex pairs each plus one remainder scalar, and the
// expected outputs at both epsilon settings, computed by hand.
var (
	mulDivInput = []float64{
		0.2, 0.4, 0.6, 0.8, 2.2, 2.4, 2.6, 2.8, 4.7,
		1.2, 1.4, 1.6, 1.8, 3.2, 3.4, 3.6, 3.8, 3.2,
	}
	mulDivWantEpsilonDefault = []float64{
		-0.2, 0.4, 0.4356436, 0.0792079, -1.0, 12.4, 0.8514716, 0.005475702, 4.7,
		-0.6, 4.4, 0.7641997, 0.013769363, -1.4, 24.4, 0.8916454, 0.002918643, 3.2,
	}
	mulDivWantEpsilonOne = []float64{
		-0.2, 0.4, 0.22, 0.04, -1.0, 12.4, 0.7974359, 0.005128205, 4.7,
		-0.6, 4.4, 0.65294117, 0.011764706, -1.4, 24.4, 0.8605634, 0.002816901, 3.2,
	}
)

func TestMulDivForward(t *testing.T) {
	shape := shapes.Make(2, 9)
	input := graph.NewNode(shape).SetName("input").
		SetValue(tensors.FromFlat(shape, append([]float64(nil), mulDivInput...)))
	output := must.M1(mathops.ApplyMulDiv(input))

	got := must.M1(output.Calc())
	want := tensors.FromFlat(shape, append([]float64(nil), mulDivWantEpsilonDefault...))
	require.True(t, want.InDelta(got, 1e-5), "got %s, want %s", got, want)
}

func TestMulDivForwardEpsilonOne(t *testing.T) {
	shape := shapes.Make(2, 9)
	input := graph.NewNode(shape).SetName("input").
		SetValue(tensors.FromFlat(shape, append([]float64(nil), mulDivInput...)))
	output := input.Graph().NewNode(shape).SetName("output")
	_, err := graph.Build(mathops.NewMulDiv(input, output).WithEpsilon(1.0))
	require.NoError(t, err)

	got := must.M1(output.Calc())
	want := tensors.FromFlat(shape, append([]float64(nil), mulDivWantEpsilonOne...))
	require.True(t, want.InDelta(got, 1e-5), "got %s, want %s", got, want)
}

// wellConditioned returns a deterministic tensor with magnitudes in
// [0.25, 1), keeping the regularized divisions away from their steepest
// region so numeric differentiation stays accurate.
func wellConditioned(shape shapes.Shape, seed uint64) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	t := tensors.FromShape(shape)
	flat := t.Flat()
	for ii := range flat {
		v := 0.25 + 0.75*rng.Float64()
		if rng.IntN(2) == 0 {
			v = -v
		}
		flat[ii] = v
	}
	return t
}

func TestMulDivGradNumeric(t *testing.T) {
	// 43 is not a multiple of 4, so the remainder pass-through gradient is
	// exercised too.
	shape := shapes.Make(13, 43)
	input := graph.NewNode(shape).SetName("input").SetValue(wellConditioned(shape, 21))
	output := must.M1(mathops.ApplyMulDiv(input))

	graphtest.NewGradNumericTest(output, input).Run(t)
}

func TestMulDivGradNumericEpsilonOne(t *testing.T) {
	shape := shapes.Make(13, 43)
	input := graph.NewNode(shape).SetName("input").SetValue(wellConditioned(shape, 22))
	output := input.Graph().NewNode(shape).SetName("output")
	_, err := graph.Build(mathops.NewMulDiv(input, output).WithEpsilon(1.0))
	require.NoError(t, err)

	graphtest.NewGradNumericTest(output, input).
		Tolerance(2e-5).
		Run(t)
}

func TestMulDivRepeatedCalc(t *testing.T) {
	shape := shapes.Make(3, 12)
	input := graph.NewNode(shape).SetName("input").SetValue(wellConditioned(shape, 23))
	output := must.M1(mathops.ApplyMulDiv(input))

	first := must.M1(output.Calc())
	second := must.M1(output.Calc())
	require.True(t, first.Equal(second))
	require.NotSame(t, first, second)
}

func TestMulDivSecondOrderUnimplemented(t *testing.T) {
	shape := shapes.Make(2, 8)
	input := graph.NewNode(shape).SetName("input").SetValue(wellConditioned(shape, 24))
	output := must.M1(mathops.ApplyMulDiv(input))

	first := must.M1(graph.Gradient(output, input))
	_, err := graph.Gradient(first[0], input)
	require.ErrorIs(t, err, graph.ErrGradientUnimplemented)
	require.ErrorIs(t, err, graph.ErrGradient)
}

func TestMulDivCloneKeepsEpsilon(t *testing.T) {
	shape := shapes.Make(1, 8)
	value := wellConditioned(shape, 25)
	input := graph.NewNode(shape).SetName("input").SetValue(value)
	output := input.Graph().NewNode(shape).SetName("output")
	instance, err := graph.Build(mathops.NewMulDiv(input, output).WithEpsilon(0.7))
	require.NoError(t, err)
	g := input.Graph()

	// Clone the operator onto fresh nodes and check both instances compute
	// the same thing, i.e. the clone kept the tuned epsilon.
	input2 := g.NewNode(shape).SetName("input2").SetValue(value.Clone())
	output2 := g.NewNode(shape).SetName("output2")
	clone := instance.AsSpecification(g).CloneWithNodesChanged(map[graph.NodeID]graph.Node{
		input.ID():  input2,
		output.ID(): output2,
	})
	_, err = graph.Build(clone)
	require.NoError(t, err)

	values := must.M1(g.Calc(output, output2))
	require.True(t, values[0].Equal(values[1]))
}
