// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages implementing
// operators: most importantly GradNumericTest, which checks an operator's
// analytic gradient against central-difference numeric gradients.
package graphtest

import (
	"math"
	"runtime"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/corundum-ml/corundum/graph"
	"github.com/corundum-ml/corundum/types/tensors"
)

// GradNumericTest verifies analytic gradients numerically: it treats the sum
// of the output tensor as a scalar loss, perturbs every element of every
// "with respect to" node by ±StepSize, and compares the central-difference
// slope against the gradient built by graph.Gradient.
//
// Typical usage, mirroring an operator test:
//
//	output := must.M1(elementwise.Min(input1, input2))
//	graphtest.NewGradNumericTest(output, input1, input2).
//		StepSize(1e-3).
//		Tolerance(4e-3).
//		Run(t)
type GradNumericTest struct {
	output graph.Node
	wrt    []graph.Node

	stepSize   float64
	tolerance  float64
	expectZero map[graph.NodeID]float64
}

// NewGradNumericTest returns a test of the gradients of output with respect
// to the wrt nodes, with step size 1e-3 and tolerance 1e-2. The wrt nodes
// must be leaves with a value or an initializer.
func NewGradNumericTest(output graph.Node, wrt ...graph.Node) *GradNumericTest {
	return &GradNumericTest{
		output:     output,
		wrt:        wrt,
		stepSize:   1e-3,
		tolerance:  1e-2,
		expectZero: make(map[graph.NodeID]float64),
	}
}

// StepSize sets the central-difference step.
func (gt *GradNumericTest) StepSize(step float64) *GradNumericTest {
	gt.stepSize = step
	return gt
}

// Tolerance sets the acceptable difference between numeric and analytic
// gradients. The comparison is absolute-or-relative: a difference within
// tolerance, or within tolerance relative to the larger magnitude, passes.
func (gt *GradNumericTest) Tolerance(tolerance float64) *GradNumericTest {
	gt.tolerance = tolerance
	return gt
}

// ExpectZero requires both the analytic and the numeric gradient of node to
// be zero within eps, element by element.
func (gt *GradNumericTest) ExpectZero(node graph.Node, eps float64) *GradNumericTest {
	gt.expectZero[node.ID()] = eps
	return gt
}

// Run executes the check, reporting failures on t.
func (gt *GradNumericTest) Run(t *testing.T) {
	g := gt.output.Graph()

	// First forward pass: materializes initializers and settles shapes, so
	// the perturbation runs below are structurally read-only and can be
	// executed concurrently.
	_, err := gt.output.Calc()
	require.NoError(t, err, "forward pass failed")

	gradNodes := must.M1(graph.Gradient(gt.output, gt.wrt...))
	gradTensors, err := g.Calc(gradNodes...)
	require.NoError(t, err, "backward pass failed")

	loss := func(node graph.Node, values *tensors.Tensor) (float64, error) {
		outputs, err := g.CalcWithParams(graph.ParamsMap{node: values}, gt.output)
		if err != nil {
			return 0, err
		}
		return floats.Sum(outputs[0].Flat()), nil
	}

	for wi, node := range gt.wrt {
		base := node.Value()
		require.NotNilf(t, base, "wrt node %s must be a leaf with a materialized value", node)
		analytic := gradTensors[wi].Flat()
		require.Len(t, analytic, base.Size(), "gradient of %s has wrong size", node)
		zeroEps, wantZero := gt.expectZero[node.ID()]

		var eg errgroup.Group
		eg.SetLimit(runtime.GOMAXPROCS(0))
		for idx := range base.Flat() {
			eg.Go(func() error {
				plus := base.Clone()
				plus.Flat()[idx] += gt.stepSize
				minus := base.Clone()
				minus.Flat()[idx] -= gt.stepSize
				lossPlus, err := loss(node, plus)
				if err != nil {
					return err
				}
				lossMinus, err := loss(node, minus)
				if err != nil {
					return err
				}
				numeric := (lossPlus - lossMinus) / (2 * gt.stepSize)
				a := analytic[idx]
				if wantZero {
					if math.Abs(a) > zeroEps || math.Abs(numeric) > zeroEps {
						return errors.Errorf("node %s element %d: want zero gradient, got analytic %g, numeric %g",
							node, idx, a, numeric)
					}
					return nil
				}
				if !scalar.EqualWithinAbsOrRel(numeric, a, gt.tolerance, gt.tolerance) {
					return errors.Errorf("node %s element %d: numeric gradient %g does not match analytic %g",
						node, idx, numeric, a)
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	}
}
