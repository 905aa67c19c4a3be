// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math/rand/v2"

	"github.com/corundum-ml/corundum/types/shapes"
	"github.com/corundum-ml/corundum/types/tensors"
)

// Initializer produces the initial value of a leaf node. It is sampled once,
// at the node's first execution, after which the sampled tensor sticks as
// the node's value. The shape is fully resolved by then.
type Initializer func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor

// UniformInit initializes with independent samples uniform in [low, high).
func UniformInit(low, high float64) Initializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = low + rng.Float64()*(high-low)
		}
		return t
	}
}

// ConstantInit initializes every element with the given value.
func ConstantInit(value float64) Initializer {
	return func(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		t.Fill(value)
		return t
	}
}
