// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"math"

	"github.com/nlpodyssey/spago/initializers"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/linear"
)

// NewLinear returns a new fully connected layer (y = W·x + B) initialized
// uniformly in [-1/sqrt(in), 1/sqrt(in)].
func NewLinear[T float.DType](in, out int, rng *rand.LockedRand) *linear.Model {
	bound := 1 / math.Sqrt(float64(in))
	return &linear.Model{
		W: uniformParam[T](rng, bound, out, in),
		B: uniformParam[T](rng, bound, out),
	}
}

// uniformParam returns a new parameter of the given shape, initialized
// uniformly in [-bound, bound].
func uniformParam[T float.DType](rng *rand.LockedRand, bound float64, shape ...int) *nn.Param {
	m := mat.NewDense[T](mat.WithShape(shape...))
	initializers.Uniform(m, -bound, bound, rng)
	return nn.NewParam(m)
}
