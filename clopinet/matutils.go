// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

// The models of this package work on sequences of vectors, one node per
// time step. The helpers below apply an operator to each element.

func tanh(x []mat.Tensor) []mat.Tensor {
	y := make([]mat.Tensor, len(x))
	for i := range x {
		y[i] = ag.Tanh(x[i])
	}
	return y
}

func prod(a mat.Tensor, b []mat.Tensor) []mat.Tensor {
	c := make([]mat.Tensor, len(b))
	for i := range b {
		c[i] = ag.Prod(a, b[i])
	}
	return c
}

// sumNodes returns the element-wise sum of the nodes.
func sumNodes(xs []mat.Tensor) mat.Tensor {
	y := xs[0]
	for _, x := range xs[1:] {
		y = ag.Add(y, x)
	}
	return y
}

// maxNodes returns the element-wise maximum of the nodes.
func maxNodes(xs []mat.Tensor) mat.Tensor {
	y := xs[0]
	for _, x := range xs[1:] {
		y = ag.Max(y, x)
	}
	return y
}

func reversed(xs []mat.Tensor) []mat.Tensor {
	y := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		y[len(xs)-1-i] = x
	}
	return y
}

// standardize returns (x - mean) / sqrt(var + eps) for each node, with mean
// and biased variance computed element-wise across the nodes.
func standardize[T float.DType](xs []mat.Tensor, eps float64) (out []mat.Tensor, mean, variance mat.Tensor) {
	n := scalar[T](float64(len(xs)))
	mean = ag.DivScalar(sumNodes(xs), n)
	dev := make([]mat.Tensor, len(xs))
	sq := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		dev[i] = ag.Sub(x, mean)
		sq[i] = ag.Square(dev[i])
	}
	variance = ag.DivScalar(sumNodes(sq), n)
	stdDev := ag.Sqrt(ag.AddScalar(variance, scalar[T](eps)))
	out = make([]mat.Tensor, len(xs))
	for i := range dev {
		out[i] = ag.Div(dev[i], stdDev)
	}
	return out, mean, variance
}

// l2Norm returns the euclidean norm of x as a scalar node.
func l2Norm(x mat.Tensor) mat.Tensor {
	return ag.Sqrt(ag.ReduceSum(ag.Square(x)))
}

func scalar[T float.DType](v float64) mat.Tensor {
	return mat.Scalar[T](T(v))
}

func zeros[T float.DType](size int) mat.Tensor {
	return mat.NewDense[T](mat.WithShape(size))
}

func vector[T float.DType](data []float64) mat.Tensor {
	return mat.NewDense[T](mat.WithShape(len(data)), mat.WithBacking(float.SliceValueOf[T](float.Make(data...))))
}

// values returns the values of a node as float64.
func values(x mat.Tensor) []float64 {
	return x.Value().Data().F64()
}
