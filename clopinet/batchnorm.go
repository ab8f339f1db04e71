// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"encoding/gob"
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultBatchNormEps is added to the variance to avoid divisions by zero.
	DefaultBatchNormEps = 1e-5
	// DefaultBatchNormMomentum weights the current batch in the running statistics.
	DefaultBatchNormMomentum = 0.1
)

var _ nn.Model = &BatchNorm[float32]{}

// BatchNorm normalizes vectors with statistics computed across the batch.
// It has no learnable affine parameters.
//
// In training mode the batch statistics are used and the running
// statistics are updated; in evaluation mode the running statistics are used.
type BatchNorm[T float.DType] struct {
	nn.Module
	Size              int
	Eps               float64
	Momentum          float64
	RunningMean       []float64
	RunningVar        []float64
	NumBatchesTracked int
}

func init() {
	gob.Register(&BatchNorm[float32]{})
	gob.Register(&BatchNorm[float64]{})
}

// NewBatchNorm returns a new BatchNorm with zero running mean and unit
// running variance.
func NewBatchNorm[T float.DType](size int) *BatchNorm[T] {
	runningVar := make([]float64, size)
	floats.AddConst(1, runningVar)
	return &BatchNorm[T]{
		Size:        size,
		Eps:         DefaultBatchNormEps,
		Momentum:    DefaultBatchNormMomentum,
		RunningMean: make([]float64, size),
		RunningVar:  runningVar,
	}
}

// Forward normalizes the input nodes.
func (m *BatchNorm[T]) Forward(training bool, xs ...mat.Tensor) ([]mat.Tensor, error) {
	if training {
		return m.forwardTraining(xs)
	}
	mean := vector[T](m.RunningMean)
	stdDev := make([]float64, m.Size)
	for i, v := range m.RunningVar {
		stdDev[i] = math.Sqrt(v + m.Eps)
	}
	std := vector[T](stdDev)
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		ys[i] = ag.Div(ag.Sub(x, mean), std)
	}
	return ys, nil
}

func (m *BatchNorm[T]) forwardTraining(xs []mat.Tensor) ([]mat.Tensor, error) {
	n := len(xs)
	if n < 2 {
		return nil, fmt.Errorf("%w, got input of size %d", ErrBatchTooSmall, n)
	}
	ys, mean, variance := standardize[T](xs, m.Eps)

	// the running variance is updated with the unbiased estimate
	unbiased := floats.ScaleTo(make([]float64, m.Size), float64(n)/float64(n-1), values(variance))
	floats.Scale(1-m.Momentum, m.RunningMean)
	floats.AddScaled(m.RunningMean, m.Momentum, values(mean))
	floats.Scale(1-m.Momentum, m.RunningVar)
	floats.AddScaled(m.RunningVar, m.Momentum, unbiased)
	m.NumBatchesTracked++

	return ys, nil
}
