// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"encoding/gob"
	"math"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
)

var (
	_ nn.Model = &Gate{}
	_ nn.Model = &LSTM{}
	_ nn.Model = &GRU{}
	_ nn.Model = &Recurrent{}
)

// Gate holds the parameters of a single recurrent gate:
// W·x + BW + U·h + BU.
// The two biases follow the PyTorch layout (bias_ih and bias_hh).
type Gate struct {
	nn.Module
	W  *nn.Param
	U  *nn.Param
	BW *nn.Param
	BU *nn.Param
}

// Cell is a recurrent cell processing a whole sequence from a zero state.
type Cell interface {
	nn.Model
	// Forward returns one hidden state for each input node.
	// zero is a zero vector of the cell hidden size.
	Forward(xs []mat.Tensor, zero mat.Tensor) []mat.Tensor
	// Gates returns the gates in the PyTorch stacking order.
	Gates() []*Gate
}

// LSTM is a long short-term memory cell.
type LSTM struct {
	nn.Module
	Input  *Gate
	Forget *Gate
	Cell   *Gate
	Output *Gate
}

// GRU is a gated recurrent unit cell.
type GRU struct {
	nn.Module
	Reset  *Gate
	Update *Gate
	New    *Gate
}

// Recurrent is a recurrent layer: one cell for the forward direction and,
// when bidirectional, one for the backward direction.
type Recurrent struct {
	nn.Module
	Cells []Cell
	Size  int
}

func init() {
	gob.Register(&Gate{})
	gob.Register(&LSTM{})
	gob.Register(&GRU{})
	gob.Register(&Recurrent{})
}

// NewGate returns a new gate, initialized uniformly in
// [-1/sqrt(hidden), 1/sqrt(hidden)].
func NewGate[T float.DType](in, hidden int, rng *rand.LockedRand) *Gate {
	bound := 1 / math.Sqrt(float64(hidden))
	return &Gate{
		W:  uniformParam[T](rng, bound, hidden, in),
		U:  uniformParam[T](rng, bound, hidden, hidden),
		BW: uniformParam[T](rng, bound, hidden),
		BU: uniformParam[T](rng, bound, hidden),
	}
}

// NewLSTM returns a new LSTM cell.
func NewLSTM[T float.DType](in, hidden int, rng *rand.LockedRand) *LSTM {
	return &LSTM{
		Input:  NewGate[T](in, hidden, rng),
		Forget: NewGate[T](in, hidden, rng),
		Cell:   NewGate[T](in, hidden, rng),
		Output: NewGate[T](in, hidden, rng),
	}
}

// NewGRU returns a new GRU cell.
func NewGRU[T float.DType](in, hidden int, rng *rand.LockedRand) *GRU {
	return &GRU{
		Reset:  NewGate[T](in, hidden, rng),
		Update: NewGate[T](in, hidden, rng),
		New:    NewGate[T](in, hidden, rng),
	}
}

// NewRecurrent returns a new recurrent layer of the given kind.
func NewRecurrent[T float.DType](kind CellKind, in, hidden int, bidirectional bool, rng *rand.LockedRand) *Recurrent {
	directions := 1
	if bidirectional {
		directions = 2
	}
	cells := make([]Cell, directions)
	for i := range cells {
		switch kind {
		case GRUCell:
			cells[i] = NewGRU[T](in, hidden, rng)
		default:
			cells[i] = NewLSTM[T](in, hidden, rng)
		}
	}
	return &Recurrent{Cells: cells, Size: hidden}
}

// Gates returns the input, forget, cell and output gates.
func (m *LSTM) Gates() []*Gate {
	return []*Gate{m.Input, m.Forget, m.Cell, m.Output}
}

// Gates returns the reset, update and new gates.
func (m *GRU) Gates() []*Gate {
	return []*Gate{m.Reset, m.Update, m.New}
}

func (g *Gate) input(xs []mat.Tensor) []mat.Tensor {
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		ys[i] = ag.Add(ag.Mul(g.W, x), g.BW)
	}
	return ys
}

func (g *Gate) hidden(h mat.Tensor) mat.Tensor {
	return ag.Add(ag.Mul(g.U, h), g.BU)
}

// Forward performs the forward step for the entire sequence.
func (m *LSTM) Forward(xs []mat.Tensor, zero mat.Tensor) []mat.Tensor {
	xi, xf, xc, xo := m.Input.input(xs), m.Forget.input(xs), m.Cell.input(xs), m.Output.input(xs)

	h, c := zero, zero
	ys := make([]mat.Tensor, len(xs))
	for t := range xs {
		i := ag.Sigmoid(ag.Add(xi[t], m.Input.hidden(h)))
		f := ag.Sigmoid(ag.Add(xf[t], m.Forget.hidden(h)))
		g := ag.Tanh(ag.Add(xc[t], m.Cell.hidden(h)))
		o := ag.Sigmoid(ag.Add(xo[t], m.Output.hidden(h)))
		c = ag.Add(ag.Prod(f, c), ag.Prod(i, g))
		h = ag.Prod(o, ag.Tanh(c))
		ys[t] = h
	}
	return ys
}

// Forward performs the forward step for the entire sequence.
func (m *GRU) Forward(xs []mat.Tensor, zero mat.Tensor) []mat.Tensor {
	xr, xz, xn := m.Reset.input(xs), m.Update.input(xs), m.New.input(xs)

	h := zero
	ys := make([]mat.Tensor, len(xs))
	for t := range xs {
		r := ag.Sigmoid(ag.Add(xr[t], m.Reset.hidden(h)))
		z := ag.Sigmoid(ag.Add(xz[t], m.Update.hidden(h)))
		n := ag.Tanh(ag.Add(xn[t], ag.Prod(r, m.New.hidden(h))))
		h = ag.Add(ag.Prod(ag.ReverseSubOne(z), n), ag.Prod(z, h))
		ys[t] = h
	}
	return ys
}

// Forward runs the layer over a sequence. For bidirectional layers the
// output at each step is the concatenation of the forward and the backward
// hidden states, in this order.
func (m *Recurrent) Forward(xs []mat.Tensor, zero mat.Tensor) []mat.Tensor {
	fw := m.Cells[0].Forward(xs, zero)
	if len(m.Cells) == 1 {
		return fw
	}
	bw := reversed(m.Cells[1].Forward(reversed(xs), zero))
	ys := make([]mat.Tensor, len(xs))
	for t := range ys {
		ys[t] = ag.Concat(fw[t], bw[t])
	}
	return ys
}

// OutputSize returns the width of the output vectors.
func (m *Recurrent) OutputSize() int {
	return m.Size * len(m.Cells)
}
