// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package clopinet implements the ClopiNet sequence embedding:
//
//	RNN          ⎤
//	  » RNN      ⎥ » MLP » Weight » temporal pooling › normalize
//	       » RNN ⎦
//
// The outputs of all the stacked recurrent layers are concatenated, then
// optionally weighted, transformed by linear layers and attention, pooled
// over time and normalized.
package clopinet

import (
	"encoding/gob"
	"fmt"

	"github.com/nlpodyssey/spago/ag"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/linear"
	"github.com/nlpodyssey/voiceflow/sequence"
)

// DefaultSeed is the seed of the parameters initialization.
const DefaultSeed uint64 = 42

var _ nn.Model = &Model[float32]{}

// Model implements the ClopiNet sequence embedding.
type Model[T float.DType] struct {
	nn.Module
	Config        Config
	Recurrent     []*Recurrent
	Alphas        *nn.Param
	Linear        []*linear.Model
	BatchNorm     *BatchNorm[T]
	NormBatchNorm *BatchNorm[T]
	Attention     []*linear.Model

	training bool
}

func init() {
	gob.Register(&Model[float32]{})
	gob.Register(&Model[float64]{})
}

type options struct {
	seed uint64
}

// Option configures the construction of a Model.
type Option func(*options)

// WithSeed sets the seed of the parameters initialization.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// New returns a new ClopiNet model. The configuration is validated before
// any parameter is allocated.
func New[T float.DType](c Config, opts ...Option) (*Model[T], error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := options{seed: DefaultSeed}
	for _, opt := range opts {
		opt(&o)
	}
	rng := rand.NewLockedRand(o.seed)

	m := &Model[T]{Config: c}

	in := c.Features
	for _, hidden := range c.Recurrent {
		layer := NewRecurrent[T](c.RNN, in, hidden, c.Bidirectional, rng)
		m.Recurrent = append(m.Recurrent, layer)
		in = layer.OutputSize()
	}

	// the outputs of the recurrent layers are concatenated
	in = c.RecurrentDim()

	if c.Weighted {
		ones := make([]T, in)
		for i := range ones {
			ones[i] = 1
		}
		m.Alphas = nn.NewParam(mat.NewDense[T](mat.WithShape(in), mat.WithBacking(ones)))
	}

	for _, hidden := range c.Linear {
		m.Linear = append(m.Linear, NewLinear[T](in, hidden, rng))
		in = hidden
	}

	if c.BatchNormalize {
		m.BatchNorm = NewBatchNorm[T](in)
	}
	if c.Normalize == Ball || c.Normalize == Ring {
		m.NormBatchNorm = NewBatchNorm[T](1)
	}

	in = c.Features
	for _, hidden := range c.AttentionSizes() {
		m.Attention = append(m.Attention, NewLinear[T](in, hidden, rng))
		in = hidden
	}

	return m, nil
}

// OutputDim returns the dimension of the embeddings.
func (m *Model[T]) OutputDim() int {
	return m.Config.OutputDim()
}

// SetTraining switches between training and evaluation mode.
// It only affects batch normalization.
func (m *Model[T]) SetTraining(training bool) {
	m.training = training
}

// Training reports whether the model is in training mode.
func (m *Model[T]) Training() bool {
	return m.training
}

// Params returns the trainable parameters in the order of the checkpoint
// layout: recurrent gates (W, U, BW, BU per gate), alphas, linear layers,
// then attention layers. The list is built explicitly: nn.ForEachParam
// walks struct fields by reflection, including the []Cell interface slice,
// and gives no guarantee on this order.
func (m *Model[T]) Params() []*nn.Param {
	var ps []*nn.Param
	for _, layer := range m.Recurrent {
		for _, cell := range layer.Cells {
			for _, g := range cell.Gates() {
				ps = append(ps, g.W, g.U, g.BW, g.BU)
			}
		}
	}
	if m.Alphas != nil {
		ps = append(ps, m.Alphas)
	}
	for _, layer := range m.Linear {
		ps = append(ps, layer.W, layer.B)
	}
	for _, layer := range m.Attention {
		ps = append(ps, layer.W, layer.B)
	}
	return ps
}

// batch is the internal view of an input: one slice of frames per element,
// with its valid length.
type batch struct {
	seqs    [][]mat.Tensor
	lengths []int
	packed  bool
}

// Forward computes one embedding for each sequence of the input, in the
// input batch order.
func (m *Model[T]) Forward(x sequence.Input) ([]mat.Tensor, error) {
	b, err := m.prepare(x)
	if err != nil {
		return nil, err
	}

	original := b.seqs
	seqs := original
	if m.Config.InstanceNormalize {
		seqs = make([][]mat.Tensor, len(original))
		for i, s := range original {
			seqs[i], _, _ = standardize[T](s, DefaultBatchNormEps)
		}
	}

	outputs := m.forwardRecurrent(seqs, b)
	output := m.concat(outputs)

	if m.Alphas != nil {
		for i := range output {
			output[i] = prod(m.Alphas, output[i])
		}
	}

	for _, layer := range m.Linear {
		for i := range output {
			output[i] = tanh(layer.Forward(output[i]...))
		}
	}

	if len(m.Attention) > 0 {
		for i := range output {
			output[i] = m.attend(original[i], output[i])
		}
	}

	embeddings := m.pool(output, b.lengths)

	if m.BatchNorm != nil {
		if embeddings, err = m.BatchNorm.Forward(m.training, embeddings...); err != nil {
			return nil, fmt.Errorf("batch normalization: %w", err)
		}
	}

	if m.Config.Normalize != NoNormalization {
		if embeddings, err = m.normalize(embeddings); err != nil {
			return nil, fmt.Errorf("normalization: %w", err)
		}
	}

	return embeddings, nil
}

// prepare validates the input and extracts its sequences.
func (m *Model[T]) prepare(x sequence.Input) (batch, error) {
	var b batch
	switch in := x.(type) {
	case *sequence.Dense:
		b.seqs = in.Sequences
		if len(b.seqs) == 0 {
			return b, fmt.Errorf("%w: no sequences", ErrEmptyInput)
		}
		for i, s := range b.seqs {
			if len(s) == 0 {
				return b, fmt.Errorf("%w: sequence %d has no frames", ErrEmptyInput, i)
			}
			if len(s) != len(b.seqs[0]) {
				return b, fmt.Errorf("%w: sequence %d has %d frames, expected %d", ErrRaggedBatch, i, len(s), len(b.seqs[0]))
			}
		}
		b.lengths = in.Lengths()
	case *sequence.Packed:
		if err := in.Validate(); err != nil {
			return b, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		b.seqs = in.Unpack()
		b.lengths = in.Lengths()
		b.packed = true
	case nil:
		return b, fmt.Errorf("%w: nil input", ErrInvalidInput)
	default:
		return b, fmt.Errorf("%w: unsupported input type %T", ErrInvalidInput, x)
	}

	for i, s := range b.seqs {
		for t, frame := range s {
			if frame == nil {
				return b, fmt.Errorf("%w: sequence %d frame %d is nil", ErrInvalidInput, i, t)
			}
			if n := frame.Size(); n != m.Config.Features {
				return b, fmt.Errorf("%w: found %d, should be %d (sequence %d, frame %d)", ErrDimensionMismatch, n, m.Config.Features, i, t)
			}
		}
	}

	if b.packed {
		if len(m.Attention) > 0 {
			return b, fmt.Errorf("%w: attention for variable length sequences", ErrNotImplemented)
		}
		if m.Config.Pooling == MaxPooling {
			return b, fmt.Errorf("%w: \"max\" pooling for variable length sequences", ErrNotImplemented)
		}
	}
	return b, nil
}

// forwardRecurrent runs the stacked recurrent layers and returns, for each
// layer, the output sequences of the batch. Each layer consumes the output
// of the previous one, starting from a zero state.
func (m *Model[T]) forwardRecurrent(seqs [][]mat.Tensor, b batch) [][][]mat.Tensor {
	outputs := make([][][]mat.Tensor, len(m.Recurrent))
	running := seqs
	for l, layer := range m.Recurrent {
		zero := zeros[T](layer.Size)
		outputs[l] = make([][]mat.Tensor, len(running))
		for i, s := range running {
			outputs[l][i] = layer.Forward(s, zero)
		}
		running = outputs[l]
	}

	if b.packed {
		// back to a padded form: missing frames are zero vectors
		maxLen := sequence.MaxLength(b.lengths)
		for l, layer := range m.Recurrent {
			zero := zeros[T](layer.OutputSize())
			for i := range outputs[l] {
				outputs[l][i] = sequence.Pad(outputs[l][i], maxLen, zero)
			}
		}
	}
	return outputs
}

// concat concatenates the outputs of all the recurrent layers, frame by frame.
func (m *Model[T]) concat(outputs [][][]mat.Tensor) [][]mat.Tensor {
	if len(outputs) == 1 {
		return outputs[0]
	}
	batchSize := len(outputs[0])
	out := make([][]mat.Tensor, batchSize)
	for i := 0; i < batchSize; i++ {
		out[i] = make([]mat.Tensor, len(outputs[0][i]))
		for t := range out[i] {
			frame := make([]mat.Tensor, len(outputs))
			for l := range outputs {
				frame[l] = outputs[l][i][t]
			}
			out[i][t] = ag.Concat(frame...)
		}
	}
	return out
}

// attend scales each frame of xs by the attention weight computed from the
// original input frames. Weights sum to one over time.
func (m *Model[T]) attend(original, xs []mat.Tensor) []mat.Tensor {
	scores := original
	for _, layer := range m.Attention {
		scores = tanh(layer.Forward(scores...))
	}
	// scores are bounded by tanh, the exponentials cannot overflow
	exp := make([]mat.Tensor, len(scores))
	for t, s := range scores {
		exp[t] = ag.Exp(s)
	}
	z := sumNodes(exp)
	ys := make([]mat.Tensor, len(xs))
	for t, x := range xs {
		ys[t] = ag.ProdScalar(x, ag.DivScalar(exp[t], z))
	}
	return ys
}

// pool collapses the time axis. Only the first lengths[i] frames of each
// sequence are considered.
func (m *Model[T]) pool(xs [][]mat.Tensor, lengths []int) []mat.Tensor {
	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		valid := x[:lengths[i]]
		switch m.Config.Pooling {
		case MaxPooling:
			ys[i] = maxNodes(valid)
		default:
			ys[i] = sumNodes(valid)
		}
	}
	return ys
}

// normalize applies the output normalization based on the L2 norm.
func (m *Model[T]) normalize(xs []mat.Tensor) ([]mat.Tensor, error) {
	norms := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		norms[i] = l2Norm(x)
	}

	var scales []mat.Tensor
	switch m.Config.Normalize {
	case Ball, Ring:
		// The norm batch norm is applied once per call: the ring formula
		// is 1 + sigmoid(bn(norm)).
		bn, err := m.NormBatchNorm.Forward(m.training, norms...)
		if err != nil {
			return nil, err
		}
		scales = make([]mat.Tensor, len(bn))
		for i := range bn {
			scales[i] = ag.Sigmoid(bn[i])
			if m.Config.Normalize == Ring {
				scales[i] = ag.AddScalar(scales[i], scalar[T](1))
			}
		}
	}

	ys := make([]mat.Tensor, len(xs))
	for i, x := range xs {
		ys[i] = ag.DivScalar(x, norms[i])
		if scales != nil {
			ys[i] = ag.ProdScalar(ys[i], scales[i])
		}
	}
	return ys, nil
}
