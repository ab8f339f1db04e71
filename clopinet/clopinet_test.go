// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"bytes"
	"math"
	mrand "math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/rand"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/voiceflow/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func randomBatch(seed int64, batchSize, length, features int) [][][]float64 {
	r := mrand.New(mrand.NewSource(seed))
	data := make([][][]float64, batchSize)
	for b := range data {
		data[b] = make([][]float64, length)
		for t := range data[b] {
			data[b][t] = make([]float64, features)
			for f := range data[b][t] {
				data[b][t][f] = r.NormFloat64()
			}
		}
	}
	return data
}

func embeddingValues(t *testing.T, ys []mat.Tensor) [][]float64 {
	t.Helper()
	out := make([][]float64, len(ys))
	for i, y := range ys {
		out[i] = append([]float64(nil), values(y)...)
	}
	return out
}

func shape(p *nn.Param) []int {
	m := p.Value().(mat.Matrix)
	return []int{m.Shape()[0], m.Shape()[1]}
}

func smallConfig() Config {
	c := DefaultConfig(5)
	c.Recurrent = []int{4, 3}
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := ParsePooling("avg")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseCellKind("RNN")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c := smallConfig()
	c.Pooling = Pooling(7)
	m, err := New[float64](c)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, m)

	c = smallConfig()
	c.RNN = CellKind(3)
	_, err = New[float64](c)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c = smallConfig()
	c.Linear = []int{8, 0}
	_, err = New[float64](c)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c = smallConfig()
	c.Recurrent = nil
	_, err = New[float64](c)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOutputDim(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   int
	}{
		{"default", func(c *Config) {}, 192},
		{"bidirectional", func(c *Config) { c.Bidirectional = true }, 384},
		{"linear", func(c *Config) { c.Linear = []int{128, 32} }, 32},
		{"bidirectional linear", func(c *Config) { c.Bidirectional = true; c.Linear = []int{16} }, 16},
		{"uneven", func(c *Config) { c.Recurrent = []int{10, 20} }, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig(40)
			tt.modify(&c)
			m, err := New[float32](c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.OutputDim())
			assert.Equal(t, tt.want, c.OutputDim())
		})
	}
}

func TestNew_LayerChaining(t *testing.T) {
	c := DefaultConfig(6)
	c.Recurrent = []int{4, 3}
	c.Bidirectional = true
	c.Weighted = true
	c.Linear = []int{5}
	c.Attention = []int{2}
	c.Normalize = Ring
	m, err := New[float64](c)
	require.NoError(t, err)

	require.Len(t, m.Recurrent, 2)
	assert.Len(t, m.Recurrent[0].Cells, 2)
	assert.Equal(t, 8, m.Recurrent[0].OutputSize())
	assert.Equal(t, []int{4, 6}, shape(m.Recurrent[0].Cells[0].(*LSTM).Input.W))
	assert.Equal(t, []int{3, 8}, shape(m.Recurrent[1].Cells[0].(*LSTM).Input.W))

	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, values(m.Alphas))
	require.Len(t, m.Linear, 1)
	assert.Equal(t, []int{5, 14}, shape(m.Linear[0].W))
	assert.Equal(t, 5, m.BatchNorm.Size)
	assert.Equal(t, 1, m.NormBatchNorm.Size)

	require.Len(t, m.Attention, 2)
	assert.Equal(t, []int{2, 6}, shape(m.Attention[0].W))
	assert.Equal(t, []int{1, 2}, shape(m.Attention[1].W))

	c.Attention = []int{4, 1}
	m, err = New[float64](c)
	require.NoError(t, err)
	assert.Len(t, m.Attention, 2, "no extra layer when the last size is already 1")
}

func TestParamCount(t *testing.T) {
	c := DefaultConfig(2)
	c.Recurrent = []int{3}
	assert.Equal(t, 4*(3*2+3*3+2*3), c.ParamCount())

	c.RNN = GRUCell
	c.Bidirectional = true
	c.Weighted = true
	c.Linear = []int{4}
	c.Attention = []int{2}
	want := 2*3*(3*2+3*3+2*3) + 6 + (4*6 + 4) + (2*2 + 2) + (1*2 + 1)
	assert.Equal(t, want, c.ParamCount())

	m, err := New[float64](c)
	require.NoError(t, err)
	n := 0
	seen := make(map[*nn.Param]bool)
	for _, p := range m.Params() {
		assert.False(t, seen[p], "parameter listed twice")
		seen[p] = true
		n += p.Value().Size()
	}
	assert.Equal(t, want, n)
	assert.True(t, seen[m.Linear[0].W] && seen[m.Attention[1].B])
}

func TestForward_Scenario(t *testing.T) {
	c := DefaultConfig(40)
	m, err := New[float32](c)
	require.NoError(t, err)
	assert.Equal(t, 192, m.OutputDim())

	data := make([][][]float32, 8)
	r := mrand.New(mrand.NewSource(1))
	for b := range data {
		data[b] = make([][]float32, 100)
		for i := range data[b] {
			data[b][i] = make([]float32, 40)
			for f := range data[b][i] {
				data[b][i][f] = float32(r.NormFloat64())
			}
		}
	}

	ys, err := m.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	require.Len(t, ys, 8)
	for _, y := range ys {
		assert.Equal(t, 192, y.Value().Size())
	}
}

func TestForward_Deterministic(t *testing.T) {
	c := smallConfig()
	c.Linear = []int{6}
	c.Attention = []int{3}
	c.Weighted = true
	c.InstanceNormalize = true
	m, err := New[float64](c)
	require.NoError(t, err)

	data := randomBatch(2, 3, 7, 5)
	ys1, err := m.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	ys2, err := m.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	assert.Equal(t, embeddingValues(t, ys1), embeddingValues(t, ys2))

	other, err := New[float64](c)
	require.NoError(t, err)
	ys3, err := other.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	assert.Equal(t, embeddingValues(t, ys1), embeddingValues(t, ys3), "same seed, same parameters")
}

func TestForward_DenseAndPackedAgree(t *testing.T) {
	for _, kind := range []CellKind{LSTMCell, GRUCell} {
		t.Run(kind.String(), func(t *testing.T) {
			c := smallConfig()
			c.RNN = kind
			c.Bidirectional = true
			c.Linear = []int{6}
			m, err := New[float64](c)
			require.NoError(t, err)

			lengths := []int{4, 9, 6}
			var seqs [][]mat.Tensor
			var want [][]float64
			for i, l := range lengths {
				dense := sequence.NewDense(randomBatch(int64(10+i), 1, l, 5))
				ys, err := m.Forward(dense)
				require.NoError(t, err)
				want = append(want, values(ys[0]))
				seqs = append(seqs, dense.Sequences[0])
			}

			packed, err := sequence.Pack(seqs)
			require.NoError(t, err)
			ys, err := m.Forward(packed)
			require.NoError(t, err)

			got := embeddingValues(t, ys)
			if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("packed embeddings mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestForward_DimensionMismatch(t *testing.T) {
	m, err := New[float64](smallConfig())
	require.NoError(t, err)

	for _, shape := range [][3]int{{1, 1, 4}, {3, 10, 6}, {2, 5, 40}} {
		_, err = m.Forward(sequence.NewDense(randomBatch(0, shape[0], shape[1], shape[2])))
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	}

	seqs := sequence.NewDense(randomBatch(0, 2, 3, 7)).Sequences
	packed, err := sequence.Pack(seqs)
	require.NoError(t, err)
	_, err = m.Forward(packed)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestForward_InvalidInput(t *testing.T) {
	m, err := New[float64](smallConfig())
	require.NoError(t, err)

	_, err = m.Forward(&sequence.Dense{})
	assert.ErrorIs(t, err, ErrEmptyInput)

	ragged := sequence.NewDense(randomBatch(0, 1, 3, 5))
	ragged.Sequences = append(ragged.Sequences, ragged.Sequences[0][:2])
	_, err = m.Forward(ragged)
	assert.ErrorIs(t, err, ErrRaggedBatch)

	_, err = m.Forward(&sequence.Packed{BatchSizes: []int{1, 2}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Forward(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestForward_PackedUnsupported(t *testing.T) {
	seqs := sequence.NewDense(randomBatch(3, 2, 4, 5)).Sequences
	packed, err := sequence.Pack(seqs)
	require.NoError(t, err)

	c := smallConfig()
	c.Attention = []int{2}
	m, err := New[float64](c)
	require.NoError(t, err)
	_, err = m.Forward(packed)
	assert.ErrorIs(t, err, ErrNotImplemented)

	c = smallConfig()
	c.Pooling = MaxPooling
	m, err = New[float64](c)
	require.NoError(t, err)
	_, err = m.Forward(packed)
	assert.ErrorIs(t, err, ErrNotImplemented)

	// dense input is fine for both
	_, err = m.Forward(sequence.NewDense(randomBatch(3, 2, 4, 5)))
	assert.NoError(t, err)
}

func TestForward_Normalization(t *testing.T) {
	data := randomBatch(4, 5, 6, 5)

	norms := func(t *testing.T, mode Normalization) []float64 {
		c := smallConfig()
		c.Normalize = mode
		m, err := New[float64](c)
		require.NoError(t, err)
		ys, err := m.Forward(sequence.NewDense(data))
		require.NoError(t, err)
		out := make([]float64, len(ys))
		for i, y := range ys {
			out[i] = floats.Norm(values(y), 2)
		}
		return out
	}

	t.Run("sphere", func(t *testing.T) {
		for _, n := range norms(t, Sphere) {
			assert.InDelta(t, 1.0, n, 1e-9)
		}
	})
	t.Run("ball", func(t *testing.T) {
		for _, n := range norms(t, Ball) {
			assert.Less(t, n, 1.0)
			assert.Greater(t, n, 0.0)
		}
	})
	t.Run("ring", func(t *testing.T) {
		for _, n := range norms(t, Ring) {
			assert.Greater(t, n, 1.0)
			assert.Less(t, n, 2.0)
		}
	})
}

func TestForward_MaxPooling(t *testing.T) {
	c := smallConfig()
	c.Pooling = MaxPooling
	c.BatchNormalize = false
	m, err := New[float64](c)
	require.NoError(t, err)

	data := randomBatch(5, 2, 5, 5)
	ys, err := m.Forward(sequence.NewDense(data))
	require.NoError(t, err)

	// the LSTM outputs are bounded in (-1, 1)
	for _, y := range ys {
		for _, v := range values(y) {
			assert.Less(t, math.Abs(v), 1.0)
		}
	}
}

func TestForward_BatchNormTraining(t *testing.T) {
	m, err := New[float64](smallConfig())
	require.NoError(t, err)
	assert.False(t, m.Training())

	m.SetTraining(true)
	_, err = m.Forward(sequence.NewDense(randomBatch(6, 1, 3, 5)))
	assert.ErrorIs(t, err, ErrBatchTooSmall)

	ys, err := m.Forward(sequence.NewDense(randomBatch(6, 4, 3, 5)))
	require.NoError(t, err)
	assert.Equal(t, 1, m.BatchNorm.NumBatchesTracked)
	assert.NotEqual(t, make([]float64, m.OutputDim()), m.BatchNorm.RunningMean)

	// batch statistics: each output dimension has zero mean across the batch
	out := embeddingValues(t, ys)
	for d := 0; d < m.OutputDim(); d++ {
		s := 0.0
		for i := range out {
			s += out[i][d]
		}
		assert.InDelta(t, 0, s, 1e-9)
	}

	m.SetTraining(false)
	_, err = m.Forward(sequence.NewDense(randomBatch(6, 1, 3, 5)))
	assert.NoError(t, err)
	assert.Equal(t, 1, m.BatchNorm.NumBatchesTracked)
}

func TestForward_InstanceNormalization(t *testing.T) {
	c := smallConfig()
	c.InstanceNormalize = true
	c.BatchNormalize = false
	m, err := New[float64](c)
	require.NoError(t, err)

	data := randomBatch(7, 1, 6, 5)
	shifted := randomBatch(7, 1, 6, 5)
	for _, frame := range shifted[0] {
		for f := range frame {
			frame[f] = frame[f]*3 + 2
		}
	}

	ys1, err := m.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	ys2, err := m.Forward(sequence.NewDense(shifted))
	require.NoError(t, err)

	if diff := cmp.Diff(embeddingValues(t, ys1), embeddingValues(t, ys2), cmpopts.EquateApprox(0, 1e-3)); diff != "" {
		t.Errorf("instance normalization is not invariant to affine transforms (-a +b):\n%s", diff)
	}
}

func TestNewLinear(t *testing.T) {
	l := NewLinear[float64](3, 2, rand.NewLockedRand(1))
	l.W = nn.NewParam(mat.NewDense[float64](mat.WithShape(2, 3), mat.WithBacking([]float64{1, 2, 3, -1, 0, 0.5})))
	l.B = nn.NewParam(mat.NewDense[float64](mat.WithShape(2), mat.WithBacking([]float64{0.5, -2})))

	x := mat.NewDense[float64](mat.WithShape(3), mat.WithBacking([]float64{1, -1, 2}))
	y := l.Forward(x)[0]
	assert.Equal(t, []float64{1 - 2 + 6 + 0.5, -1 + 0 + 1 - 2}, values(y))
}

func TestForward_ZeroAttentionIsMeanPooling(t *testing.T) {
	c := smallConfig()
	c.BatchNormalize = false
	plain, err := New[float64](c)
	require.NoError(t, err)

	c.Attention = []int{1}
	m, err := New[float64](c)
	require.NoError(t, err)
	m.Recurrent = plain.Recurrent
	require.Len(t, m.Attention, 1)
	m.Attention[0].W = nn.NewParam(mat.NewDense[float64](mat.WithShape(1, 5)))
	m.Attention[0].B = nn.NewParam(mat.NewDense[float64](mat.WithShape(1)))

	const length = 6
	data := randomBatch(11, 3, length, 5)
	sum, err := plain.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	got, err := m.Forward(sequence.NewDense(data))
	require.NoError(t, err)

	want := embeddingValues(t, sum)
	for _, v := range want {
		floats.Scale(1.0/length, v)
	}
	if diff := cmp.Diff(want, embeddingValues(t, got), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("uniform attention should average the frames (-want +got):\n%s", diff)
	}
}

func TestForward_AttentionOnOriginalFrames(t *testing.T) {
	c := smallConfig()
	c.BatchNormalize = false
	c.InstanceNormalize = true
	c.Attention = []int{1}
	m, err := New[float64](c)
	require.NoError(t, err)
	w := []float64{0.3, -0.2, 0.5, 0.1, -0.4}
	m.Attention[0].W = nn.NewParam(mat.NewDense[float64](mat.WithShape(1, 5), mat.WithBacking(w)))
	m.Attention[0].B = nn.NewParam(mat.NewDense[float64](mat.WithShape(1), mat.WithBacking([]float64{0.1})))

	data := randomBatch(12, 1, 5, 5)
	for _, frame := range data[0] {
		for f := range frame {
			frame[f] = frame[f]*2 + 1
		}
	}
	input := sequence.NewDense(data)

	// recurrent outputs on the standardized frames
	b, err := m.prepare(input)
	require.NoError(t, err)
	normalized, _, _ := standardize[float64](b.seqs[0], DefaultBatchNormEps)
	hs := m.concat(m.forwardRecurrent([][]mat.Tensor{normalized}, b))[0]

	// softmax over tanh(W·x+B) of the raw frames
	weights := make([]float64, len(data[0]))
	for i, frame := range data[0] {
		weights[i] = math.Exp(math.Tanh(floats.Dot(w, frame) + 0.1))
	}
	floats.Scale(1/floats.Sum(weights), weights)

	want := make([]float64, m.OutputDim())
	for i, h := range hs {
		floats.AddScaled(want, weights[i], values(h))
	}

	ys, err := m.Forward(input)
	require.NoError(t, err)
	if diff := cmp.Diff(want, values(ys[0]), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("attention-weighted embedding mismatch (-want +got):\n%s", diff)
	}
}

func TestForward_NilFrame(t *testing.T) {
	m, err := New[float64](smallConfig())
	require.NoError(t, err)

	dense := sequence.NewDense(randomBatch(13, 2, 3, 5))
	dense.Sequences[1][2] = nil
	_, err = m.Forward(dense)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = m.Forward(&sequence.Packed{Data: []mat.Tensor{nil}, BatchSizes: []int{1}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDumpAndLoad(t *testing.T) {
	c := smallConfig()
	c.RNN = GRUCell
	c.Bidirectional = true
	c.Weighted = true
	c.Linear = []int{6}
	c.Attention = []int{3}
	c.Normalize = Ball
	m, err := New[float64](c)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(m, &buf))
	loaded, err := Decode[float64](&buf)
	require.NoError(t, err)
	assert.Equal(t, c, loaded.Config)

	data := randomBatch(8, 2, 4, 5)
	want, err := m.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	got, err := loaded.Forward(sequence.NewDense(data))
	require.NoError(t, err)
	assert.Equal(t, embeddingValues(t, want), embeddingValues(t, got))
}
