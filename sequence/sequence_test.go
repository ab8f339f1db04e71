// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sequence

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/spago/mat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frames builds a sequence whose frames hold a single value: id*10 + t.
func frames(id, length int) []mat.Tensor {
	s := make([]mat.Tensor, length)
	for t := range s {
		s[t] = mat.Scalar[float32](float32(id*10 + t))
	}
	return s
}

func ids(seqs [][]mat.Tensor) [][]float32 {
	out := make([][]float32, len(seqs))
	for i, s := range seqs {
		out[i] = make([]float32, len(s))
		for t, x := range s {
			out[i][t] = float32(x.Value().Data().F64()[0])
		}
	}
	return out
}

func TestPack(t *testing.T) {
	seqs := [][]mat.Tensor{frames(0, 2), frames(1, 4), frames(2, 3)}

	p, err := Pack(seqs)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 2, 1}, p.BatchSizes)
	assert.Equal(t, []int{1, 2, 0}, p.SortedIndices)
	assert.Equal(t, []int{2, 0, 1}, p.UnsortedIndices)
	assert.Len(t, p.Data, 9)
	assert.NoError(t, p.Validate())

	assert.Equal(t, 3, p.BatchSize())
	assert.Equal(t, 1, p.Features())
	assert.Equal(t, []int{2, 4, 3}, p.Lengths())

	if diff := cmp.Diff(ids(seqs), ids(p.Unpack())); diff != "" {
		t.Errorf("Unpack() mismatch (-want +got):\n%s", diff)
	}
}

func TestPack_StableOnEqualLengths(t *testing.T) {
	seqs := [][]mat.Tensor{frames(0, 2), frames(1, 3), frames(2, 2)}

	p, err := Pack(seqs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, p.SortedIndices)
	assert.Equal(t, []int{3, 3, 1}, p.BatchSizes)
	assert.Equal(t, []int{2, 3, 2}, p.Lengths())
}

func TestPack_Errors(t *testing.T) {
	_, err := Pack(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Pack([][]mat.Tensor{frames(0, 2), {}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPacked_WithoutIndices(t *testing.T) {
	p := &Packed{
		Data:       []mat.Tensor{mat.Scalar[float32](0), mat.Scalar[float32](10), mat.Scalar[float32](1)},
		BatchSizes: []int{2, 1},
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, []int{2, 1}, p.Lengths())
	assert.Equal(t, [][]float32{{0, 1}, {10}}, ids(p.Unpack()))
}

func TestPacked_Validate(t *testing.T) {
	data := frames(0, 3)
	tests := []struct {
		name string
		p    *Packed
	}{
		{"no batch sizes", &Packed{Data: data}},
		{"zero batch size", &Packed{Data: data, BatchSizes: []int{0}}},
		{"increasing batch sizes", &Packed{Data: data, BatchSizes: []int{1, 2}}},
		{"data length", &Packed{Data: data, BatchSizes: []int{2, 2}}},
		{"indices length", &Packed{Data: data, BatchSizes: []int{2, 1}, SortedIndices: []int{0}, UnsortedIndices: []int{0}}},
		{"indices out of range", &Packed{Data: data, BatchSizes: []int{2, 1}, SortedIndices: []int{0, 2}, UnsortedIndices: []int{0, 1}}},
		{"not inverse", &Packed{Data: data, BatchSizes: []int{2, 1}, SortedIndices: []int{1, 0}, UnsortedIndices: []int{0, 1}}},
		{"nil frame", &Packed{Data: []mat.Tensor{data[0], nil, data[2]}, BatchSizes: []int{2, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.p.Validate(), ErrMalformed)
		})
	}
}

func TestDense(t *testing.T) {
	d := NewDense([][][]float32{
		{{1, 2}, {3, 4}, {5, 6}},
		{{7, 8}, {9, 10}, {11, 12}},
	})
	assert.Equal(t, 2, d.BatchSize())
	assert.Equal(t, 2, d.Features())
	assert.Equal(t, []int{3, 3}, d.Lengths())
	assert.Equal(t, []float64{9, 10}, d.Sequences[1][1].Value().Data().F64())

	assert.Equal(t, 0, (&Dense{}).Features())
}

func TestPad(t *testing.T) {
	zero := mat.Scalar[float32](-1)
	s := frames(1, 2)

	padded := Pad(s, 4, zero)
	assert.Equal(t, []float32{10, 11, -1, -1}, ids([][]mat.Tensor{padded})[0])
	assert.Len(t, s, 2)

	assert.Equal(t, s, Pad(s, 1, zero))
}

func TestMaxLength(t *testing.T) {
	assert.Equal(t, 0, MaxLength(nil))
	assert.Equal(t, 7, MaxLength([]int{3, 7, 2}))
}
