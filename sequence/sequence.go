// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sequence provides the batch representations accepted by the
// sequence embedding models: dense batches of equal-length sequences and
// length-packed batches of variable-length sequences.
package sequence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
)

// ErrMalformed is returned when a packed batch is not consistent.
var ErrMalformed = errors.New("malformed packed sequence")

// Input is a batch of sequences of feature vectors.
type Input interface {
	// BatchSize returns the number of sequences.
	BatchSize() int
	// Features returns the size of the feature vectors.
	Features() int
	// Lengths returns the length of each sequence.
	Lengths() []int
}

var (
	_ Input = &Dense{}
	_ Input = &Packed{}
)

// Dense is a batch-major batch: Sequences[b][t] is the feature vector of
// the frame t of the sequence b.
type Dense struct {
	Sequences [][]mat.Tensor
}

// NewDense builds a Dense batch from batch x time x features data.
func NewDense[T float.DType](data [][][]T) *Dense {
	seqs := make([][]mat.Tensor, len(data))
	for b, frames := range data {
		seqs[b] = make([]mat.Tensor, len(frames))
		for t, frame := range frames {
			seqs[b][t] = mat.NewDense[T](mat.WithShape(len(frame)), mat.WithBacking(append([]T(nil), frame...)))
		}
	}
	return &Dense{Sequences: seqs}
}

// BatchSize returns the number of sequences.
func (d *Dense) BatchSize() int {
	return len(d.Sequences)
}

// Features returns the size of the first feature vector, or zero.
func (d *Dense) Features() int {
	if len(d.Sequences) == 0 || len(d.Sequences[0]) == 0 {
		return 0
	}
	return d.Sequences[0][0].Size()
}

// Lengths returns the length of each sequence.
func (d *Dense) Lengths() []int {
	lengths := make([]int, len(d.Sequences))
	for i, s := range d.Sequences {
		lengths[i] = len(s)
	}
	return lengths
}

// Packed stores variable-length sequences contiguously, time-major.
//
// Data holds, for each time step t, the frames at t of the sequences
// still running, ordered by decreasing length. BatchSizes[t] is the
// number of such sequences. SortedIndices[i] is the batch index of the
// i-th longest sequence; UnsortedIndices is its inverse.
type Packed struct {
	Data            []mat.Tensor
	BatchSizes      []int
	SortedIndices   []int
	UnsortedIndices []int
}

// Pack packs the sequences. Sequences are sorted by decreasing length;
// the original order is restored by Unpack.
func Pack(seqs [][]mat.Tensor) (*Packed, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: no sequences to pack", ErrMalformed)
	}
	sorted := make([]int, len(seqs))
	for i, s := range seqs {
		if len(s) == 0 {
			return nil, fmt.Errorf("%w: sequence %d is empty", ErrMalformed, i)
		}
		sorted[i] = i
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(seqs[sorted[i]]) > len(seqs[sorted[j]])
	})
	unsorted := make([]int, len(seqs))
	for pos, idx := range sorted {
		unsorted[idx] = pos
	}

	maxLen := len(seqs[sorted[0]])
	batchSizes := make([]int, maxLen)
	data := make([]mat.Tensor, 0, totalLength(seqs))
	for t := 0; t < maxLen; t++ {
		for _, idx := range sorted {
			if len(seqs[idx]) <= t {
				break
			}
			data = append(data, seqs[idx][t])
			batchSizes[t]++
		}
	}

	return &Packed{
		Data:            data,
		BatchSizes:      batchSizes,
		SortedIndices:   sorted,
		UnsortedIndices: unsorted,
	}, nil
}

func totalLength(seqs [][]mat.Tensor) int {
	n := 0
	for _, s := range seqs {
		n += len(s)
	}
	return n
}

// Validate checks the consistency of the packed batch.
func (p *Packed) Validate() error {
	if len(p.BatchSizes) == 0 || p.BatchSizes[0] == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	total := 0
	for t, bs := range p.BatchSizes {
		if bs <= 0 || (t > 0 && bs > p.BatchSizes[t-1]) {
			return fmt.Errorf("%w: batch sizes must be positive and non-increasing, actual %v", ErrMalformed, p.BatchSizes)
		}
		total += bs
	}
	if total != len(p.Data) {
		return fmt.Errorf("%w: batch sizes sum to %d, actual data length %d", ErrMalformed, total, len(p.Data))
	}
	for i, frame := range p.Data {
		if frame == nil {
			return fmt.Errorf("%w: nil frame at position %d", ErrMalformed, i)
		}
	}
	n := p.BatchSizes[0]
	if p.SortedIndices == nil && p.UnsortedIndices == nil {
		return nil
	}
	if len(p.SortedIndices) != n || len(p.UnsortedIndices) != n {
		return fmt.Errorf("%w: expected %d sorted/unsorted indices", ErrMalformed, n)
	}
	for pos, idx := range p.SortedIndices {
		if idx < 0 || idx >= n || p.UnsortedIndices[idx] != pos {
			return fmt.Errorf("%w: sorted and unsorted indices are not inverse permutations", ErrMalformed)
		}
	}
	return nil
}

// BatchSize returns the number of sequences.
func (p *Packed) BatchSize() int {
	if len(p.BatchSizes) == 0 {
		return 0
	}
	return p.BatchSizes[0]
}

// Features returns the size of the first feature vector, or zero.
func (p *Packed) Features() int {
	if len(p.Data) == 0 {
		return 0
	}
	return p.Data[0].Size()
}

// Lengths returns the length of each sequence, in the original order.
func (p *Packed) Lengths() []int {
	sortedLengths := make([]int, p.BatchSize())
	for _, bs := range p.BatchSizes {
		for j := 0; j < bs; j++ {
			sortedLengths[j]++
		}
	}
	lengths := make([]int, len(sortedLengths))
	for pos, l := range sortedLengths {
		lengths[p.originalIndex(pos)] = l
	}
	return lengths
}

// Unpack returns the sequences in the original order.
func (p *Packed) Unpack() [][]mat.Tensor {
	seqs := make([][]mat.Tensor, p.BatchSize())
	offset := 0
	for _, bs := range p.BatchSizes {
		for j := 0; j < bs; j++ {
			idx := p.originalIndex(j)
			seqs[idx] = append(seqs[idx], p.Data[offset+j])
		}
		offset += bs
	}
	return seqs
}

func (p *Packed) originalIndex(sortedPos int) int {
	if p.SortedIndices == nil {
		return sortedPos
	}
	return p.SortedIndices[sortedPos]
}

// Pad extends the sequence to the given length appending the zero vector.
// Longer sequences are returned unchanged.
func Pad(seq []mat.Tensor, length int, zero mat.Tensor) []mat.Tensor {
	if len(seq) >= length {
		return seq
	}
	padded := make([]mat.Tensor, length)
	copy(padded, seq)
	for t := len(seq); t < length; t++ {
		padded[t] = zero
	}
	return padded
}

// MaxLength returns the longest of the lengths.
func MaxLength(lengths []int) int {
	m := 0
	for _, l := range lengths {
		if l > m {
			m = l
		}
	}
	return m
}
