// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package voiceflow computes fixed-size embeddings of sequences of acoustic
// features with a ClopiNet model, and uses them to enroll, verify and
// identify speakers.
package voiceflow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/voiceflow/clopinet"
	"github.com/nlpodyssey/voiceflow/embstore"
	"github.com/nlpodyssey/voiceflow/enrollment"
	"github.com/nlpodyssey/voiceflow/sequence"
	"github.com/rs/zerolog/log"
)

// ErrEnrollmentDisabled is returned by the speaker operations when no
// registry is configured.
var ErrEnrollmentDisabled = errors.New("speaker enrollment is disabled")

// Options configures the optional resources of VoiceFlow.
type Options struct {
	// CacheDir is the directory of the embeddings cache. Empty disables the cache.
	CacheDir string
	// RegistryFilename is the SQLite database of the enrolled speakers.
	// Empty disables enrollment.
	RegistryFilename string
}

// VoiceFlow is the core struct of the library.
type VoiceFlow struct {
	Model *clopinet.Model[float32]

	cache    *embstore.Cache
	registry *enrollment.Registry
	// namespace separates the cache entries of different models.
	namespace string
	// mu serializes the forward passes.
	mu sync.Mutex
}

// Embedding is the embedding of a sequence.
type Embedding struct {
	Values []float32
	// Cached is true when the embedding was read from the cache.
	Cached bool
}

// Load loads a VoiceFlow model from the given directory.
func Load(modelDir string, opts Options) (_ *VoiceFlow, err error) {
	filename := filepath.Join(modelDir, clopinet.DefaultModelFilename)
	model, err := clopinet.Load[float32](filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("error: unable to find the model file or directory '%s'. Please ensure that the model has been successfully downloaded and converted before trying again", modelDir)
		}
		return nil, err
	}
	namespace, err := fileDigest(filename)
	if err != nil {
		return nil, err
	}

	v := &VoiceFlow{Model: model, namespace: namespace}
	defer func() {
		if err != nil {
			_ = v.Close()
		}
	}()

	if opts.CacheDir != "" {
		if v.cache, err = embstore.Open(opts.CacheDir); err != nil {
			return nil, err
		}
	}
	if opts.RegistryFilename != "" {
		if v.registry, err = enrollment.Open(opts.RegistryFilename); err != nil {
			return nil, fmt.Errorf("failed to open speakers registry: %w", err)
		}
	}

	log.Debug().Str("model", filename).Int("output-dim", model.OutputDim()).Msg("Model loaded")
	return v, nil
}

// New returns a VoiceFlow around an already loaded model. Cache and
// registry may be nil.
func New(model *clopinet.Model[float32], cache *embstore.Cache, registry *enrollment.Registry) *VoiceFlow {
	return &VoiceFlow{
		Model:     model,
		cache:     cache,
		registry:  registry,
		namespace: fmt.Sprintf("%+v", model.Config),
	}
}

func fileDigest(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	d := xxhash.New()
	if _, err = io.Copy(d, f); err != nil {
		return "", fmt.Errorf("failed to read model file %q: %w", filename, err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// Close closes the cache and the registry.
func (v *VoiceFlow) Close() error {
	var errs []error
	if v.cache != nil {
		errs = append(errs, v.cache.Close())
	}
	if v.registry != nil {
		errs = append(errs, v.registry.Close())
	}
	return errors.Join(errs...)
}

// Embed returns one embedding for each sequence of feature vectors.
// Sequences may have different lengths.
func (v *VoiceFlow) Embed(ctx context.Context, seqs [][][]float32) ([]Embedding, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: no sequences", clopinet.ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Embedding, len(seqs))
	keys := make([][]byte, len(seqs))
	var missing []int
	for i, s := range seqs {
		if v.cache == nil {
			missing = append(missing, i)
			continue
		}
		keys[i] = embstore.Key(v.namespace, s)
		values, found, err := v.cache.Get(keys[i])
		if err != nil {
			return nil, err
		}
		if !found {
			missing = append(missing, i)
			continue
		}
		out[i] = Embedding{Values: values, Cached: true}
	}
	log.Trace().Int("sequences", len(seqs)).Int("cached", len(seqs)-len(missing)).Msg("Embedding")

	if len(missing) == 0 {
		return out, nil
	}

	for _, group := range v.batches(seqs, missing) {
		batch := make([][][]float32, len(group))
		for j, i := range group {
			batch[j] = seqs[i]
		}
		embeddings, err := v.forward(batch)
		if err != nil {
			return nil, err
		}
		for j, i := range group {
			out[i] = Embedding{Values: embeddings[j]}
			if v.cache != nil {
				if err = v.cache.Put(keys[i], embeddings[j]); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// batches splits the indices into the batches of a forward pass.
// Models with attention or max pooling only accept equal-length batches,
// so their sequences are grouped by length.
func (v *VoiceFlow) batches(seqs [][][]float32, indices []int) [][]int {
	c := v.Model.Config
	if len(c.Attention) == 0 && c.Pooling != clopinet.MaxPooling {
		return [][]int{indices}
	}
	var groups [][]int
	byLength := make(map[int]int)
	for _, i := range indices {
		l := len(seqs[i])
		g, ok := byLength[l]
		if !ok {
			g = len(groups)
			byLength[l] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func (v *VoiceFlow) forward(seqs [][][]float32) ([][]float32, error) {
	dense := sequence.NewDense(seqs)

	var x sequence.Input = dense
	if !sameLength(seqs) {
		packed, err := sequence.Pack(dense.Sequences)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", clopinet.ErrEmptyInput, err)
		}
		x = packed
	}

	v.mu.Lock()
	ys, err := v.Model.Forward(x)
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return toFloat32(ys), nil
}

func sameLength(seqs [][][]float32) bool {
	for _, s := range seqs[1:] {
		if len(s) != len(seqs[0]) {
			return false
		}
	}
	return true
}

func toFloat32(ys []mat.Tensor) [][]float32 {
	out := make([][]float32, len(ys))
	for i, y := range ys {
		data := y.Value().Data().F64()
		out[i] = make([]float32, len(data))
		for j, x := range data {
			out[i][j] = float32(x)
		}
	}
	return out
}

// Enroll embeds the sequences and adds them to the speaker.
func (v *VoiceFlow) Enroll(ctx context.Context, speaker string, seqs [][][]float32) (*enrollment.Speaker, error) {
	if v.registry == nil {
		return nil, ErrEnrollmentDisabled
	}
	embeddings, err := v.Embed(ctx, seqs)
	if err != nil {
		return nil, err
	}
	var s *enrollment.Speaker
	for _, e := range embeddings {
		if s, err = v.registry.Enroll(ctx, speaker, e.Values); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Verify tells whether the sequence was uttered by the speaker.
func (v *VoiceFlow) Verify(ctx context.Context, speaker string, seq [][]float32, threshold float64) (enrollment.Match, error) {
	if v.registry == nil {
		return enrollment.Match{}, ErrEnrollmentDisabled
	}
	embeddings, err := v.Embed(ctx, [][][]float32{seq})
	if err != nil {
		return enrollment.Match{}, err
	}
	return v.registry.Verify(ctx, speaker, embeddings[0].Values, threshold)
}

// Identify returns the enrolled speaker closest to the sequence.
func (v *VoiceFlow) Identify(ctx context.Context, seq [][]float32, threshold float64) (enrollment.Match, error) {
	if v.registry == nil {
		return enrollment.Match{}, ErrEnrollmentDisabled
	}
	embeddings, err := v.Embed(ctx, [][][]float32{seq})
	if err != nil {
		return enrollment.Match{}, err
	}
	return v.registry.Identify(ctx, embeddings[0].Values, threshold)
}

// Speakers lists the enrolled speakers.
func (v *VoiceFlow) Speakers(ctx context.Context) ([]enrollment.Speaker, error) {
	if v.registry == nil {
		return nil, ErrEnrollmentDisabled
	}
	return v.registry.List(ctx)
}
