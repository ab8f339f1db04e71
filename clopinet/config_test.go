// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestLoadConfig_FlatYAML(t *testing.T) {
	filename := writeFile(t, "config.yml", `
n_features: 40
rnn: gru
recurrent: [32, 16]
bidirectional: true
pooling: max
normalize: ring
weighted: true
linear: [8]
attention: [4]
`)
	c, err := LoadConfig(filename)
	require.NoError(t, err)

	want := Config{
		Features:       40,
		RNN:            GRUCell,
		Recurrent:      []int{32, 16},
		Bidirectional:  true,
		Pooling:        MaxPooling,
		BatchNormalize: true,
		Normalize:      Ring,
		Weighted:       true,
		Linear:         []int{8},
		Attention:      []int{4},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_ArchitectureParams(t *testing.T) {
	filename := writeFile(t, "config.yml", `
architecture:
  name: pyannote.audio.embedding.models.ClopiNet
  params:
    n_features: 59
    rnn: LSTM
    recurrent: [256, 256, 256]
    bidirectional: true
    normalize: false
    batch_normalize: false
    linear: []
`)
	c, err := LoadConfig(filename)
	require.NoError(t, err)

	assert.Equal(t, 59, c.Features)
	assert.Equal(t, LSTMCell, c.RNN)
	assert.Equal(t, []int{256, 256, 256}, c.Recurrent)
	assert.True(t, c.Bidirectional)
	assert.False(t, c.BatchNormalize)
	assert.Equal(t, NoNormalization, c.Normalize)
	assert.Equal(t, SumPooling, c.Pooling)
	assert.Equal(t, 1536, c.OutputDim())
}

func TestLoadConfig_JSON(t *testing.T) {
	filename := writeFile(t, "config.json", `{
  "n_features": 3,
  "rnn": "GRU",
  "recurrent": [4],
  "pooling": "sum",
  "normalize": "sphere",
  "instance_normalize": true
}`)
	c, err := LoadConfig(filename)
	require.NoError(t, err)

	assert.Equal(t, 3, c.Features)
	assert.Equal(t, GRUCell, c.RNN)
	assert.Equal(t, []int{4}, c.Recurrent)
	assert.Equal(t, Sphere, c.Normalize)
	assert.True(t, c.InstanceNormalize)
	assert.True(t, c.BatchNormalize)

	filename = writeFile(t, "config.json", `{"n_features": 3, "normalize": false}`)
	c, err = LoadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, NoNormalization, c.Normalize)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"avg pooling", "n_features: 40\npooling: avg\n"},
		{"unknown cell", "n_features: 40\nrnn: RNN\n"},
		{"unknown normalization", "n_features: 40\nnormalize: cube\n"},
		{"normalize true", "n_features: 40\nnormalize: true\n"},
		{"no features", "recurrent: [16]\n"},
		{"no recurrent layers", "n_features: 40\nrecurrent: []\n"},
		{"zero linear size", "n_features: 40\nlinear: [0]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.yml", tt.content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestReadConfig_DoesNotValidate(t *testing.T) {
	filename := writeFile(t, "config.yml", "architecture:\n  params:\n    recurrent: [16]\n")
	c, err := ReadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Features)
	assert.Equal(t, []int{16}, c.Recurrent)

	_, err = LoadConfig(filename)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReadConfig_MissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveConfig(t *testing.T) {
	c := Config{
		Features:      20,
		RNN:           GRUCell,
		Recurrent:     []int{8, 8},
		Bidirectional: true,
		Pooling:       MaxPooling,
		Normalize:     NoNormalization,
		Linear:        []int{4},
	}
	filename := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, SaveConfig(c, filename))

	loaded, err := LoadConfig(filename)
	require.NoError(t, err)
	if diff := cmp.Diff(c, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("SaveConfig() round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEnums(t *testing.T) {
	k, err := ParseCellKind("lstm")
	require.NoError(t, err)
	assert.Equal(t, LSTMCell, k)
	assert.Equal(t, 4, k.Gates())
	assert.Equal(t, 3, GRUCell.Gates())

	_, err = ParsePooling("mean")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, s := range []string{"", "false", "none"} {
		n, err := ParseNormalization(s)
		require.NoError(t, err)
		assert.Equal(t, NoNormalization, n)
	}

	assert.Equal(t, "ball", Ball.String())
	assert.Equal(t, "Pooling(7)", Pooling(7).String())
}

func TestConfig_Validate_Order(t *testing.T) {
	// pooling is checked before anything else
	c := Config{Pooling: Pooling(5), RNN: CellKind(9)}
	err := c.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "pooling")

	c = Config{RNN: CellKind(9)}
	err = c.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "rnn")
}

func TestConfig_AttentionSizes(t *testing.T) {
	assert.Nil(t, Config{}.AttentionSizes())
	assert.Equal(t, []int{16, 1}, Config{Attention: []int{16}}.AttentionSizes())
	assert.Equal(t, []int{16, 1}, Config{Attention: []int{16, 1}}.AttentionSizes())
}

func TestConfig_Summary(t *testing.T) {
	c := Config{
		Features:       3,
		RNN:            LSTMCell,
		Recurrent:      []int{2},
		Bidirectional:  true,
		Weighted:       true,
		Linear:         []int{5},
		Attention:      []int{2},
		BatchNormalize: true,
		Normalize:      Sphere,
	}
	var names []string
	for _, l := range c.Summary() {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{
		"recurrent_0", "alphas", "linear_0", "attention_0", "attention_1",
		"pooling", "batch_norm", "normalize",
	}, names)

	// 2 directions * 4 gates * (2*3 + 2*2 + 2*2) + 4 + (5*4+5) + (2*3+2) + (1*2+1)
	assert.Equal(t, 112+4+25+8+3, c.ParamCount())
}
