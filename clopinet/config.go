// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// CellKind is the type of recurrent cell.
type CellKind int

const (
	LSTMCell CellKind = iota
	GRUCell
)

// ParseCellKind parses "LSTM" or "GRU" (case-insensitive).
func ParseCellKind(s string) (CellKind, error) {
	switch strings.ToUpper(s) {
	case "LSTM":
		return LSTMCell, nil
	case "GRU":
		return GRUCell, nil
	}
	return 0, fmt.Errorf("%w: \"rnn\" must be one of {\"LSTM\", \"GRU\"}, actual %q", ErrInvalidConfig, s)
}

func (k CellKind) String() string {
	switch k {
	case LSTMCell:
		return "LSTM"
	case GRUCell:
		return "GRU"
	}
	return fmt.Sprintf("CellKind(%d)", int(k))
}

// Gates returns the number of gates of the cell.
func (k CellKind) Gates() int {
	if k == GRUCell {
		return 3
	}
	return 4
}

func (k CellKind) valid() bool { return k == LSTMCell || k == GRUCell }

func (k CellKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *CellKind) UnmarshalText(text []byte) (err error) {
	*k, err = ParseCellKind(string(text))
	return
}

// Pooling is the temporal pooling strategy.
type Pooling int

const (
	SumPooling Pooling = iota
	MaxPooling
)

// ParsePooling parses "sum" or "max".
func ParsePooling(s string) (Pooling, error) {
	switch s {
	case "sum":
		return SumPooling, nil
	case "max":
		return MaxPooling, nil
	}
	return 0, fmt.Errorf("%w: \"pooling\" must be one of {\"sum\", \"max\"}, actual %q", ErrInvalidConfig, s)
}

func (p Pooling) String() string {
	switch p {
	case SumPooling:
		return "sum"
	case MaxPooling:
		return "max"
	}
	return fmt.Sprintf("Pooling(%d)", int(p))
}

func (p Pooling) valid() bool { return p == SumPooling || p == MaxPooling }

func (p Pooling) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pooling) UnmarshalText(text []byte) (err error) {
	*p, err = ParsePooling(string(text))
	return
}

// Normalization is the output normalization mode.
type Normalization int

const (
	// NoNormalization leaves the embeddings as they are.
	NoNormalization Normalization = iota
	// Sphere projects the embeddings on the unit sphere.
	Sphere
	// Ball maps the embeddings inside the unit ball with a learned radius.
	Ball
	// Ring maps the embeddings to a radius in (1, 2).
	Ring
)

// ParseNormalization parses "sphere", "ball" or "ring". The empty string,
// "false" and "none" disable normalization.
func ParseNormalization(s string) (Normalization, error) {
	switch strings.ToLower(s) {
	case "", "false", "none":
		return NoNormalization, nil
	case "sphere":
		return Sphere, nil
	case "ball":
		return Ball, nil
	case "ring":
		return Ring, nil
	}
	return 0, fmt.Errorf("%w: \"normalize\" must be one of {false, \"sphere\", \"ball\", \"ring\"}, actual %q", ErrInvalidConfig, s)
}

func (n Normalization) String() string {
	switch n {
	case NoNormalization:
		return "none"
	case Sphere:
		return "sphere"
	case Ball:
		return "ball"
	case Ring:
		return "ring"
	}
	return fmt.Sprintf("Normalization(%d)", int(n))
}

func (n Normalization) valid() bool { return n >= NoNormalization && n <= Ring }

func (n Normalization) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Normalization) UnmarshalText(text []byte) (err error) {
	*n, err = ParseNormalization(string(text))
	return
}

// UnmarshalJSON accepts the boolean false as well as the mode names.
func (n *Normalization) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			return fmt.Errorf("%w: \"normalize\" cannot be true", ErrInvalidConfig)
		}
		*n = NoNormalization
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: \"normalize\": %v", ErrInvalidConfig, err)
	}
	return n.UnmarshalText([]byte(s))
}

// UnmarshalYAML accepts the boolean false as well as the mode names.
func (n *Normalization) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!bool" {
		var b bool
		if err := value.Decode(&b); err != nil {
			return err
		}
		if b {
			return fmt.Errorf("%w: \"normalize\" cannot be true", ErrInvalidConfig)
		}
		*n = NoNormalization
		return nil
	}
	return n.UnmarshalText([]byte(value.Value))
}

// Config is the configuration of the ClopiNet model.
type Config struct {
	// Features is the input feature dimension.
	Features int `json:"n_features" yaml:"n_features"`
	// RNN is the kind of recurrent cell.
	RNN CellKind `json:"rnn" yaml:"rnn"`
	// Recurrent lists the hidden sizes of the stacked recurrent layers.
	Recurrent []int `json:"recurrent" yaml:"recurrent"`
	// Bidirectional makes every recurrent layer bidirectional.
	Bidirectional bool `json:"bidirectional" yaml:"bidirectional"`
	// Pooling is the temporal pooling strategy.
	Pooling Pooling `json:"pooling" yaml:"pooling"`
	// InstanceNormalize applies mean/variance normalization on each input
	// sequence before the recurrent layers.
	InstanceNormalize bool `json:"instance_normalize" yaml:"instance_normalize"`
	// BatchNormalize applies batch normalization to the pooled embeddings.
	BatchNormalize bool `json:"batch_normalize" yaml:"batch_normalize"`
	// Normalize is the output normalization.
	Normalize Normalization `json:"normalize" yaml:"normalize"`
	// Weighted adds dimension-wise trainable weights.
	Weighted bool `json:"weighted" yaml:"weighted"`
	// Linear lists the hidden sizes of the linear layers.
	Linear []int `json:"linear" yaml:"linear"`
	// Attention lists the hidden sizes of the attention layers.
	Attention []int `json:"attention" yaml:"attention"`
}

// DefaultConfig returns the default configuration for the given
// feature dimension: three mono-directional LSTM layers of 64 units,
// sum pooling and batch normalization.
func DefaultConfig(features int) Config {
	return Config{
		Features:       features,
		RNN:            LSTMCell,
		Recurrent:      []int{64, 64, 64},
		Pooling:        SumPooling,
		BatchNormalize: true,
		Normalize:      NoNormalization,
	}
}

// Validate reports the first invalid value of the configuration.
func (c Config) Validate() error {
	if !c.Pooling.valid() {
		return fmt.Errorf("%w: \"pooling\" must be one of {\"sum\", \"max\"}, actual %s", ErrInvalidConfig, c.Pooling)
	}
	if !c.RNN.valid() {
		return fmt.Errorf("%w: \"rnn\" must be one of {\"LSTM\", \"GRU\"}, actual %s", ErrInvalidConfig, c.RNN)
	}
	if !c.Normalize.valid() {
		return fmt.Errorf("%w: unknown normalization %s", ErrInvalidConfig, c.Normalize)
	}
	if c.Features <= 0 {
		return fmt.Errorf("%w: feature dimension must be positive, actual %d", ErrInvalidConfig, c.Features)
	}
	if len(c.Recurrent) == 0 {
		return fmt.Errorf("%w: at least one recurrent layer is required", ErrInvalidConfig)
	}
	if err := validateSizes("recurrent", c.Recurrent); err != nil {
		return err
	}
	if err := validateSizes("linear", c.Linear); err != nil {
		return err
	}
	return validateSizes("attention", c.Attention)
}

func validateSizes(name string, sizes []int) error {
	for i, size := range sizes {
		if size <= 0 {
			return fmt.Errorf("%w: %s layer %d size must be positive, actual %d", ErrInvalidConfig, name, i, size)
		}
	}
	return nil
}

// Directions returns 2 for bidirectional recurrent layers, 1 otherwise.
func (c Config) Directions() int {
	if c.Bidirectional {
		return 2
	}
	return 1
}

// RecurrentDim returns the width of the concatenated recurrent outputs.
func (c Config) RecurrentDim() int {
	sum := 0
	for _, size := range c.Recurrent {
		sum += size
	}
	return sum * c.Directions()
}

// OutputDim returns the dimension of the embeddings.
func (c Config) OutputDim() int {
	if n := len(c.Linear); n > 0 {
		return c.Linear[n-1]
	}
	return c.RecurrentDim()
}

// AttentionSizes returns the output sizes of the attention layers,
// including the final scalar layer when the last configured size is
// greater than one.
func (c Config) AttentionSizes() []int {
	if len(c.Attention) == 0 {
		return nil
	}
	sizes := append([]int(nil), c.Attention...)
	if sizes[len(sizes)-1] > 1 {
		sizes = append(sizes, 1)
	}
	return sizes
}

// LayerSummary describes a layer of the model.
type LayerSummary struct {
	Name   string
	Kind   string
	In     int
	Out    int
	Params int
}

// Summary lists the layers built from the configuration, in forward order.
func (c Config) Summary() []LayerSummary {
	var layers []LayerSummary
	dirs := c.Directions()

	in := c.Features
	for i, h := range c.Recurrent {
		kind := c.RNN.String()
		if c.Bidirectional {
			kind = "Bi" + kind
		}
		layers = append(layers, LayerSummary{
			Name:   fmt.Sprintf("recurrent_%d", i),
			Kind:   kind,
			In:     in,
			Out:    h * dirs,
			Params: dirs * c.RNN.Gates() * (h*in + h*h + 2*h),
		})
		in = h * dirs
	}

	in = c.RecurrentDim()
	if c.Weighted {
		layers = append(layers, LayerSummary{Name: "alphas", Kind: "Weight", In: in, Out: in, Params: in})
	}
	for i, h := range c.Linear {
		layers = append(layers, LayerSummary{
			Name:   fmt.Sprintf("linear_%d", i),
			Kind:   "Linear+Tanh",
			In:     in,
			Out:    h,
			Params: h*in + h,
		})
		in = h
	}

	attIn := c.Features
	for i, h := range c.AttentionSizes() {
		layers = append(layers, LayerSummary{
			Name:   fmt.Sprintf("attention_%d", i),
			Kind:   "Linear+Tanh",
			In:     attIn,
			Out:    h,
			Params: h*attIn + h,
		})
		attIn = h
	}

	layers = append(layers, LayerSummary{Name: "pooling", Kind: c.Pooling.String(), In: in, Out: in})
	if c.BatchNormalize {
		layers = append(layers, LayerSummary{Name: "batch_norm", Kind: "BatchNorm", In: in, Out: in})
	}
	if c.Normalize != NoNormalization {
		layers = append(layers, LayerSummary{Name: "normalize", Kind: c.Normalize.String(), In: in, Out: in})
	}
	return layers
}

// ParamCount returns the number of trainable scalars.
func (c Config) ParamCount() int {
	n := 0
	for _, l := range c.Summary() {
		n += l.Params
	}
	return n
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(filename string) (Config, error) {
	config, err := ReadConfig(filename)
	if err != nil {
		return Config{}, err
	}
	if err = config.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", filename, err)
	}
	return config, nil
}

// ReadConfig reads a configuration file without validating it.
// Files with ".json" extension are decoded as JSON, anything else as YAML.
// YAML files may either contain the fields at top level or under
// "architecture.params". Missing fields take the values of DefaultConfig,
// except the feature dimension which is left to zero.
func ReadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	config := DefaultConfig(0)
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		err = json.Unmarshal(data, &config)
	} else {
		err = decodeYAMLConfig(data, &config)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config %q: %w", filename, err)
	}
	return config, nil
}

func decodeYAMLConfig(data []byte, config *Config) error {
	var wrapper struct {
		Architecture struct {
			Name   string     `yaml:"name"`
			Params *yaml.Node `yaml:"params"`
		} `yaml:"architecture"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	if wrapper.Architecture.Params != nil {
		return wrapper.Architecture.Params.Decode(config)
	}
	return yaml.Unmarshal(data, config)
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(config Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
