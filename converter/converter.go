// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package converter imports a pyannote ClopiNet PyTorch checkpoint into a
// spaGO model.
package converter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/nlpodyssey/spago/mat"
	"github.com/nlpodyssey/spago/mat/float"
	"github.com/nlpodyssey/spago/nn"
	"github.com/nlpodyssey/spago/nn/linear"
	"github.com/nlpodyssey/voiceflow/clopinet"
	"github.com/rs/zerolog/log"
)

// DefaultPyModelFilename is the name of the PyTorch checkpoint in a model directory.
const DefaultPyModelFilename = "pytorch_model.pt"

type Config struct {
	// The path to the directory where the models will be read from and written to.
	ModelDir string
	// The path to the input model file (default "pytorch_model.pt")
	PyModelFilename string
	// The path to the output model file (default "voiceflow_model.bin")
	GoModelFilename string
	// The path to the configuration file (default "config.yml")
	ConfigFilename string
	// If true, overwrite the model file if it already exists (default "false")
	OverwriteIfExist bool
}

// Convert converts a pyannote ClopiNet checkpoint to a spaGO model.
// The network configuration is read from the configuration file in the
// model directory; a missing feature dimension is taken from the weights
// of the first recurrent layer.
func Convert[T float.DType](conf Config) error {
	if conf.PyModelFilename == "" {
		conf.PyModelFilename = DefaultPyModelFilename
	}
	if conf.GoModelFilename == "" {
		conf.GoModelFilename = clopinet.DefaultModelFilename
	}
	if conf.ConfigFilename == "" {
		conf.ConfigFilename = clopinet.DefaultConfigFilename
	}

	outFilename := filepath.Join(conf.ModelDir, conf.GoModelFilename)

	if !conf.OverwriteIfExist && fileExists(outFilename) {
		log.Debug().Str("model", outFilename).Msg("Model file already exists, skipping conversion")
		return nil
	}

	configFilename := filepath.Join(conf.ModelDir, conf.ConfigFilename)
	modelConfig, err := clopinet.ReadConfig(configFilename)
	if err != nil {
		return fmt.Errorf("failed to load config file %q: %w", configFilename, err)
	}

	inFilename := filepath.Join(conf.ModelDir, conf.PyModelFilename)
	params, err := loadTorchModelParams(inFilename)
	if err != nil {
		return err
	}

	model, err := newConverter[T](modelConfig, params).convert()
	if err != nil {
		return fmt.Errorf("model conversion failed: %w", err)
	}

	log.Debug().Str("model", outFilename).Int("output-dim", model.OutputDim()).Msg("Writing converted model")
	return clopinet.Dump(model, outFilename)
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}

func loadTorchModelParams(filename string) (paramsMap, error) {
	torchModel, err := pytorch.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load torch model %q: %w", filename, err)
	}
	params, err := makeParamsMap(torchModel)
	if err != nil {
		return nil, fmt.Errorf("failed to read model params: %w", err)
	}
	return params, nil
}

type converter[T float.DType] struct {
	config clopinet.Config
	model  *clopinet.Model[T]
	params paramsMap
}

func newConverter[T float.DType](conf clopinet.Config, params paramsMap) *converter[T] {
	return &converter[T]{
		config: conf,
		params: params,
	}
}

// convert builds the model structure from the configuration, then replaces
// every parameter with the corresponding checkpoint tensor.
func (c *converter[T]) convert() (*clopinet.Model[T], error) {
	funcs := []func() error{
		c.inferFeatures,
		c.buildModel,
		c.convRecurrent,
		c.convAlphas,
		c.convLinear,
		c.convAttention,
		c.convBatchNorms,
		c.checkUnused,
	}
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return c.model, nil
}

func (c *converter[T]) inferFeatures() error {
	if c.config.Features != 0 {
		return nil
	}
	t, ok := c.params["recurrent_0.weight_ih_l0"]
	if !ok {
		return fmt.Errorf("cannot infer the feature dimension: parameter %q not found", "recurrent_0.weight_ih_l0")
	}
	if len(t.Size) != 2 {
		return fmt.Errorf("cannot infer the feature dimension: expected 2 dimensions, actual %d", len(t.Size))
	}
	c.config.Features = t.Size[1]
	log.Debug().Int("features", c.config.Features).Msg("Feature dimension inferred from the first recurrent layer")
	return nil
}

func (c *converter[T]) buildModel() (err error) {
	c.model, err = clopinet.New[T](c.config)
	return
}

func (c *converter[T]) convRecurrent() error {
	for i, layer := range c.model.Recurrent {
		params := c.params.fetchPrefixed(fmt.Sprintf("recurrent_%d.", i))
		for dir, cell := range layer.Cells {
			suffix := "_l0"
			if dir == 1 {
				suffix += "_reverse"
			}
			if err := c.convCell(cell, params, suffix); err != nil {
				return fmt.Errorf("failed to convert recurrent layer %d: %w", i, err)
			}
		}
		if len(params) > 0 {
			return fmt.Errorf("unexpected parameters in recurrent layer %d: %v", i, params.names())
		}
	}
	return nil
}

// convCell splits the stacked PyTorch weights of a recurrent cell into
// its gates.
func (c *converter[T]) convCell(cell clopinet.Cell, params paramsMap, suffix string) error {
	gates := cell.Gates()
	hidden := gates[0].U.Value().(mat.Matrix).Shape()[0]
	in := gates[0].W.Value().(mat.Matrix).Shape()[1]
	stacked := hidden * len(gates)

	wih, err := c.fetchParamToRows(params, "weight_ih"+suffix, [2]int{stacked, in})
	if err != nil {
		return fmt.Errorf("failed to convert input weights: %w", err)
	}
	whh, err := c.fetchParamToRows(params, "weight_hh"+suffix, [2]int{stacked, hidden})
	if err != nil {
		return fmt.Errorf("failed to convert hidden weights: %w", err)
	}
	bih, err := c.fetchParamToData(params, "bias_ih"+suffix, stacked)
	if err != nil {
		return fmt.Errorf("failed to convert input bias: %w", err)
	}
	bhh, err := c.fetchParamToData(params, "bias_hh"+suffix, stacked)
	if err != nil {
		return fmt.Errorf("failed to convert hidden bias: %w", err)
	}

	for k, g := range gates {
		from, to := k*hidden, (k+1)*hidden
		g.W = nn.NewParam(newMatrix(hidden, in, wih[from*in:to*in]))
		g.U = nn.NewParam(newMatrix(hidden, hidden, whh[from*hidden:to*hidden]))
		g.BW = nn.NewParam(newVector(bih[from:to]))
		g.BU = nn.NewParam(newVector(bhh[from:to]))
	}
	return nil
}

func (c *converter[T]) convAlphas() error {
	if c.model.Alphas == nil {
		return nil
	}
	data, err := c.fetchParamToData(c.params, "alphas_", c.config.RecurrentDim())
	if err != nil {
		return fmt.Errorf("failed to convert alphas: %w", err)
	}
	c.model.Alphas = nn.NewParam(newVector(data))
	return nil
}

func (c *converter[T]) convLinear() error {
	for i, layer := range c.model.Linear {
		if err := c.convLinearLayer(layer, fmt.Sprintf("linear_%d.", i)); err != nil {
			return fmt.Errorf("failed to convert linear layer %d: %w", i, err)
		}
	}
	return nil
}

func (c *converter[T]) convAttention() error {
	for i, layer := range c.model.Attention {
		if err := c.convLinearLayer(layer, fmt.Sprintf("attention_%d.", i)); err != nil {
			return fmt.Errorf("failed to convert attention layer %d: %w", i, err)
		}
	}
	return nil
}

func (c *converter[T]) convLinearLayer(layer *linear.Model, prefix string) error {
	w := layer.W.Value().(mat.Matrix)
	out, in := w.Shape()[0], w.Shape()[1]

	params := c.params.fetchPrefixed(prefix)
	weight, err := c.fetchParamToRows(params, "weight", [2]int{out, in})
	if err != nil {
		return fmt.Errorf("failed to convert weight: %w", err)
	}
	bias, err := c.fetchParamToData(params, "bias", out)
	if err != nil {
		return fmt.Errorf("failed to convert bias: %w", err)
	}
	layer.W = nn.NewParam(newMatrix(out, in, weight))
	layer.B = nn.NewParam(newVector(bias))
	return nil
}

func (c *converter[T]) convBatchNorms() error {
	if bn := c.model.BatchNorm; bn != nil {
		if err := c.convBatchNorm(bn, "batch_norm_."); err != nil {
			return fmt.Errorf("failed to convert batch-norm: %w", err)
		}
	}
	if bn := c.model.NormBatchNorm; bn != nil {
		if err := c.convBatchNorm(bn, "norm_batch_norm_."); err != nil {
			return fmt.Errorf("failed to convert norm batch-norm: %w", err)
		}
	}
	return nil
}

func (c *converter[T]) convBatchNorm(bn *clopinet.BatchNorm[T], prefix string) error {
	params := c.params.fetchPrefixed(prefix)
	mean, err := c.fetchParamToData(params, "running_mean", bn.Size)
	if err != nil {
		return fmt.Errorf("failed to convert running mean: %w", err)
	}
	variance, err := c.fetchParamToData(params, "running_var", bn.Size)
	if err != nil {
		return fmt.Errorf("failed to convert running variance: %w", err)
	}
	bn.RunningMean = float.SliceValueOf[float64](float.Make(mean...))
	bn.RunningVar = float.SliceValueOf[float64](float.Make(variance...))

	if t, ok := params["num_batches_tracked"]; ok {
		delete(params, "num_batches_tracked")
		if st, ok := t.Source.(*pytorch.LongStorage); ok && len(st.Data) > t.StorageOffset {
			bn.NumBatchesTracked = int(st.Data[t.StorageOffset])
		}
	}
	if len(params) > 0 {
		return fmt.Errorf("unexpected parameters: %v", params.names())
	}
	return nil
}

func (c *converter[T]) checkUnused() error {
	if len(c.params) > 0 {
		return fmt.Errorf("unexpected parameters: %v", c.params.names())
	}
	return nil
}

func newMatrix[T float.DType](rows, cols int, data []T) mat.Matrix {
	return mat.NewDense[T](mat.WithShape(rows, cols), mat.WithBacking(data))
}

func newVector[T float.DType](data []T) mat.Matrix {
	return mat.NewDense[T](mat.WithShape(len(data)), mat.WithBacking(data))
}

// fetchParamToRows returns the row-major data of a 2-dimensional parameter.
func (c *converter[T]) fetchParamToRows(params paramsMap, name string, expectedSize [2]int) ([]T, error) {
	t, err := params.fetch(name)
	if err != nil {
		return nil, err
	}
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("expected 2 dimensions, actual %d", len(t.Size))
	}
	if t.Size[0] != expectedSize[0] || t.Size[1] != expectedSize[1] {
		return nil, fmt.Errorf("expected matrix size %dx%d, actual %dx%d",
			expectedSize[0], expectedSize[1], t.Size[0], t.Size[1])
	}
	return c.tensorData(t)
}

func (c *converter[T]) fetchParamToData(params paramsMap, name string, expectedSize int) ([]T, error) {
	t, err := params.fetch(name)
	if err != nil {
		return nil, err
	}
	if len(t.Size) != 1 {
		return nil, fmt.Errorf("expected 1 dimension, actual %d", len(t.Size))
	}
	if t.Size[0] != expectedSize {
		return nil, fmt.Errorf("expected vector size %d, actual %d", expectedSize, t.Size[0])
	}
	return c.tensorData(t)
}

// tensorData returns a copy of the tensor data, converted to T.
// Only contiguous tensors are supported.
func (c *converter[T]) tensorData(t *pytorch.Tensor) ([]T, error) {
	if !isContiguous(t) {
		return nil, fmt.Errorf("only contiguous tensors are supported, actual size %v stride %v", t.Size, t.Stride)
	}
	size := tensorDataSize(t)
	from, to := t.StorageOffset, t.StorageOffset+size

	switch st := t.Source.(type) {
	case *pytorch.FloatStorage:
		if to > len(st.Data) {
			return nil, errOutOfStorage(to, len(st.Data))
		}
		return castData[T](st.Data[from:to]), nil
	case *pytorch.DoubleStorage:
		if to > len(st.Data) {
			return nil, errOutOfStorage(to, len(st.Data))
		}
		return castData[T](st.Data[from:to]), nil
	case *pytorch.HalfStorage:
		if to > len(st.Data) {
			return nil, errOutOfStorage(to, len(st.Data))
		}
		return castData[T](st.Data[from:to]), nil
	case *pytorch.BFloat16Storage:
		if to > len(st.Data) {
			return nil, errOutOfStorage(to, len(st.Data))
		}
		return castData[T](st.Data[from:to]), nil
	default:
		return nil, fmt.Errorf("unsupported storage type %T", t.Source)
	}
}

func errOutOfStorage(end, length int) error {
	return fmt.Errorf("tensor data ends at %d, storage length %d", end, length)
}

func castData[T, F float.DType](d []F) []T {
	return float.SliceValueOf[T](float.Make(append([]F(nil), d...)...))
}

func isContiguous(t *pytorch.Tensor) bool {
	if len(t.Stride) == 0 {
		return true
	}
	if len(t.Stride) != len(t.Size) {
		return false
	}
	expected := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if t.Size[i] != 1 && t.Stride[i] != expected {
			return false
		}
		expected *= t.Size[i]
	}
	return true
}

func tensorDataSize(t *pytorch.Tensor) int {
	size := 1
	for _, v := range t.Size {
		size *= v
	}
	return size
}

func cast[T any](v any) (t T, _ error) {
	t, ok := v.(T)
	if !ok {
		return t, fmt.Errorf("type assertion failed: expected %T, actual %T", t, v)
	}
	return
}

type paramsMap map[string]*pytorch.Tensor

func makeParamsMap(torchModel any) (paramsMap, error) {
	od, err := cast[*types.OrderedDict](torchModel)
	if err != nil {
		return nil, err
	}

	params := make(paramsMap, od.Len())

	for k, item := range od.Map {
		name, err := cast[string](k)
		if err != nil {
			return nil, fmt.Errorf("wrong param name type: %w", err)
		}
		tensor, err := cast[*pytorch.Tensor](item.Value)
		if err != nil {
			return nil, fmt.Errorf("wrong value type for param %q: %w", name, err)
		}
		params[name] = tensor
	}

	return params, nil
}

// fetch gets a value from params by its name, removing the entry
// from the map.
func (p paramsMap) fetch(name string) (*pytorch.Tensor, error) {
	t, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("parameter %q not found", name)
	}
	delete(p, name)
	return t, nil
}

func (p paramsMap) fetchPrefixed(prefix string) paramsMap {
	out := make(paramsMap, len(p))
	for k, v := range p {
		if after, ok := strings.CutPrefix(k, prefix); ok {
			out[after] = v
			delete(p, k)
		}
	}
	return out
}

func (p paramsMap) names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
