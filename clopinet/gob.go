// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/nlpodyssey/spago/mat/float"
)

const (
	// DefaultModelFilename is the name of the serialized model in a model directory.
	DefaultModelFilename = "voiceflow_model.bin"
	// DefaultConfigFilename is the name of the configuration in a model directory.
	DefaultConfigFilename = "config.yml"
)

// Dump saves the Model to a file.
func Dump[T float.DType](obj *Model[T], filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open model dump file %q for writing: %w", filename, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("failed to close model dump file %q: %w", filename, e)
		}
	}()
	if err = Encode(obj, f); err != nil {
		return fmt.Errorf("failed to encode model dump: %w", err)
	}
	return nil
}

// Encode writes the configuration followed by the model.
func Encode[T float.DType](obj *Model[T], w io.Writer) error {
	bw := bufio.NewWriter(w)
	encoder := gob.NewEncoder(bw)
	if err := encoder.Encode(obj.Config); err != nil {
		return err
	}
	if err := encoder.Encode(obj); err != nil {
		return err
	}
	return bw.Flush()
}

// Load loads a model from a file written by Dump.
func Load[T float.DType](filename string) (_ *Model[T], err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return Decode[T](f)
}

// Decode reads a model written by Encode. The model is returned in
// evaluation mode.
func Decode[T float.DType](r io.Reader) (*Model[T], error) {
	decoder := gob.NewDecoder(bufio.NewReader(r))

	var config Config
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	obj := &Model[T]{}
	if err := decoder.Decode(obj); err != nil {
		return nil, err
	}
	if obj.OutputDim() != config.OutputDim() || len(obj.Recurrent) != len(config.Recurrent) {
		return nil, fmt.Errorf("model does not match its configuration")
	}
	return obj, nil
}
