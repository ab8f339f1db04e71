// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voiceflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Input is a set of sequences to embed, each a list of feature vectors.
type Input struct {
	Sequences [][][]float32 `json:"sequences" yaml:"sequences"`
}

// ReadInputFile reads the sequences from a JSON (".json") or YAML file.
func ReadInputFile(filename string) (Input, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Input{}, fmt.Errorf("unable to read the input file: %w", err)
	}
	var input Input
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		err = json.Unmarshal(data, &input)
	} else {
		err = yaml.Unmarshal(data, &input)
	}
	if err != nil {
		return Input{}, fmt.Errorf("unable to decode the input file %q: %w", filename, err)
	}
	if len(input.Sequences) == 0 {
		return Input{}, fmt.Errorf("input file %q has no sequences", filename)
	}
	return input, nil
}
