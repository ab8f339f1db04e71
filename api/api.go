// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api defines the messages and the gRPC service of the embedding
// server. Messages are encoded as JSON.
package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the JSON codec.
const CodecName = "json"

type codec struct{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

// Sequence is a sequence of feature vectors, one per frame.
type Sequence struct {
	Frames [][]float32 `json:"frames"`
}

func (x *Sequence) GetFrames() [][]float32 {
	if x != nil {
		return x.Frames
	}
	return nil
}

type EmbedRequest struct {
	Sequences []*Sequence `json:"sequences"`
}

func (x *EmbedRequest) GetSequences() []*Sequence {
	if x != nil {
		return x.Sequences
	}
	return nil
}

type Embedding struct {
	Values []float32 `json:"values"`
	// Cached is true when the embedding was read from the cache.
	Cached bool `json:"cached,omitempty"`
}

type EmbedResponse struct {
	Embeddings []*Embedding `json:"embeddings"`
}

type EnrollRequest struct {
	Speaker   string      `json:"speaker"`
	Sequences []*Sequence `json:"sequences"`
}

func (x *EnrollRequest) GetSpeaker() string {
	if x != nil {
		return x.Speaker
	}
	return ""
}

func (x *EnrollRequest) GetSequences() []*Sequence {
	if x != nil {
		return x.Sequences
	}
	return nil
}

type EnrollResponse struct {
	Speaker string `json:"speaker"`
	Samples int32  `json:"samples"`
}

type VerifyRequest struct {
	Speaker  string    `json:"speaker"`
	Sequence *Sequence `json:"sequence"`
	// Threshold is the minimum cosine similarity; zero selects the
	// server default.
	Threshold float64 `json:"threshold,omitempty"`
}

func (x *VerifyRequest) GetSpeaker() string {
	if x != nil {
		return x.Speaker
	}
	return ""
}

func (x *VerifyRequest) GetSequence() *Sequence {
	if x != nil {
		return x.Sequence
	}
	return nil
}

func (x *VerifyRequest) GetThreshold() float64 {
	if x != nil {
		return x.Threshold
	}
	return 0
}

type IdentifyRequest struct {
	Sequence  *Sequence `json:"sequence"`
	Threshold float64   `json:"threshold,omitempty"`
}

func (x *IdentifyRequest) GetSequence() *Sequence {
	if x != nil {
		return x.Sequence
	}
	return nil
}

func (x *IdentifyRequest) GetThreshold() float64 {
	if x != nil {
		return x.Threshold
	}
	return 0
}

// MatchResponse is the result of a verification or an identification.
type MatchResponse struct {
	Speaker  string  `json:"speaker"`
	Score    float64 `json:"score"`
	Accepted bool    `json:"accepted"`
}
