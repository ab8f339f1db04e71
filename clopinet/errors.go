// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clopinet

import "errors"

var (
	// ErrInvalidConfig is returned when a configuration value is outside
	// its accepted set (e.g. pooling "avg") or a size is not positive.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrDimensionMismatch is returned when the input feature dimension
	// differs from the configured one.
	ErrDimensionMismatch = errors.New("wrong feature dimension")
	// ErrNotImplemented is returned for combinations that are not supported,
	// such as attention or max pooling on length-packed sequences.
	ErrNotImplemented = errors.New("not implemented")
	// ErrEmptyInput is returned for batches without elements or with
	// zero-length sequences.
	ErrEmptyInput = errors.New("empty input")
	// ErrRaggedBatch is returned when the sequences of a dense batch do not
	// share the same length.
	ErrRaggedBatch = errors.New("dense batch sequences must have the same length")
	// ErrInvalidInput is returned for malformed packed sequences and
	// unknown input representations.
	ErrInvalidInput = errors.New("invalid input")
	// ErrBatchTooSmall is returned when batch normalization runs in
	// training mode on a single element.
	ErrBatchTooSmall = errors.New("expected more than one value per channel when training")
)
