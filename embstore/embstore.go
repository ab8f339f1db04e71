// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package embstore caches computed embeddings, keyed by a digest of the
// input features.
package embstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/nlpodyssey/spago/embeddings/store"
	"github.com/nlpodyssey/spago/embeddings/store/diskstore"
	"github.com/rs/zerolog/log"
)

// DefaultStoreName is the name of the store holding the embeddings.
const DefaultStoreName = "embeddings"

// Cache is a persistent cache of embeddings.
type Cache struct {
	store store.Store
	// repo is set only when the repository is owned by the cache.
	repo *diskstore.Repository
}

// Open opens (or creates) a disk cache in the given directory.
func Open(path string) (*Cache, error) {
	repo, err := diskstore.NewRepository(path, diskstore.ReadWriteMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open embeddings cache %q: %w", path, err)
	}
	c, err := New(repo, DefaultStoreName)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	c.repo = repo
	log.Debug().Str("path", path).Msg("Embeddings cache opened")
	return c, nil
}

// New returns a cache backed by the named store of the repository.
// The repository is not closed by Close.
func New(repo store.Repository, name string) (*Cache, error) {
	s, err := repo.Store(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get store %q: %w", name, err)
	}
	return &Cache{store: s}, nil
}

// Get returns the embedding stored under key.
func (c *Cache) Get(key []byte) ([]float32, bool, error) {
	var values []float32
	found, err := c.store.Get(key, &values)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read embedding %x: %w", key, err)
	}
	return values, found, nil
}

// Put stores the embedding under key, replacing any previous value.
func (c *Cache) Put(key []byte, values []float32) error {
	if err := c.store.Put(key, values); err != nil {
		return fmt.Errorf("failed to write embedding %x: %w", key, err)
	}
	return nil
}

// Len returns the number of cached embeddings.
func (c *Cache) Len() (int, error) {
	return c.store.KeysCount()
}

// Clear removes all the cached embeddings.
func (c *Cache) Clear() error {
	return c.store.DropAll()
}

// Close releases the repository opened by Open.
func (c *Cache) Close() error {
	if c.repo == nil {
		return nil
	}
	return c.repo.Close()
}

// Key returns the cache key of a sequence of feature vectors for the
// model identified by namespace. The key is the 64-bit xxhash digest of
// the namespace, the sequence shape and the float32 bits of the values.
func Key(namespace string, frames [][]float32) []byte {
	d := xxhash.New()
	_, _ = d.WriteString(namespace)

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(frames)))
	if len(frames) > 0 {
		binary.LittleEndian.PutUint32(buf[4:], uint32(len(frames[0])))
	}
	_, _ = d.Write(buf[:])

	for _, frame := range frames {
		for _, v := range frame {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			_, _ = d.Write(buf[:4])
		}
	}
	return binary.BigEndian.AppendUint64(nil, d.Sum64())
}
