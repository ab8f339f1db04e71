// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package enrollment keeps a registry of speakers, each represented by the
// mean of its enrolled embeddings, and compares new embeddings against it.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// DefaultThreshold is the default minimum cosine similarity for a
// positive verification.
const DefaultThreshold = 0.7

var (
	// ErrUnknownSpeaker is returned when a speaker is not enrolled.
	ErrUnknownSpeaker = errors.New("unknown speaker")
	// ErrInvalidEmbedding is returned for empty or non-finite embeddings,
	// or embeddings whose dimension differs from the enrolled ones.
	ErrInvalidEmbedding = errors.New("invalid embedding")
)

// Speaker is an enrolled speaker.
type Speaker struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Name string `gorm:"not null;uniqueIndex"`
	// Embedding is the mean of the enrolled embeddings.
	Embedding []float32 `gorm:"not null;serializer:json"`
	// Samples is the number of enrolled embeddings.
	Samples int `gorm:"not null"`
}

// Models lists the database models to migrate.
var Models = []any{
	&Speaker{},
}

// Match is the result of the comparison of an embedding with a speaker.
type Match struct {
	Speaker  string
	Score    float64
	Accepted bool
}

// Registry stores the enrolled speakers in a SQLite database.
type Registry struct {
	db *gorm.DB
}

// Open opens (or creates) the registry database.
func Open(filename string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{
		Logger: NewQueryLogger(log.With().Str("component", "enrollment").Logger()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enroll adds an embedding to the speaker, creating it if needed. The
// speaker embedding is the running mean of all its enrolled embeddings.
func (r *Registry) Enroll(ctx context.Context, name string, embedding []float32) (*Speaker, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty speaker name", ErrInvalidEmbedding)
	}
	if err := validateEmbedding(embedding); err != nil {
		return nil, err
	}

	var speaker Speaker
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("name = ?", name).First(&speaker).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			speaker = Speaker{
				Name:      name,
				Embedding: append([]float32(nil), embedding...),
				Samples:   1,
			}
			return tx.Create(&speaker).Error
		case err != nil:
			return err
		}

		if len(speaker.Embedding) != len(embedding) {
			return fmt.Errorf("%w: speaker %q has dimension %d, actual %d",
				ErrInvalidEmbedding, name, len(speaker.Embedding), len(embedding))
		}
		mean := toFloat64(speaker.Embedding)
		n := float64(speaker.Samples + 1)
		floats.Scale((n-1)/n, mean)
		floats.AddScaled(mean, 1/n, toFloat64(embedding))
		speaker.Embedding = toFloat32(mean)
		speaker.Samples++
		return tx.Save(&speaker).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enroll speaker %q: %w", name, err)
	}

	log.Debug().Str("speaker", name).Int("samples", speaker.Samples).Msg("Speaker enrolled")
	return &speaker, nil
}

// Get returns the enrolled speaker.
func (r *Registry) Get(ctx context.Context, name string) (*Speaker, error) {
	var speaker Speaker
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&speaker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpeaker, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get speaker %q: %w", name, err)
	}
	return &speaker, nil
}

// List returns all the enrolled speakers, sorted by name.
func (r *Registry) List(ctx context.Context) ([]Speaker, error) {
	var speakers []Speaker
	if err := r.db.WithContext(ctx).Order("name").Find(&speakers).Error; err != nil {
		return nil, fmt.Errorf("failed to list speakers: %w", err)
	}
	return speakers, nil
}

// Remove deletes the speaker.
func (r *Registry) Remove(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&Speaker{})
	if result.Error != nil {
		return fmt.Errorf("failed to remove speaker %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSpeaker, name)
	}
	return nil
}

// Verify compares the embedding with the enrolled speaker. The match is
// accepted when the cosine similarity is at least threshold.
func (r *Registry) Verify(ctx context.Context, name string, embedding []float32, threshold float64) (Match, error) {
	if err := validateEmbedding(embedding); err != nil {
		return Match{}, err
	}
	speaker, err := r.Get(ctx, name)
	if err != nil {
		return Match{}, err
	}
	score, err := cosine(speaker.Embedding, embedding)
	if err != nil {
		return Match{}, err
	}
	return Match{Speaker: name, Score: score, Accepted: score >= threshold}, nil
}

// Identify returns the enrolled speaker most similar to the embedding.
// The match is accepted when the cosine similarity is at least threshold.
func (r *Registry) Identify(ctx context.Context, embedding []float32, threshold float64) (Match, error) {
	if err := validateEmbedding(embedding); err != nil {
		return Match{}, err
	}
	speakers, err := r.List(ctx)
	if err != nil {
		return Match{}, err
	}
	if len(speakers) == 0 {
		return Match{}, fmt.Errorf("%w: no enrolled speakers", ErrUnknownSpeaker)
	}

	best := Match{Score: math.Inf(-1)}
	for _, s := range speakers {
		score, err := cosine(s.Embedding, embedding)
		if err != nil {
			return Match{}, err
		}
		if score > best.Score {
			best = Match{Speaker: s.Name, Score: score}
		}
	}
	best.Accepted = best.Score >= threshold
	return best, nil
}

func validateEmbedding(e []float32) error {
	if len(e) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrInvalidEmbedding)
	}
	for _, v := range e {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidEmbedding)
		}
	}
	return nil
}

// cosine returns the cosine similarity of a and b, or zero when either
// vector is null.
func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: dimension %d, expected %d", ErrInvalidEmbedding, len(b), len(a))
	}
	x, y := toFloat64(a), toFloat64(b)
	norms := floats.Norm(x, 2) * floats.Norm(y, 2)
	if norms == 0 {
		return 0, nil
	}
	return floats.Dot(x, y) / norms, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
