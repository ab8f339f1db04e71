// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/voiceflow/enrollment"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// User is a gateway user, authenticated with HTTP basic auth.
type User struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Username     string `gorm:"not null;uniqueIndex"`
	PasswordHash string `gorm:"not null"`
}

// OpenUsers opens (or creates) the users database.
func OpenUsers(filename string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{
		Logger: enrollment.NewQueryLogger(log.With().Str("component", "gateway").Logger()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return db, nil
}

// CreateUser adds a user with the given password.
func CreateUser(db *gorm.DB, username, password string) (*User, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("username and password must not be empty")
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to generate password hash: %w", err)
	}
	user := &User{
		Username:     username,
		PasswordHash: string(passwordHash),
	}
	if err = db.Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", username, err)
	}
	return user, nil
}

// CreateUserIfNoUsers creates the given user only when the database has
// no users yet.
func CreateUserIfNoUsers(db *gorm.DB, username, password string) error {
	var usersCount int64
	if err := db.Model(&User{}).Count(&usersCount).Error; err != nil {
		return fmt.Errorf("failed to count database users: %w", err)
	}
	if usersCount != 0 {
		return nil
	}
	_, err := CreateUser(db, username, password)
	return err
}
