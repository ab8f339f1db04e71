// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type ctxKey string

const (
	userCtxKey            = ctxKey("user")
	unauthorizedResponse  = `{"errors":[{"message":"Unauthorized"}]}`
	internalErrorResponse = `{"errors":[{"message":"Internal server error"}]}`
	cookieName            = "voiceflow"
)

// UserForContext returns the authenticated user of the request, if any.
func UserForContext(ctx context.Context) *User {
	user, _ := ctx.Value(userCtxKey).(*User)
	return user
}

// Auth authenticates the requests with HTTP basic auth or, once signed
// in, with a secure session cookie. Browsers cannot set basic auth
// headers on WebSocket handshakes, so they rely on the cookie.
type Auth struct {
	db           *gorm.DB
	secureCookie *securecookie.SecureCookie
	maxAge       int
}

func NewAuth(db *gorm.DB, hashKey, blockKey string, maxAge time.Duration) *Auth {
	return &Auth{
		db:           db,
		secureCookie: securecookie.New([]byte(hashKey), []byte(blockKey)),
		maxAge:       int(maxAge.Seconds()),
	}
}

func (auth *Auth) MiddlewareHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.resolveUserFromBasicAuth(r)
		if err != nil {
			log.Err(err).Msg("basic auth failed")
			http.Error(w, internalErrorResponse, http.StatusInternalServerError)
			return
		}
		if user != nil {
			if err = auth.signIn(w, user); err != nil {
				log.Err(err).Msg("sign in failed")
				http.Error(w, internalErrorResponse, http.StatusInternalServerError)
				return
			}
		} else {
			user, err = auth.resolveUserFromCookie(r)
			if err != nil {
				log.Err(err).Msg("cookie authentication failed")
				http.Error(w, internalErrorResponse, http.StatusInternalServerError)
				return
			}
		}

		if user == nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="voiceflow"`)
			http.Error(w, unauthorizedResponse, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (auth *Auth) signIn(w http.ResponseWriter, user *User) error {
	value := map[string]string{"UserID": strconv.FormatUint(uint64(user.ID), 10)}
	encoded, err := auth.secureCookie.Encode(cookieName, value)
	if err != nil {
		return fmt.Errorf("failed to encode cookie: %w", err)
	}
	http.SetCookie(w, newCookie(encoded, auth.maxAge))
	return nil
}

// SignOut handles the requests that delete the session cookie.
func (auth *Auth) SignOut(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, newCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

func newCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    value,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   maxAge,
	}
}

func (auth *Auth) resolveUserFromBasicAuth(r *http.Request) (*User, error) {
	username, pass, ok := r.BasicAuth()
	if !ok || strings.TrimSpace(username) == "" || strings.TrimSpace(pass) == "" {
		return nil, nil
	}

	var user *User
	res := auth.db.Limit(1).Find(&user, "username = ?", username)
	if err := res.Error; err != nil {
		return nil, fmt.Errorf("failed to query user by username: %w", err)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(pass)); err != nil {
		return nil, nil
	}
	return user, nil
}

func (auth *Auth) resolveUserFromCookie(r *http.Request) (*User, error) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cookie: %w", err)
	}

	value := make(map[string]string)
	if err = auth.secureCookie.Decode(cookieName, cookie.Value, &value); err != nil {
		log.Warn().Err(err).Msg("failed to decode cookie")
		return nil, nil
	}

	var user *User
	res := auth.db.Limit(1).Find(&user, "id = ?", value["UserID"])
	if err = res.Error; err != nil {
		return nil, fmt.Errorf("failed to query user by ID: %w", err)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return user, nil
}
