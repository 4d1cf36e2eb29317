/*
 * Copyright 2025 Fleetglass Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package auth verifies client credentials and resolves which devices a
// principal may observe. Token issuance is external; the hub only
// consumes already-issued bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	errEmptyToken   = errors.New("token cannot be empty")
	errNoSecret     = errors.New("verifier has no signing secret")
	errNoSubject    = errors.New("token has no subject claim")
)

// Principal is the authenticated identity behind a connection.
type Principal struct {
	ID   string
	Name string
}

// TokenVerifier validates a bearer token and extracts the principal.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// JWTVerifier validates HS256-signed JWTs against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for the given HMAC secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements TokenVerifier. The token subject becomes the
// principal ID; an optional "name" claim becomes the display name.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Principal, error) {
	// An empty HMAC key would accept any token signed with "".
	if len(v.secret) == 0 {
		return nil, errNoSecret
	}

	if tokenString == "" {
		return nil, errEmptyToken
	}

	claims := jwt.MapClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, token.Header["alg"])
		}

		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errNoSubject
	}

	principal := &Principal{ID: sub}
	if name, ok := claims["name"].(string); ok {
		principal.Name = name
	}

	return principal, nil
}
