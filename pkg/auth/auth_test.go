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

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	return signed
}

func TestJWTVerifier(t *testing.T) {
	t.Parallel()

	verifier := NewJWTVerifier(testSecret)

	tests := []struct {
		name      string
		token     string
		wantID    string
		wantName  string
		wantError bool
	}{
		{
			name: "valid token",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub":  "alice",
				"name": "Alice",
				"exp":  time.Now().Add(time.Hour).Unix(),
			}),
			wantID:   "alice",
			wantName: "Alice",
		},
		{
			name: "valid token without name claim",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "bob",
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantID: "bob",
		},
		{
			name: "wrong secret",
			token: signToken(t, "other-secret", jwt.MapClaims{
				"sub": "alice",
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantError: true,
		},
		{
			name: "expired token",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "alice",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
			wantError: true,
		},
		{
			name: "missing subject",
			token: signToken(t, testSecret, jwt.MapClaims{
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			wantError: true,
		},
		{
			name:      "empty token",
			token:     "",
			wantError: true,
		},
		{
			name:      "garbage token",
			token:     "not.a.jwt",
			wantError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			principal, err := verifier.Verify(context.Background(), tc.token)

			if tc.wantError {
				require.Error(t, err)
				assert.Nil(t, principal)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.wantID, principal.ID)
			assert.Equal(t, tc.wantName, principal.Name)
		})
	}
}

func TestJWTVerifierRejectsUnsignedAlgorithm(t *testing.T) {
	t.Parallel()

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"})

	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	verifier := NewJWTVerifier(testSecret)

	_, err = verifier.Verify(context.Background(), signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierRejectsEmptySecret(t *testing.T) {
	t.Parallel()

	// A token anyone can mint by signing HS256 with the empty string.
	forged := signToken(t, "", jwt.MapClaims{
		"sub": "mallory",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	verifier := NewJWTVerifier("")

	principal, err := verifier.Verify(context.Background(), forged)
	require.Error(t, err, "a verifier with an empty secret must not accept forged tokens")
	assert.Nil(t, principal)
}

func TestStaticAuthorizer(t *testing.T) {
	t.Parallel()

	authorizer := NewStaticAuthorizer(map[string][]string{
		"alice": {"A", "B"},
		"bob":   {},
	})

	tests := []struct {
		name      string
		principal string
		want      []string
	}{
		{name: "granted devices", principal: "alice", want: []string{"A", "B"}},
		{name: "empty grant list", principal: "bob", want: nil},
		{name: "unknown principal", principal: "mallory", want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			set, err := authorizer.AuthorizedDevices(context.Background(), tc.principal)
			require.NoError(t, err)

			var got []string
			for id := range set {
				got = append(got, id)
			}

			assert.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestStaticAuthorizerReturnsACopy(t *testing.T) {
	t.Parallel()

	authorizer := NewStaticAuthorizer(map[string][]string{"alice": {"A"}})

	first, err := authorizer.AuthorizedDevices(context.Background(), "alice")
	require.NoError(t, err)

	delete(first, "A")

	second, err := authorizer.AuthorizedDevices(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, second, "A", "callers must not be able to mutate the grant table")
}
