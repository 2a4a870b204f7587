// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/eduardojeem/Mipos-sub030/internal/auth"
)

func TestJWTRoundTrip(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user-1", "terminal-7", time.Hour)
	require.NoError(t, err)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "terminal-7", claims.DeviceID)
}

func TestJWTValidationFailures(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTAuth("other-secret")
		token, err := other.GenerateToken("user-1", "terminal-7", time.Hour)
		require.NoError(t, err)

		_, err = jwtAuth.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := jwtAuth.GenerateToken("user-1", "terminal-7", -time.Minute)
		require.NoError(t, err)

		_, err = jwtAuth.ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("missing device claim", func(t *testing.T) {
		claims := &JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = jwtAuth.ValidateToken(token)
		require.Error(t, err)
		require.Contains(t, err.Error(), "did")
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := jwtAuth.ValidateToken("not.a.token")
		require.Error(t, err)
	})
}

func TestJWTRequestExtraction(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "terminal-7", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/sync/mutations", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := jwtAuth.GetUserID(r)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	sourceID, err := jwtAuth.GetSourceID(r)
	require.NoError(t, err)
	require.Equal(t, "terminal-7", sourceID)

	t.Run("missing header", func(t *testing.T) {
		bare := httptest.NewRequest(http.MethodPost, "/sync/mutations", nil)
		_, err := jwtAuth.GetUserID(bare)
		require.Error(t, err)
	})
}

func TestJWTMiddleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "terminal-7", time.Hour)
	require.NoError(t, err)

	var gotUser, gotSource string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotSource, _ = auth.GetSourceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token reaches handler with identity", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "user-1", gotUser)
		require.Equal(t, "terminal-7", gotSource)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
