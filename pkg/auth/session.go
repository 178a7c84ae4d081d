/*
Copyright 2025 The tsio Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tsio/tsio/pkg/secretutil"
	"github.com/tsio/tsio/pkg/store"
)

// Browser cookie names. Clients depend on these.
const (
	SessionCookie = "tsio_session"
	RefreshCookie = "tsio_refresh"
	StateCookie   = "tsio_oauth_state"
)

// sessionIssuer names tokens we minted ourselves.
const sessionIssuer = "tsio"

// SessionClaims is the payload of a short-lived browser access token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Username string     `json:"username"`
	Role     store.Role `json:"role"`
}

// MintSessionToken signs an HS256 access token for a logged-in user.
func MintSessionToken(secret *secretutil.Secret, user *store.User, ttl time.Duration, now time.Time) (string, error) {
	if secret.Empty() {
		return "", fmt.Errorf("no session secret configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: user.Username,
		Role:     user.Role,
	})
	signed, err := token.SignedString(secret.Bytes())
	if err != nil {
		return "", fmt.Errorf("could not sign session token: %w", err)
	}
	return signed, nil
}

// VerifySessionToken checks the signature, issuer and expiry of a browser
// access token.
func VerifySessionToken(secret *secretutil.Secret, raw string) (*SessionClaims, error) {
	if secret.Empty() {
		return nil, fmt.Errorf("no session secret configured")
	}
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret.Bytes(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("session token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("session token is not valid")
	}
	return claims, nil
}
