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

// Package oidc verifies GitHub Actions OIDC tokens. Provider keys are
// fetched from the issuer's JWKS endpoint and cached; an unknown key id
// forces a single refresh, and a refresh failure falls back to the last
// successful key set so a provider outage does not take verification down
// with it.
package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// GitHub's issuer for Actions workflow tokens.
const DefaultIssuer = "https://token.actions.githubusercontent.com"

const (
	cacheTTL       = 24 * time.Hour
	connectTimeout = 5 * time.Second
	totalTimeout   = 10 * time.Second
)

// Claims is the CI identity attested by a GitHub OIDC token. Only the
// public workflow-context claims are modeled; verification-relevant
// registered claims ride along for the library's checks and are never
// persisted.
type Claims struct {
	jwt.RegisteredClaims

	Repository        string `json:"repository"`
	RepositoryOwner   string `json:"repository_owner"`
	RepositoryID      string `json:"repository_id"`
	RepositoryOwnerID string `json:"repository_owner_id"`
	Actor             string `json:"actor"`
	ActorID           string `json:"actor_id"`
	RunID             string `json:"run_id"`
	RunNumber         string `json:"run_number"`
	RunAttempt        string `json:"run_attempt"`
	Workflow          string `json:"workflow"`
	EventName         string `json:"event_name"`
	Ref               string `json:"ref"`
}

// jsonWebKey is the subset of RFC 7517 the verifier consumes.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// Verifier validates RS256 OIDC tokens against the issuer's JWKS.
// Safe for concurrent use.
type Verifier struct {
	issuer   string
	audience string
	client   *http.Client

	// refreshMu single-flights JWKS fetches.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewVerifier builds a verifier for the given issuer. An empty audience
// skips the audience check; the config layer warns about the replay risk at
// startup.
func NewVerifier(issuer, audience string) *Verifier {
	return &Verifier{
		issuer:   strings.TrimSuffix(issuer, "/"),
		audience: audience,
		client: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Verify checks the signature, algorithm, issuer, expiry and (when
// configured) audience of raw and returns its claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.keyFor(ctx, kid)
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// keyFor resolves kid from the cache, forcing one refresh when the cache is
// stale or when the kid is unknown (the provider rotated keys).
func (v *Verifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.fetched) >= cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}

	if err := v.refresh(ctx, kid); err != nil {
		v.mu.RLock()
		key, ok = v.keys[kid]
		v.mu.RUnlock()
		if ok {
			logrus.WithError(err).Warn("Failed to refresh JWKS; using cached provider keys.")
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

// refresh fetches the key set. Fetches are serialized; a caller that waited
// on a concurrent refresh which already installed its kid skips the fetch.
func (v *Verifier) refresh(ctx context.Context, kid string) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	v.mu.RLock()
	_, ok := v.keys[kid]
	stale := time.Since(v.fetched) >= cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return nil
	}

	url := v.issuer + "/.well-known/jwks"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("could not build JWKS request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch returned status %d", resp.StatusCode)
	}

	var keySet jsonWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return fmt.Errorf("could not decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(keySet.Keys))
	for _, jwk := range keySet.Keys {
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			logrus.WithError(err).WithField("kid", jwk.Kid).Warn("Skipping unparsable JWKS key.")
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS at %s contains no usable RSA keys", url)
	}

	v.mu.Lock()
	v.keys = keys
	v.fetched = time.Now()
	v.mu.Unlock()
	return nil
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("could not decode modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("could not decode exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(new(big.Int).SetBytes(exponent).Int64()),
	}, nil
}
