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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix starts every issued key so operators can recognize one in a
// config file without the value being guessable from it.
const APIKeyPrefix = "tsio_"

// publicPrefixLen is how many characters of a key are stored in clear for
// display; enough to tell keys apart, far too short to recover one.
const publicPrefixLen = 8

// GeneratedKey is a freshly minted API key. Raw exists only here and in the
// one-time creation response; the store keeps Hash.
type GeneratedKey struct {
	Raw    string
	Hash   string
	Prefix string
}

// GenerateAPIKey mints an opaque key of the form tsio_<random> with 32 bytes
// of entropy.
func GenerateAPIKey() (*GeneratedKey, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("could not read randomness: %w", err)
	}
	raw := APIKeyPrefix + hex.EncodeToString(random)
	return &GeneratedKey{
		Raw:    raw,
		Hash:   HashAPIKey(raw),
		Prefix: raw[:publicPrefixLen],
	}, nil
}

// HashAPIKey computes the lookup hash of a presented key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// WellFormedAPIKey reports whether a presented value even has the issued
// shape, letting the verifier skip a database round-trip for garbage input.
func WellFormedAPIKey(raw string) bool {
	return strings.HasPrefix(raw, APIKeyPrefix) && len(raw) > len(APIKeyPrefix)
}
