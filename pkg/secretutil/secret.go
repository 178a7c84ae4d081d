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

package secretutil

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Redacted is what Secret renders to anywhere it could be printed.
const Redacted = "[REDACTED]"

// Secret holds sensitive bytes like the admin bootstrap key or an OAuth
// client secret. It cannot leak through fmt verbs or JSON encoding, supports
// constant-time comparison and can be zeroed once the process no longer
// needs the material.
type Secret struct {
	value []byte
}

// NewSecret copies value into a Secret; the caller's slice may be reused.
func NewSecret(value []byte) *Secret {
	s := &Secret{value: make([]byte, len(value))}
	copy(s.value, value)
	return s
}

// NewSecretFromString copies value into a Secret.
func NewSecretFromString(value string) *Secret {
	return NewSecret([]byte(value))
}

// Bytes exposes the raw material. Callers must not log or retain it.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.value
}

// Empty reports whether no material is held.
func (s *Secret) Empty() bool {
	return s == nil || len(s.value) == 0
}

// Equal compares other against the secret in constant time. Both sides are
// hashed first so the comparison is over fixed-width digests: the time taken
// does not depend on the position of the first differing byte, nor does a
// length mismatch short-circuit.
func (s *Secret) Equal(other []byte) bool {
	if s.Empty() {
		return false
	}
	want := sha256.Sum256(s.value)
	got := sha256.Sum256(other)
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// Zero overwrites the held material.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = s.value[:0]
}

// String implements fmt.Stringer, yielding only a redaction marker.
func (s *Secret) String() string {
	return Redacted
}

// GoString keeps %#v from leaking material.
func (s *Secret) GoString() string {
	return Redacted
}

// MarshalJSON keeps encoding/json from leaking material.
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Redacted + `"`), nil
}
