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

// Package secretutil implements utilities to operate on secret data.
package secretutil

import (
	"encoding/base64"
	"strings"
	"sync"

	"go4.org/bytereplacer"
)

// Censorer knows how to replace sensitive data from input.
type Censorer interface {
	// Censor will remove sensitive data previously registered with the Censorer
	// from the input. This is thread-safe, will mutate the input and will never
	// change the overall size of the input.
	Censor(input *[]byte)
}

func NewCensorer() *ReloadingCensorer {
	return &ReloadingCensorer{
		RWMutex:  &sync.RWMutex{},
		Replacer: bytereplacer.New(),
	}
}

// ReloadingCensorer is a Censorer that can have the set of censored secrets
// swapped out at runtime, e.g. when an API key is created or the admin key
// is rotated.
type ReloadingCensorer struct {
	*sync.RWMutex
	*bytereplacer.Replacer
}

var _ Censorer = &ReloadingCensorer{}

// Censor will remove sensitive data previously registered with the Censorer
// from the input. Both the plaintext representation of each secret and its
// base64 encoding are censored, as tokens commonly transit logs in either
// form.
func (c *ReloadingCensorer) Censor(input *[]byte) {
	c.RLock()
	// our replacements are the same size as what they replace, so the
	// replacer will never allocate and we can ignore its return value
	c.Replacer.Replace(*input)
	c.RUnlock()
}

// Refresh replaces the set of secrets that we censor.
func (c *ReloadingCensorer) Refresh(secrets ...string) {
	var replacements []string
	addReplacement := func(s string) {
		replacements = append(replacements, s, strings.Repeat(`*`, len(s)))
	}
	for _, secret := range secrets {
		if trimmed := strings.TrimSpace(secret); trimmed != secret {
			secret = trimmed
		}
		if secret == "" {
			continue
		}
		addReplacement(secret)
		addReplacement(base64.StdEncoding.EncodeToString([]byte(secret)))
	}
	c.Lock()
	c.Replacer = bytereplacer.New(replacements...)
	c.Unlock()
}

// RefreshBytes replaces the set of secrets that we censor.
func (c *ReloadingCensorer) RefreshBytes(secrets ...[]byte) {
	asStrings := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		asStrings = append(asStrings, string(secret))
	}
	c.Refresh(asStrings...)
}
