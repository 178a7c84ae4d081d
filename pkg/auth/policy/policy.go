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

// Package policy resolves the repository identity of a CI OIDC token to a
// role. Database policies are consulted first, then a startup-configured
// allow-list; an identity no policy accepts fails authentication entirely.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsio/tsio/pkg/store"
)

// cacheTTL bounds how stale the in-memory policy snapshot may get, and with
// it the database load of token verification.
const cacheTTL = 60 * time.Second

// Matches reports whether a repository pattern covers a repository.
// owner/name matches exactly; owner/* matches every repository of that
// owner. A pattern without a slash never matches, so a bare * grants
// nothing.
func Matches(pattern, repository string) bool {
	slash := strings.Index(pattern, "/")
	if slash < 0 {
		return false
	}
	if pattern[slash+1:] == "*" {
		return strings.HasPrefix(repository, pattern[:slash+1])
	}
	return pattern == repository
}

// ValidatePattern rejects pattern grammars the matcher would silently never
// match, so misconfigurations surface at write time instead.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("repository pattern must not be empty")
	}
	if !strings.Contains(pattern, "/") {
		return fmt.Errorf("repository pattern %q must be owner/name or owner/*", pattern)
	}
	if strings.HasPrefix(pattern, "*") {
		return fmt.Errorf("repository pattern %q must scope to an owner", pattern)
	}
	return nil
}

// policyLister is the slice of the store the engine reads.
type policyLister interface {
	EnabledOidcPolicies(ctx context.Context) ([]store.OidcPolicy, error)
}

// Engine caches enabled policies and evaluates them against repository
// identities. Safe for concurrent use.
type Engine struct {
	store     policyLister
	allowList []string

	// refreshMu single-flights cache refreshes so a stampede of expired
	// reads performs one query.
	refreshMu sync.Mutex

	mu       sync.RWMutex
	policies []store.OidcPolicy
	fetched  time.Time
}

// NewEngine builds an engine over the policy store. allowList carries the
// env-configured repository patterns that grant contributor when no database
// policy matches.
func NewEngine(s policyLister, allowList []string) *Engine {
	return &Engine{store: s, allowList: allowList}
}

// Resolve maps a repository to a role. The second return is false when no
// policy and no allow-list entry covers the repository; callers treat that
// as an authentication failure, not an authorization one.
func (e *Engine) Resolve(ctx context.Context, repository string) (store.Role, bool, error) {
	policies, err := e.snapshot(ctx)
	if err != nil {
		return "", false, err
	}
	for i := range policies {
		if Matches(policies[i].RepositoryPattern, repository) {
			return policies[i].Role, true, nil
		}
	}
	for _, pattern := range e.allowList {
		if Matches(pattern, repository) {
			return store.RoleContributor, true, nil
		}
	}
	return "", false, nil
}

// Invalidate drops the cached snapshot so the next Resolve sees policy
// changes immediately. Called by the policy CRUD handlers.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.fetched = time.Time{}
	e.mu.Unlock()
}

func (e *Engine) snapshot(ctx context.Context) ([]store.OidcPolicy, error) {
	e.mu.RLock()
	policies, fetched := e.policies, e.fetched
	e.mu.RUnlock()
	if time.Since(fetched) < cacheTTL {
		return policies, nil
	}

	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	// Another refresher may have won while we waited for the lock.
	e.mu.RLock()
	policies, fetched = e.policies, e.fetched
	e.mu.RUnlock()
	if time.Since(fetched) < cacheTTL {
		return policies, nil
	}

	fresh, err := e.store.EnabledOidcPolicies(ctx)
	if err != nil {
		// A stale snapshot beats failing every OIDC request during a
		// database hiccup.
		if !fetched.IsZero() {
			logrus.WithError(err).Warn("Failed to refresh OIDC policies; serving stale cache.")
			return policies, nil
		}
		return nil, fmt.Errorf("could not load OIDC policies: %w", err)
	}

	e.mu.Lock()
	e.policies = fresh
	e.fetched = time.Now()
	e.mu.Unlock()
	return fresh, nil
}
