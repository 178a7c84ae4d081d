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

// Package auth authenticates requests against the four credential classes
// (admin bootstrap key, database-backed API keys, CI OIDC tokens, browser
// session tokens) and authorizes the resulting caller by role.
package auth

import (
	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth/oidc"
	"github.com/tsio/tsio/pkg/store"
)

// Kind identifies which credential class admitted a caller.
type Kind string

const (
	KindAdminKey Kind = "admin_key"
	KindAPIKey   Kind = "api_key"
	KindOIDC     Kind = "oidc"
	KindSession  Kind = "session"
)

// Caller is an authenticated identity. Role is the authoritative
// authorization input; Kind additionally gates the admin surface.
type Caller struct {
	// ID names the identity: "admin" for the bootstrap key, the key id for
	// API keys, the repository for OIDC callers, the user id for sessions.
	ID   string
	Role store.Role
	Kind Kind

	// OIDCClaims is set when Kind is KindOIDC.
	OIDCClaims *oidc.Claims
	// User is set when Kind is KindSession.
	User *store.User
}

// RequireRole rejects callers below the minimum role. The 401 carries only a
// generic message; the caller's actual role goes to the log.
func (c *Caller) RequireRole(minimum store.Role) *apierror.Error {
	if !c.Role.AtLeast(minimum) {
		return apierror.Unauthorized("Insufficient permissions", string(c.Kind), "role below minimum").
			WithField("role", string(c.Role)).
			WithField("minimum", string(minimum))
	}
	return nil
}

// RequireAdmin gates the admin surface: admin role, and never an OIDC
// caller. CI identities cannot manage keys or policies regardless of the
// role a policy resolved, so a compromised workflow cannot grant itself
// standing access.
func (c *Caller) RequireAdmin() *apierror.Error {
	if c.Kind == KindOIDC {
		return apierror.Unauthorized("Insufficient permissions", string(c.Kind), "OIDC callers are denied admin endpoints")
	}
	return c.RequireRole(store.RoleAdmin)
}
