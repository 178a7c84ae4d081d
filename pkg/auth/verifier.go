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
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth/oidc"
	"github.com/tsio/tsio/pkg/auth/policy"
	"github.com/tsio/tsio/pkg/secretutil"
	"github.com/tsio/tsio/pkg/store"
)

// Request headers carrying the non-cookie credential classes.
const (
	AdminKeyHeader = "X-Admin-Key"
	APIKeyHeader   = "X-API-Key"
)

// Client-visible failure messages. These are deliberately generic; the
// specific reason only goes to the log.
const (
	msgMissingCredentials = "Missing credentials"
	msgInvalidToken       = "Invalid token"
	msgAuthFailed         = "Authentication failed"
)

// Verifier evaluates the credential classes in a fixed order; the first
// class whose credential is present decides the request. A credential class
// whose configuration is absent is disabled and skipped.
type Verifier struct {
	adminKey      *secretutil.Secret
	store         *store.Store
	oidcVerifier  *oidc.Verifier
	policies      *policy.Engine
	sessionSecret *secretutil.Secret
}

// Options wires the verifier. Nil or empty members disable the
// corresponding credential class.
type Options struct {
	AdminKey      *secretutil.Secret
	Store         *store.Store
	OIDCVerifier  *oidc.Verifier
	Policies      *policy.Engine
	SessionSecret *secretutil.Secret
}

// NewVerifier assembles the credential chain.
func NewVerifier(opts Options) *Verifier {
	return &Verifier{
		adminKey:      opts.AdminKey,
		store:         opts.Store,
		oidcVerifier:  opts.OIDCVerifier,
		policies:      opts.Policies,
		sessionSecret: opts.SessionSecret,
	}
}

// Verify authenticates the request. Evaluation order: admin bootstrap key,
// API key, OIDC bearer token, session cookie. A request presenting no
// recognized credential fails with the missing-credentials message.
func (v *Verifier) Verify(r *http.Request) (*Caller, *apierror.Error) {
	if presented := r.Header.Get(AdminKeyHeader); presented != "" {
		return v.verifyAdminKey(presented)
	}
	if presented := r.Header.Get(APIKeyHeader); presented != "" {
		return v.verifyAPIKey(r, presented)
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return v.verifyOIDC(r, strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return v.verifySession(r, cookie.Value)
	}
	return nil, apierror.Unauthorized(msgMissingCredentials, "", "no credential presented")
}

func (v *Verifier) verifyAdminKey(presented string) (*Caller, *apierror.Error) {
	if v.adminKey.Empty() {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindAdminKey), "admin key class disabled")
	}
	if !v.adminKey.Equal([]byte(presented)) {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindAdminKey), "admin key mismatch")
	}
	return &Caller{ID: "admin", Role: store.RoleAdmin, Kind: KindAdminKey}, nil
}

func (v *Verifier) verifyAPIKey(r *http.Request, presented string) (*Caller, *apierror.Error) {
	if !WellFormedAPIKey(presented) {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindAPIKey), "malformed key")
	}
	key, err := v.store.FindApiKeyByHash(r.Context(), HashAPIKey(presented))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierror.Unauthorized(msgInvalidToken, string(KindAPIKey), "unknown or revoked key")
		}
		return nil, apierror.Unauthorized(msgAuthFailed, string(KindAPIKey), "key lookup failed").WithField("error", err.Error())
	}
	now := time.Now()
	if key.Expired(now) {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindAPIKey), "expired key").WithField("key_id", key.ID.String())
	}
	// Best-effort bookkeeping; a failed touch must not fail the request.
	if err := v.store.TouchApiKey(r.Context(), key.ID, now); err != nil {
		logrus.WithError(err).WithField("key_id", key.ID).Warn("Failed to update key last-used timestamp.")
	}
	return &Caller{ID: key.ID.String(), Role: key.Role, Kind: KindAPIKey}, nil
}

func (v *Verifier) verifyOIDC(r *http.Request, raw string) (*Caller, *apierror.Error) {
	if v.oidcVerifier == nil {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindOIDC), "OIDC class disabled")
	}
	claims, err := v.oidcVerifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindOIDC), "token verification failed").WithField("error", err.Error())
	}
	if claims.Repository == "" {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindOIDC), "token carries no repository claim")
	}
	// No policy covering the repository means the identity itself is not
	// accepted; that is an authentication failure, not a 403.
	role, ok, err := v.policies.Resolve(r.Context(), claims.Repository)
	if err != nil {
		return nil, apierror.Unauthorized(msgAuthFailed, string(KindOIDC), "policy resolution failed").WithField("error", err.Error())
	}
	if !ok {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindOIDC), "no policy matches repository").WithField("repository", claims.Repository)
	}
	return &Caller{ID: claims.Repository, Role: role, Kind: KindOIDC, OIDCClaims: claims}, nil
}

func (v *Verifier) verifySession(r *http.Request, raw string) (*Caller, *apierror.Error) {
	if v.sessionSecret.Empty() {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindSession), "session class disabled")
	}
	claims, err := VerifySessionToken(v.sessionSecret, raw)
	if err != nil {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindSession), "session verification failed").WithField("error", err.Error())
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindSession), "malformed subject")
	}
	// The user row is authoritative for the role: a role change or a
	// deleted account takes effect as soon as the old access token expires,
	// and immediately for anything the row check catches.
	user, err := v.store.GetUser(r.Context(), userID)
	if err != nil {
		return nil, apierror.Unauthorized(msgInvalidToken, string(KindSession), "unknown user").WithField("user_id", claims.Subject)
	}
	return &Caller{ID: user.ID.String(), Role: user.Role, Kind: KindSession, User: user}, nil
}
