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

// Package githuboauth implements browser login through GitHub's OAuth code
// exchange. A successful exchange upserts the user, mints a short-lived
// HS256 access token and an opaque refresh token, and places both in
// HttpOnly cookies. Refresh rotates the pair; the database keeps only the
// refresh token's hash.
package githuboauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	githuboauth2 "golang.org/x/oauth2/github"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/secretutil"
	"github.com/tsio/tsio/pkg/store"
)

const (
	stateTTL       = 10 * time.Minute
	connectTimeout = 5 * time.Second
	totalTimeout   = 10 * time.Second
)

// Exchanger is the slice of GitHub the broker talks to. Tests substitute a
// fake; the real one wraps golang.org/x/oauth2 and go-github.
type Exchanger interface {
	// AuthCodeURL returns GitHub's consent page URL carrying state.
	AuthCodeURL(state string) string
	// Exchange redeems an authorization code for an access token.
	Exchange(ctx context.Context, code string) (string, error)
	// User fetches the authenticated user's profile.
	User(ctx context.Context, token string) (*Profile, error)
	// Orgs fetches the login names of the user's organizations.
	Orgs(ctx context.Context, token string) ([]string, error)
}

// Profile is the subset of a GitHub account the broker persists.
type Profile struct {
	ID          int64
	Login       string
	DisplayName *string
	AvatarURL   *string
}

// Options wires an Agent.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AllowedOrgs  []string

	SessionSecret   *secretutil.Secret
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// SecureCookies sets the Secure attribute; on in production.
	SecureCookies bool
}

// Agent owns the login, callback, refresh and logout flows.
type Agent struct {
	store    *store.Store
	github   Exchanger
	opts     Options
	redirect string
}

// NewAgent builds an agent speaking to GitHub proper.
func NewAgent(s *store.Store, opts Options) *Agent {
	return NewAgentWithExchanger(s, newGithubExchanger(opts), opts)
}

// NewAgentWithExchanger builds an agent over a custom Exchanger; tests use
// this.
func NewAgentWithExchanger(s *store.Store, exchanger Exchanger, opts Options) *Agent {
	return &Agent{store: s, github: exchanger, opts: opts, redirect: "/"}
}

// HandleLogin starts the flow: a random state value goes into a short-lived
// cookie and to GitHub, which echoes it back to the callback.
func (a *Agent) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomHex(32)
	if err != nil {
		apierror.Write(w, logrus.NewEntry(logrus.StandardLogger()), apierror.Database(err))
		return
	}
	a.setCookie(w, auth.StateCookie, state, int(stateTTL.Seconds()))
	http.Redirect(w, r, a.github.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback finishes the flow. The state cookie must match the query
// parameter; both are discarded before anything else happens.
func (a *Agent) HandleCallback(w http.ResponseWriter, r *http.Request) {
	log := logrus.WithField("handler", "oauth-callback")

	cookie, err := r.Cookie(auth.StateCookie)
	a.clearCookie(w, auth.StateCookie)
	if err != nil || cookie.Value == "" {
		apierror.Write(w, log, apierror.Unauthorized("Invalid token", "oauth", "missing state cookie"))
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(cookie.Value)) != 1 {
		apierror.Write(w, log, apierror.Unauthorized("Invalid token", "oauth", "state mismatch"))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		apierror.Write(w, log, apierror.InvalidInput("Missing authorization code"))
		return
	}

	ctx := r.Context()
	token, err := a.github.Exchange(ctx, code)
	if err != nil {
		apierror.Write(w, log, apierror.Unauthorized("Authentication failed", "oauth", "code exchange failed").WithField("error", err.Error()))
		return
	}
	profile, err := a.github.User(ctx, token)
	if err != nil {
		apierror.Write(w, log, apierror.Unauthorized("Authentication failed", "oauth", "profile fetch failed").WithField("error", err.Error()))
		return
	}

	if len(a.opts.AllowedOrgs) > 0 {
		orgs, err := a.github.Orgs(ctx, token)
		if err != nil {
			apierror.Write(w, log, apierror.Unauthorized("Authentication failed", "oauth", "org fetch failed").WithField("error", err.Error()))
			return
		}
		if !overlaps(a.opts.AllowedOrgs, orgs) {
			apierror.Write(w, log, apierror.Unauthorized("Authentication failed", "oauth", "no allowed org membership").WithField("user", profile.Login))
			return
		}
	}

	now := time.Now()
	user, err := a.store.UpsertUser(ctx, profile.ID, profile.Login, profile.DisplayName, profile.AvatarURL, now)
	if err != nil {
		apierror.Write(w, log, apierror.Database(err))
		return
	}

	if err := a.issuePair(ctx, w, user, now); err != nil {
		apierror.Write(w, log, err)
		return
	}
	http.Redirect(w, r, a.redirect, http.StatusFound)
}

// HandleRefresh rotates the token pair. The presented refresh token is
// revoked atomically with the issuance of its replacement, so a replayed
// token always fails.
func (a *Agent) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	log := logrus.WithField("handler", "oauth-refresh")

	cookie, err := r.Cookie(auth.RefreshCookie)
	if err != nil || cookie.Value == "" {
		apierror.Write(w, log, apierror.Unauthorized("Missing credentials", "refresh", "no refresh cookie"))
		return
	}

	ctx := r.Context()
	now := time.Now()
	raw, err := randomHex(32)
	if err != nil {
		apierror.Write(w, log, apierror.Database(err))
		return
	}
	replacement := &store.RefreshToken{
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(a.opts.RefreshTokenTTL),
	}
	rotated, err := a.store.RotateRefreshToken(ctx, hashToken(cookie.Value), replacement, now)
	if err != nil {
		a.clearCookie(w, auth.SessionCookie)
		a.clearCookie(w, auth.RefreshCookie)
		apierror.Write(w, log, apierror.Unauthorized("Invalid token", "refresh", "rotation failed").WithField("error", err.Error()))
		return
	}

	user, err := a.store.GetUser(ctx, rotated.UserID)
	if err != nil {
		apierror.Write(w, log, apierror.Unauthorized("Invalid token", "refresh", "unknown user"))
		return
	}
	access, err := auth.MintSessionToken(a.opts.SessionSecret, user, a.opts.AccessTokenTTL, now)
	if err != nil {
		apierror.Write(w, log, apierror.Database(err))
		return
	}

	a.setCookie(w, auth.SessionCookie, access, int(a.opts.AccessTokenTTL.Seconds()))
	a.setCookie(w, auth.RefreshCookie, raw, int(a.opts.RefreshTokenTTL.Seconds()))
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"refreshed"}`)
}

// HandleLogout revokes the refresh token and clears both cookies. Logging
// out twice is fine.
func (a *Agent) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.RefreshCookie); err == nil && cookie.Value != "" {
		if err := a.store.RevokeRefreshToken(r.Context(), hashToken(cookie.Value), time.Now()); err != nil {
			logrus.WithError(err).Warn("Failed to revoke refresh token on logout.")
		}
	}
	a.clearCookie(w, auth.SessionCookie)
	a.clearCookie(w, auth.RefreshCookie)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"logged_out"}`)
}

func (a *Agent) issuePair(ctx context.Context, w http.ResponseWriter, user *store.User, now time.Time) error {
	access, err := auth.MintSessionToken(a.opts.SessionSecret, user, a.opts.AccessTokenTTL, now)
	if err != nil {
		return apierror.Database(err)
	}
	raw, err := randomHex(32)
	if err != nil {
		return apierror.Database(err)
	}
	if err := a.store.CreateRefreshToken(ctx, &store.RefreshToken{
		UserID:    user.ID,
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(a.opts.RefreshTokenTTL),
	}); err != nil {
		return apierror.Database(err)
	}
	a.setCookie(w, auth.SessionCookie, access, int(a.opts.AccessTokenTTL.Seconds()))
	a.setCookie(w, auth.RefreshCookie, raw, int(a.opts.RefreshTokenTTL.Seconds()))
	return nil
}

func (a *Agent) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *Agent) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func overlaps(allowed, actual []string) bool {
	for _, want := range allowed {
		for _, have := range actual {
			if want == have {
				return true
			}
		}
	}
	return false
}

func randomHex(bytes int) (string, error) {
	random := make([]byte, bytes)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("could not read randomness: %w", err)
	}
	return hex.EncodeToString(random), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// githubExchanger talks to GitHub proper.
type githubExchanger struct {
	config *oauth2.Config
	client *http.Client
}

func newGithubExchanger(opts Options) *githubExchanger {
	return &githubExchanger{
		config: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       []string{"read:user", "read:org"},
			Endpoint:     githuboauth2.Endpoint,
		},
		client: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

func (g *githubExchanger) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (g *githubExchanger) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("could not exchange authorization code: %w", err)
	}
	return token.AccessToken, nil
}

func (g *githubExchanger) User(ctx context.Context, token string) (*Profile, error) {
	user, _, err := gogithub.NewClient(g.client).WithAuthToken(token).Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("could not fetch user profile: %w", err)
	}
	return &Profile{
		ID:          user.GetID(),
		Login:       user.GetLogin(),
		DisplayName: user.Name,
		AvatarURL:   user.AvatarURL,
	}, nil
}

func (g *githubExchanger) Orgs(ctx context.Context, token string) ([]string, error) {
	orgs, _, err := gogithub.NewClient(g.client).WithAuthToken(token).Organizations.List(ctx, "", nil)
	if err != nil {
		return nil, fmt.Errorf("could not fetch organizations: %w", err)
	}
	logins := make([]string, 0, len(orgs))
	for _, org := range orgs {
		logins = append(logins, org.GetLogin())
	}
	return logins, nil
}
