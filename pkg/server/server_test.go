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

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/auth/githuboauth"
	"github.com/tsio/tsio/pkg/auth/oidc"
	"github.com/tsio/tsio/pkg/auth/policy"
	"github.com/tsio/tsio/pkg/eventbus"
	"github.com/tsio/tsio/pkg/ingest"
	"github.com/tsio/tsio/pkg/objstore"
	"github.com/tsio/tsio/pkg/secretutil"
	"github.com/tsio/tsio/pkg/store"
	"github.com/tsio/tsio/pkg/upload"
)

const testAdminKey = "test-admin-bootstrap-key"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	s := store.NewWithDB(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return s
}

type fixture struct {
	store   *store.Store
	objects *objstore.Store
	bus     *eventbus.Bus
	base    string
	client  *http.Client
}

type fixtureOptions struct {
	oidcVerifier *oidc.Verifier
	oauth        *githuboauth.Agent
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	s := newTestStore(t)
	objects := objstore.NewInMemory()
	bus := eventbus.NewBus(64)
	t.Cleanup(bus.Close)
	policies := policy.NewEngine(s, nil)
	verifier := auth.NewVerifier(auth.Options{
		AdminKey:      secretutil.NewSecretFromString(testAdminKey),
		Store:         s,
		OIDCVerifier:  opts.oidcVerifier,
		Policies:      policies,
		SessionSecret: secretutil.NewSecretFromString("session-signing-secret"),
	})
	uploads := upload.NewCoordinator(s, objects, bus)
	orchestrator := ingest.NewOrchestrator(s, objects, bus, 2)

	srv := New(Options{
		Store:           s,
		Objects:         objects,
		Bus:             bus,
		Verifier:        verifier,
		Uploads:         uploads,
		Ingest:          orchestrator,
		Policies:        policies,
		OAuth:           opts.oauth,
		SearchMinLength: 3,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{store: s, objects: objects, bus: bus, base: ts.URL, client: ts.Client()}
}

// do sends one request with the admin bootstrap key unless headers override
// the credential.
func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.base+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.AdminKeyHeader, testAdminKey)
	for key, value := range headers {
		if value == "" {
			req.Header.Del(key)
			continue
		}
		req.Header.Set(key, value)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, raw)
		}
	}
	return resp, decoded
}

// transfer uploads named files as one multipart request.
func (f *fixture) transfer(t *testing.T, path string, files map[string][]byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, f.base+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(auth.AdminKeyHeader, testAdminKey)
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, raw)
		}
	}
	return resp, decoded
}

const playwrightResults = `{
  "suites": [
    {
      "title": "Login",
      "file": "login.spec.ts",
      "specs": [
        {
          "title": "signs in",
          "tests": [{"status": "expected", "results": [{"status": "passed", "duration": 1200}]}]
        },
        {
          "title": "rejects bad password",
          "tests": [{"status": "unexpected", "results": [{"status": "failed", "duration": 900, "error": {"message": "boom"}}]}]
        }
      ]
    }
  ],
  "stats": {"startTime": "2025-06-01T10:00:00.000Z", "duration": 2100}
}`

func createReport(t *testing.T, f *fixture, expectedJobs int) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/reports", map[string]interface{}{
		"expected_jobs": expectedJobs,
		"framework":     "playwright",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("report registration returned %d: %v", resp.StatusCode, body)
	}
	return body["report_id"].(string)
}

func registerJob(t *testing.T, f *fixture, reportID string, payload map[string]interface{}) (string, int) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/reports/"+reportID+"/jobs/init", payload, nil)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		t.Fatalf("job registration returned %d: %v", resp.StatusCode, body)
	}
	return body["job_id"].(string), resp.StatusCode
}

func TestEndToEndUploadAndQuery(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	reportID := createReport(t, f, 1)
	jobID, _ := registerJob(t, f, reportID, map[string]interface{}{})

	resp, body := f.do(t, http.MethodPost,
		"/api/v1/reports/"+reportID+"/jobs/"+jobID+"/json/init",
		map[string]interface{}{"files": []map[string]interface{}{{"path": "results.json"}}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("json init returned %d: %v", resp.StatusCode, body)
	}

	resp, body = f.transfer(t, "/api/v1/reports/"+reportID+"/jobs/"+jobID+"/json",
		map[string][]byte{"results.json": []byte(playwrightResults)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transfer returned %d: %v", resp.StatusCode, body)
	}
	if body["all_uploaded"] != true {
		t.Fatalf("expected all_uploaded, got %v", body)
	}

	// Extraction runs in the background; poll until the report completes.
	deadline := time.Now().Add(5 * time.Second)
	var report map[string]interface{}
	for {
		_, detail := f.do(t, http.MethodGet, "/api/v1/reports/"+reportID, nil, nil)
		report = detail["report"].(map[string]interface{})
		if report["status"] == "complete" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("report never completed, status %v", report["status"])
		}
		time.Sleep(20 * time.Millisecond)
	}

	_, suites := f.do(t, http.MethodGet, "/api/v1/reports/"+reportID+"/suites", nil, nil)
	listed := suites["suites"].([]interface{})
	if len(listed) != 1 {
		t.Fatalf("expected one suite, got %d", len(listed))
	}
	suite := listed[0].(map[string]interface{})
	if suite["total_tests"].(float64) != 2 || suite["passed"].(float64) != 1 {
		t.Errorf("unexpected suite aggregates: %v", suite)
	}

	suiteID := suite["id"].(string)
	_, specs := f.do(t, http.MethodGet, "/api/v1/reports/"+reportID+"/suites/"+suiteID+"/specs", nil, nil)
	if specs["total"].(float64) != 2 {
		t.Errorf("expected two specs, got %v", specs["total"])
	}

	resp, search := f.do(t, http.MethodGet, "/api/v1/reports/"+reportID+"/search?q=signs", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search returned %d: %v", resp.StatusCode, search)
	}
	if search["total"].(float64) != 1 {
		t.Errorf("expected one search hit, got %v", search["total"])
	}

	resp, _ = f.do(t, http.MethodGet, "/api/v1/reports/"+reportID+"/search?q=ab", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected a too-short query to be rejected, got %d", resp.StatusCode)
	}
}

func TestJobRegistrationIdempotent(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	reportID := createReport(t, f, 2)

	payload := map[string]interface{}{"github_job_id": "gh-42", "github_job_name": "shard 1"}
	resp, body := f.do(t, http.MethodPost, "/api/v1/reports/"+reportID+"/jobs/init", payload, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for the first registration, got %d: %v", resp.StatusCode, body)
	}
	if body["is_existing"] != false {
		t.Errorf("expected is_existing false on the first registration, got %v", body["is_existing"])
	}
	first := body["job_id"].(string)

	resp, body = f.do(t, http.MethodPost, "/api/v1/reports/"+reportID+"/jobs/init", payload, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for the repeat registration, got %d: %v", resp.StatusCode, body)
	}
	if body["is_existing"] != true {
		t.Errorf("expected is_existing true on the repeat registration, got %v", body["is_existing"])
	}
	if second := body["job_id"].(string); first != second {
		t.Errorf("repeat registration returned a different job: %s vs %s", first, second)
	}
}

func TestInitRejectsPathTraversal(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	reportID := createReport(t, f, 1)
	jobID, _ := registerJob(t, f, reportID, map[string]interface{}{})

	resp, _ := f.do(t, http.MethodPost,
		"/api/v1/reports/"+reportID+"/jobs/"+jobID+"/html/init",
		map[string]interface{}{"files": []map[string]interface{}{{"path": "../evil.html"}}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a traversal-only init, got %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost,
		"/api/v1/reports/"+reportID+"/jobs/"+jobID+"/html/init",
		map[string]interface{}{"files": []map[string]interface{}{
			{"path": "index.html"},
			{"path": "../evil.html"},
		}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected a mixed init to succeed, got %d: %v", resp.StatusCode, body)
	}
	rejected := body["rejected"].([]interface{})
	if len(rejected) != 1 {
		t.Fatalf("expected one rejection, got %v", rejected)
	}
	reason := rejected[0].(map[string]interface{})["reason"].(string)
	if reason != "Path traversal not allowed" {
		t.Errorf("unexpected rejection reason %q", reason)
	}
}

func TestViewerCannotRegisterReports(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	generated, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}
	if err := f.store.CreateApiKey(context.Background(), &store.ApiKey{
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
		Name:      "readonly",
		Role:      store.RoleViewer,
	}); err != nil {
		t.Fatalf("CreateApiKey failed: %v", err)
	}

	resp, body := f.do(t, http.MethodPost, "/api/v1/reports", map[string]interface{}{
		"expected_jobs": 1,
		"framework":     "playwright",
	}, map[string]string{auth.AdminKeyHeader: "", auth.APIKeyHeader: generated.Raw})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a viewer key, got %d: %v", resp.StatusCode, body)
	}

	// The same key can still read.
	resp, _ = f.do(t, http.MethodGet, "/api/v1/reports", nil,
		map[string]string{auth.AdminKeyHeader: "", auth.APIKeyHeader: generated.Raw})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected the viewer key to list reports, got %d", resp.StatusCode)
	}
}

func TestPolicyCannotGrantAdmin(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/oidc-policies", map[string]interface{}{
		"repository_pattern": "acme/*",
		"role":               "admin",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an admin-granting policy, got %d: %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/auth/oidc-policies", map[string]interface{}{
		"repository_pattern": "acme/*",
		"role":               "contributor",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected a contributor policy to be accepted, got %d: %v", resp.StatusCode, body)
	}
}

// jwksHandler serves a single-key JWKS the way the CI provider would.
func jwksHandler(key *rsa.PrivateKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]interface{}{{
				"kty": "RSA",
				"kid": "kid-1",
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}
}

func signCIToken(t *testing.T, key *rsa.PrivateKey, issuer, repository string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, oidc.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "repo:" + repository + ":ref:refs/heads/main",
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Repository:      repository,
		RepositoryOwner: strings.Split(repository, "/")[0],
		Actor:           "octocat",
		RunID:           "98765",
		Workflow:        "e2e",
		EventName:       "push",
		Ref:             "refs/heads/main",
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestExpiredOIDCTokenRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	provider := httptest.NewServer(jwksHandler(key))
	t.Cleanup(provider.Close)

	f := newFixture(t, fixtureOptions{oidcVerifier: oidc.NewVerifier(provider.URL, "")})
	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/oidc-policies", map[string]interface{}{
		"repository_pattern": "acme/webapp",
		"role":               "contributor",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("policy creation returned %d: %v", resp.StatusCode, body)
	}

	expired := signCIToken(t, key, provider.URL, "acme/webapp", time.Now().Add(-time.Minute))
	resp, body = f.do(t, http.MethodPost, "/api/v1/reports", map[string]interface{}{
		"expected_jobs": 1,
		"framework":     "playwright",
	}, map[string]string{auth.AdminKeyHeader: "", "Authorization": "Bearer " + expired})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an expired token, got %d: %v", resp.StatusCode, body)
	}

	valid := signCIToken(t, key, provider.URL, "acme/webapp", time.Now().Add(time.Hour))
	resp, body = f.do(t, http.MethodPost, "/api/v1/reports", map[string]interface{}{
		"expected_jobs": 1,
		"framework":     "playwright",
	}, map[string]string{auth.AdminKeyHeader: "", "Authorization": "Bearer " + valid})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected a valid token to register, got %d: %v", resp.StatusCode, body)
	}

	// A CI registration leaves an audit row with the safe claims.
	reportID := uuid.MustParse(body["report_id"].(string))
	claims, err := f.store.GetReportOidcClaims(context.Background(), reportID)
	if err != nil {
		t.Fatalf("GetReportOidcClaims failed: %v", err)
	}
	if claims.Repository != "acme/webapp" || claims.ResolvedRole != store.RoleContributor {
		t.Errorf("unexpected audit claims: %+v", claims)
	}
}

func TestRefreshRotation(t *testing.T) {
	s := newTestStore(t)
	secret := secretutil.NewSecretFromString("session-signing-secret")
	agent := githuboauth.NewAgentWithExchanger(s, nil, githuboauth.Options{
		SessionSecret:   secret,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	})

	objects := objstore.NewInMemory()
	bus := eventbus.NewBus(8)
	t.Cleanup(bus.Close)
	policies := policy.NewEngine(s, nil)
	verifier := auth.NewVerifier(auth.Options{
		Store:         s,
		Policies:      policies,
		SessionSecret: secret,
	})
	srv := New(Options{
		Store:    s,
		Objects:  objects,
		Bus:      bus,
		Verifier: verifier,
		Uploads:  upload.NewCoordinator(s, objects, bus),
		Ingest:   ingest.NewOrchestrator(s, objects, bus, 1),
		Policies: policies,
		OAuth:    agent,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	user, err := s.UpsertUser(ctx, 7, "octocat", nil, nil, time.Now())
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	raw := "initial-refresh-token"
	sum := sha256.Sum256([]byte(raw))
	if err := s.CreateRefreshToken(ctx, &store.RefreshToken{
		UserID:    user.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateRefreshToken failed: %v", err)
	}

	refresh := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/refresh", nil)
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		req.AddCookie(&http.Cookie{Name: auth.RefreshCookie, Value: token})
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("refresh request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	first := refresh(raw)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected the first refresh to succeed, got %d", first.StatusCode)
	}
	var rotated string
	for _, cookie := range first.Cookies() {
		if cookie.Name == auth.RefreshCookie {
			rotated = cookie.Value
		}
	}
	if rotated == "" || rotated == raw {
		t.Fatal("expected a rotated refresh cookie")
	}

	// The old token is single-use.
	if replay := refresh(raw); replay.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected a replayed refresh to fail, got %d", replay.StatusCode)
	}
	// The rotated token works.
	if next := refresh(rotated); next.StatusCode != http.StatusOK {
		t.Errorf("expected the rotated token to refresh, got %d", next.StatusCode)
	}
}

func TestLargeFileMultipartUpload(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	reportID := createReport(t, f, 1)
	jobID, _ := registerJob(t, f, reportID, map[string]interface{}{})

	resp, body := f.do(t, http.MethodPost,
		"/api/v1/reports/"+reportID+"/jobs/"+jobID+"/html/init",
		map[string]interface{}{"files": []map[string]interface{}{{"path": "trace.html"}}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("html init returned %d: %v", resp.StatusCode, body)
	}

	// 6MiB crosses the part-size threshold and exercises the multipart path.
	large := bytes.Repeat([]byte("x"), 6*1024*1024)
	resp, body = f.transfer(t, "/api/v1/reports/"+reportID+"/jobs/"+jobID+"/html",
		map[string][]byte{"trace.html": large})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transfer returned %d: %v", resp.StatusCode, body)
	}
	if body["all_uploaded"] != true {
		t.Fatalf("expected the large file to finish, got %v", body)
	}

	key := fmt.Sprintf("reports/%s/jobs/%s/html/trace.html", reportID, jobID)
	stored, _, err := f.objects.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("stored object missing: %v", err)
	}
	if len(stored) != len(large) {
		t.Errorf("stored %d bytes, want %d", len(stored), len(large))
	}

	pending, err := f.objects.PendingMultipartUploads(context.Background(), "reports/")
	if err != nil {
		t.Fatalf("PendingMultipartUploads failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending multipart uploads, found %v", pending)
	}
}

func TestOversizeScreenshotRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	reportID := createReport(t, f, 1)
	jobID, _ := registerJob(t, f, reportID, map[string]interface{}{})

	resp, body := f.do(t, http.MethodPost,
		"/api/v1/reports/"+reportID+"/jobs/"+jobID+"/screenshots/init",
		map[string]interface{}{"files": []map[string]interface{}{{"path": "Login flow/huge.png"}}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("screenshots init returned %d: %v", resp.StatusCode, body)
	}

	oversize := bytes.Repeat([]byte("p"), 10*1024*1024+100)
	resp, body = f.transfer(t, "/api/v1/reports/"+reportID+"/jobs/"+jobID+"/screenshots",
		map[string][]byte{"Login flow/huge.png": oversize})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for an oversize screenshot, got %d: %v", resp.StatusCode, body)
	}
	if body["error"] != "PAYLOAD_TOO_LARGE" {
		t.Errorf("unexpected error kind %v", body["error"])
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, body := f.do(t, http.MethodGet, "/api/v1/health", nil, map[string]string{auth.AdminKeyHeader: ""})
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health returned %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodGet, "/api/v1/ready", nil, map[string]string{auth.AdminKeyHeader: ""})
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready returned %d %v", resp.StatusCode, body)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, body := f.do(t, http.MethodGet, "/api/v1/reports", nil, map[string]string{auth.AdminKeyHeader: ""})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %v", resp.StatusCode, body)
	}
	if body["message"] != "Missing credentials" {
		t.Errorf("unexpected message %v", body["message"])
	}
}

func TestApiKeyLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, body := f.do(t, http.MethodPost, "/api/v1/auth/keys", map[string]interface{}{
		"name": "ci uploader",
		"role": "contributor",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("key creation returned %d: %v", resp.StatusCode, body)
	}
	raw := body["api_key"].(string)
	if !strings.HasPrefix(raw, "tsio_") {
		t.Fatalf("expected a tsio_ key, got %q", raw)
	}
	keyID := body["key"].(map[string]interface{})["id"].(string)

	// The fresh key can register a report.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/reports", map[string]interface{}{
		"expected_jobs": 1,
		"framework":     "cypress",
	}, map[string]string{auth.AdminKeyHeader: "", auth.APIKeyHeader: raw})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected the new key to register reports, got %d", resp.StatusCode)
	}

	// Revoked keys stop working and can be restored.
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/auth/keys/"+keyID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revocation returned %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/reports", nil,
		map[string]string{auth.AdminKeyHeader: "", auth.APIKeyHeader: raw})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected a revoked key to fail, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/v1/auth/keys/"+keyID+"/restore", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore returned %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/v1/reports", nil,
		map[string]string{auth.AdminKeyHeader: "", auth.APIKeyHeader: raw})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected a restored key to work, got %d", resp.StatusCode)
	}
}

func TestAdminSurfaceDeniesOIDC(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	provider := httptest.NewServer(jwksHandler(key))
	t.Cleanup(provider.Close)

	f := newFixture(t, fixtureOptions{oidcVerifier: oidc.NewVerifier(provider.URL, "")})
	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/oidc-policies", map[string]interface{}{
		"repository_pattern": "acme/webapp",
		"role":               "contributor",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("policy creation returned %d", resp.StatusCode)
	}

	token := signCIToken(t, key, provider.URL, "acme/webapp", time.Now().Add(time.Hour))
	resp, body := f.do(t, http.MethodGet, "/api/v1/auth/keys", nil,
		map[string]string{auth.AdminKeyHeader: "", "Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an OIDC caller on the admin surface, got %d: %v", resp.StatusCode, body)
	}
}

func TestWebSocketRequiresCredentials(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	wsURL := "ws" + strings.TrimPrefix(f.base, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected an anonymous dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on the refused handshake, got %+v", resp)
	}

	header := http.Header{}
	header.Set(auth.AdminKeyHeader, testAdminKey)
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("expected an authenticated dial to succeed: %v", err)
	}
	defer conn.Close()

	// An authenticated subscriber sees lifecycle events.
	createReport(t, f, 1)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("failed to read the broadcast event: %v", err)
	}
	if event.Type != string(eventbus.ReportCreated) {
		t.Errorf("expected a report_created event, got %q", event.Type)
	}
}

func TestScreenshotsLinkAfterEachTransfer(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	reportID := createReport(t, f, 1)
	jobID, _ := registerJob(t, f, reportID, map[string]interface{}{})

	resp, body := f.do(t, http.MethodPost,
		"/api/v1/reports/"+reportID+"/jobs/"+jobID+"/json/init",
		map[string]interface{}{"files": []map[string]interface{}{{"path": "results.json"}}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("json init returned %d: %v", resp.StatusCode, body)
	}
	resp, body = f.transfer(t, "/api/v1/reports/"+reportID+"/jobs/"+jobID+"/json",
		map[string][]byte{"results.json": []byte(playwrightResults)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("json transfer returned %d: %v", resp.StatusCode, body)
	}

	// Extraction runs in the background; the cases must exist before the
	// screenshots arrive.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, detail := f.do(t, http.MethodGet, "/api/v1/reports/"+reportID, nil, nil)
		status := detail["report"].(map[string]interface{})["status"]
		if status == "complete" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("report never completed, status %v", status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, body = f.do(t, http.MethodPost,
		"/api/v1/reports/"+reportID+"/jobs/"+jobID+"/screenshots/init",
		map[string]interface{}{"files": []map[string]interface{}{
			{"path": "Login > signs in/teststart.png"},
			{"path": "Login > signs in/testdone.png"},
		}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("screenshots init returned %d: %v", resp.StatusCode, body)
	}

	// Only the first of the two planned screenshots is transferred; it must
	// be linked without waiting for the kind to complete.
	resp, body = f.transfer(t, "/api/v1/reports/"+reportID+"/jobs/"+jobID+"/screenshots",
		map[string][]byte{"Login > signs in/teststart.png": []byte("not-really-a-png")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("screenshot transfer returned %d: %v", resp.StatusCode, body)
	}
	if body["all_uploaded"] == true {
		t.Fatal("expected the kind to still be incomplete")
	}

	shots, err := f.store.ScreenshotsForJob(context.Background(), uuid.MustParse(jobID))
	if err != nil {
		t.Fatalf("ScreenshotsForJob failed: %v", err)
	}
	for _, shot := range shots {
		switch shot.Filename {
		case "Login > signs in/teststart.png":
			if shot.TestCaseID == nil {
				t.Error("expected the uploaded screenshot to be linked to its case")
			}
		case "Login > signs in/testdone.png":
			if shot.TestCaseID != nil {
				t.Error("expected the pending screenshot to stay unlinked")
			}
		}
	}
}
