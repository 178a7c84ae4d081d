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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tsio/tsio/pkg/apierror"
	"github.com/tsio/tsio/pkg/auth"
	"github.com/tsio/tsio/pkg/auth/policy"
	"github.com/tsio/tsio/pkg/store"
)

type createKeyRequest struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

// handleCreateKey mints an API key. The raw key appears in this response and
// nowhere else; only its hash is stored.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput("request body must be valid JSON"))
		return
	}
	if req.Name == "" {
		apierror.Write(w, s.log, apierror.InvalidInput("name must not be empty"))
		return
	}
	role, err := store.ParseRole(req.Role)
	if err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput(err.Error()))
		return
	}
	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		ttl, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || ttl <= 0 {
			apierror.Write(w, s.log, apierror.InvalidInput("expires_in must be a positive duration like 720h"))
			return
		}
		expiry := time.Now().UTC().Add(ttl)
		expiresAt = &expiry
	}
	generated, err := auth.GenerateAPIKey()
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	key := &store.ApiKey{
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
		Name:      req.Name,
		Role:      role,
		ExpiresAt: expiresAt,
	}
	if err := s.store.CreateApiKey(r.Context(), key); err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":     key,
		"api_key": generated.Raw,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	includeRevoked, _ := strconv.ParseBool(r.URL.Query().Get("include_revoked"))
	keys, err := s.store.ListApiKeys(r.Context(), includeRevoked)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "total": len(keys)})
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	key, err := s.store.GetApiKey(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.NotFound("api key", id.String()))
		return
	}
	s.writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if err := s.store.RevokeApiKey(r.Context(), id); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("api key", id.String()))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleRestoreKey(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if err := s.store.RestoreApiKey(r.Context(), id); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("api key", id.String()))
		return
	}
	key, err := s.store.GetApiKey(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeJSON(w, http.StatusOK, key)
}

type policyRequest struct {
	RepositoryPattern string `json:"repository_pattern"`
	Role              string `json:"role"`
	Enabled           *bool  `json:"enabled,omitempty"`
	Description       string `json:"description,omitempty"`
}

// validatePolicyInput enforces the shared pattern and role rules. Policies
// may not grant admin; CI tokens never reach the admin surface and a policy
// claiming otherwise is a configuration mistake.
func validatePolicyInput(req *policyRequest) (store.Role, *apierror.Error) {
	if err := policy.ValidatePattern(req.RepositoryPattern); err != nil {
		return "", apierror.InvalidInput(err.Error())
	}
	role, err := store.ParseRole(req.Role)
	if err != nil {
		return "", apierror.InvalidInput(err.Error())
	}
	if role == store.RoleAdmin {
		return "", apierror.InvalidInput("policies may not grant the admin role")
	}
	return role, nil
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput("request body must be valid JSON"))
		return
	}
	role, apiErr := validatePolicyInput(&req)
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	record := &store.OidcPolicy{
		RepositoryPattern: req.RepositoryPattern,
		Role:              role,
		Description:       req.Description,
	}
	if err := s.store.CreateOidcPolicy(r.Context(), record); err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.policies.Invalidate()
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	policies, err := s.store.ListOidcPolicies(r.Context())
	if err != nil {
		apierror.Write(w, s.log, apierror.Database(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"policies": policies, "total": len(policies)})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	record, err := s.store.GetOidcPolicy(r.Context(), id)
	if err != nil {
		apierror.Write(w, s.log, apierror.NotFound("policy", id.String()))
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, s.log, apierror.InvalidInput("request body must be valid JSON"))
		return
	}
	role, apiErr := validatePolicyInput(&req)
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	record, err := s.store.UpdateOidcPolicy(r.Context(), id, req.RepositoryPattern, role, enabled, req.Description)
	if err != nil {
		apierror.Write(w, s.log, apierror.NotFound("policy", id.String()))
		return
	}
	s.policies.Invalidate()
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request, _ *auth.Caller) {
	id, apiErr := pathUUID(r, "id")
	if apiErr != nil {
		apierror.Write(w, s.log, apiErr)
		return
	}
	if err := s.store.DeleteOidcPolicy(r.Context(), id); err != nil {
		apierror.Write(w, s.log, apierror.NotFound("policy", id.String()))
		return
	}
	s.policies.Invalidate()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleMe describes the authenticated caller so the UI can render identity
// and gate admin views client-side.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, caller *auth.Caller) {
	body := map[string]interface{}{
		"id":   caller.ID,
		"role": caller.Role,
		"kind": caller.Kind,
	}
	if caller.User != nil {
		body["user"] = caller.User
	}
	s.writeJSON(w, http.StatusOK, body)
}
