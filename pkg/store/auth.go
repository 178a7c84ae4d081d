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

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateApiKey stores a new key row. The caller is responsible for hashing;
// the raw key never reaches this layer.
func (s *Store) CreateApiKey(ctx context.Context, key *ApiKey) error {
	return s.db.WithContext(ctx).Create(key).Error
}

// GetApiKey fetches an active key by ID.
func (s *Store) GetApiKey(ctx context.Context, id uuid.UUID) (*ApiKey, error) {
	var key ApiKey
	if err := s.db.WithContext(ctx).First(&key, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// ListApiKeys returns keys newest first. Revoked keys are included only on
// request so the admin view can offer restoration.
func (s *Store) ListApiKeys(ctx context.Context, includeRevoked bool) ([]ApiKey, error) {
	query := s.db.WithContext(ctx)
	if includeRevoked {
		query = query.Unscoped()
	}
	var keys []ApiKey
	err := query.Order("id DESC").Find(&keys).Error
	return keys, err
}

// FindApiKeyByHash resolves a presented key by its SHA-256. Revoked keys do
// not resolve.
func (s *Store) FindApiKeyByHash(ctx context.Context, hash string) (*ApiKey, error) {
	var key ApiKey
	if err := s.db.WithContext(ctx).Where("key_hash = ?", hash).First(&key).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// TouchApiKey updates the last-used timestamp. Callers treat failures as
// non-fatal.
func (s *Store) TouchApiKey(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.db.WithContext(ctx).Model(&ApiKey{}).Where("id = ?", id).Update("last_used_at", now).Error
}

// RevokeApiKey soft-deletes a key. The row is kept so the key can be
// restored and so its audit trail survives.
func (s *Store) RevokeApiKey(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&ApiKey{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreApiKey clears the soft-delete marker of a revoked key.
func (s *Store) RestoreApiKey(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Unscoped().Model(&ApiKey{}).
		Where("id = ? AND deleted_at IS NOT NULL", id).
		Update("deleted_at", nil)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateOidcPolicy stores a policy. New policies are enabled; use
// SetOidcPolicyEnabled to disable one.
func (s *Store) CreateOidcPolicy(ctx context.Context, policy *OidcPolicy) error {
	policy.Enabled = true
	return s.db.WithContext(ctx).Create(policy).Error
}

// GetOidcPolicy fetches an active policy by ID.
func (s *Store) GetOidcPolicy(ctx context.Context, id uuid.UUID) (*OidcPolicy, error) {
	var policy OidcPolicy
	if err := s.db.WithContext(ctx).First(&policy, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &policy, nil
}

// ListOidcPolicies returns every active policy in creation order.
func (s *Store) ListOidcPolicies(ctx context.Context) ([]OidcPolicy, error) {
	var policies []OidcPolicy
	err := s.db.WithContext(ctx).Order("id ASC").Find(&policies).Error
	return policies, err
}

// EnabledOidcPolicies returns the policies the evaluator should consider.
func (s *Store) EnabledOidcPolicies(ctx context.Context) ([]OidcPolicy, error) {
	var policies []OidcPolicy
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&policies).Error
	return policies, err
}

// UpdateOidcPolicy rewrites a policy's pattern, role, enabled flag and
// description.
func (s *Store) UpdateOidcPolicy(ctx context.Context, id uuid.UUID, pattern string, role Role, enabled bool, description string) (*OidcPolicy, error) {
	result := s.db.WithContext(ctx).Model(&OidcPolicy{}).Where("id = ?", id).Updates(map[string]interface{}{
		"repository_pattern": pattern,
		"role":               role,
		"enabled":            enabled,
		"description":        description,
	})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetOidcPolicy(ctx, id)
}

// SetOidcPolicyEnabled toggles a policy without deleting it.
func (s *Store) SetOidcPolicyEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&OidcPolicy{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOidcPolicy soft-deletes a policy.
func (s *Store) DeleteOidcPolicy(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&OidcPolicy{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertUser records a GitHub login: an existing user is refreshed in place,
// a first-time visitor is created as a viewer. Roles assigned by an admin
// are never downgraded by a login.
func (s *Store) UpsertUser(ctx context.Context, githubID int64, username string, displayName, avatarURL *string, now time.Time) (*User, error) {
	refresh := func(user *User) error {
		return s.db.WithContext(ctx).Model(user).Updates(map[string]interface{}{
			"username":      username,
			"display_name":  displayName,
			"avatar_url":    avatarURL,
			"last_login_at": now,
		}).Error
	}
	var user User
	err := s.db.WithContext(ctx).Where("github_id = ?", githubID).First(&user).Error
	if err == nil {
		if err := refresh(&user); err != nil {
			return nil, err
		}
		return s.GetUser(ctx, user.ID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	user = User{
		GithubID:    githubID,
		Username:    username,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Role:        RoleViewer,
		LastLoginAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		// Two first logins can race; the unique index lets one insert
		// win and the loser refreshes the winner's row.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var winner User
			if lookupErr := s.db.WithContext(ctx).Where("github_id = ?", githubID).First(&winner).Error; lookupErr == nil {
				if err := refresh(&winner); err != nil {
					return nil, err
				}
				return s.GetUser(ctx, winner.ID)
			}
		}
		return nil, err
	}
	return &user, nil
}

// GetUser fetches an active user by ID.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// ListUsers returns every active user, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := s.db.WithContext(ctx).Order("id DESC").Find(&users).Error
	return users, err
}

// SetUserRole changes a user's role.
func (s *Store) SetUserRole(ctx context.Context, id uuid.UUID, role Role) error {
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("role", role)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRefreshToken stores the hash of a freshly issued refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	return s.db.WithContext(ctx).Create(token).Error
}

// RotateRefreshToken atomically revokes the presented token and issues its
// replacement. Unknown, revoked and expired tokens all fail with
// ErrNotFound; exactly one concurrent rotation of the same token can win.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, replacement *RefreshToken, now time.Time) (*RefreshToken, error) {
	err := s.InTransaction(ctx, func(tx *Store) error {
		var old RefreshToken
		if err := tx.db.WithContext(ctx).Where("token_hash = ?", oldHash).First(&old).Error; err != nil {
			return notFound(err)
		}
		if old.RevokedAt != nil || !old.ExpiresAt.After(now) {
			return ErrNotFound
		}
		result := tx.db.WithContext(ctx).Model(&RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", old.ID).
			Update("revoked_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		replacement.UserID = old.UserID
		return tx.db.WithContext(ctx).Create(replacement).Error
	})
	if err != nil {
		return nil, err
	}
	return replacement, nil
}

// RevokeRefreshToken marks the presented token revoked. Revoking an unknown
// or already-revoked token is a no-op, so logout is idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hash).
		Update("revoked_at", now).Error
}

// PurgeExpiredRefreshTokens hard-deletes token rows that can never be used
// again. Run periodically; the table would otherwise grow with every login.
func (s *Store) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&RefreshToken{})
	return result.RowsAffected, result.Error
}

// CreateReportOidcClaims stores the audit claims captured at registration.
// At most one row exists per report.
func (s *Store) CreateReportOidcClaims(ctx context.Context, claims *ReportOidcClaim) error {
	return s.db.WithContext(ctx).Create(claims).Error
}

// GetReportOidcClaims fetches the audit claims of a report, if the report
// was registered via OIDC.
func (s *Store) GetReportOidcClaims(ctx context.Context, reportID uuid.UUID) (*ReportOidcClaim, error) {
	var claims ReportOidcClaim
	if err := s.db.WithContext(ctx).Where("report_id = ?", reportID).First(&claims).Error; err != nil {
		return nil, notFound(err)
	}
	return &claims, nil
}
