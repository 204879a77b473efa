// Package auth implements the authenticator: resolves an inbound API-key
// header to an effective user id, honoring gateway delegation.
package auth

import (
	"strings"
	"time"

	"code.cloudfoundry.org/lager"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
)

// KeyPrefix is the required plaintext prefix for every issued API key.
const KeyPrefix = "vibe_"

// Hasher computes the lookup digest for a plaintext API key.
type Hasher interface {
	HashAPIKey(plaintext string) string
}

// Store is the subset of internal/catalog.Store the authenticator needs.
type Store interface {
	GetAPIKeyByHash(hash string) (*catalog.APIKey, error)
	GetUserByID(id string) (*catalog.User, error)
	TouchAPIKeyLastUsed(keyID string, at time.Time) error
}

// Result is the resolved identity for an authenticated request.
type Result struct {
	EffectiveUserID string
	APIKey          *catalog.APIKey
	Owner           *catalog.User
	Delegated       bool
}

// Authenticator resolves the caller identity for every request carrying an
// API key.
type Authenticator struct {
	store  Store
	hasher Hasher
	logger lager.Logger
}

// New builds an Authenticator over a catalog store and a digest hasher
// (internal/vault.Vault satisfies Hasher).
func New(store Store, hasher Hasher, logger lager.Logger) *Authenticator {
	return &Authenticator{store: store, hasher: hasher, logger: logger.Session("auth")}
}

// Authenticate runs the full resolution: prefix check, digest lookup,
// active/expiry check, best-effort last-used touch, and X-User-Id
// delegation.
func (a *Authenticator) Authenticate(plaintext, delegatedUserID string) (*Result, error) {
	if plaintext == "" || !strings.HasPrefix(plaintext, KeyPrefix) {
		return nil, apierr.New(apierr.CodeAuthMissing, "missing or malformed API key")
	}

	digest := a.hasher.HashAPIKey(plaintext)
	key, err := a.store.GetAPIKeyByHash(digest)
	if err != nil {
		return nil, apierr.New(apierr.CodeAuthInvalid, "unrecognized API key")
	}

	if !key.IsActive {
		return nil, apierr.New(apierr.CodeAuthInvalid, "API key is inactive")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, apierr.New(apierr.CodeAuthExpired, "API key has expired")
	}

	owner, err := a.store.GetUserByID(key.UserID)
	if err != nil {
		return nil, apierr.New(apierr.CodeAuthInvalid, "API key owner no longer exists")
	}
	if !owner.IsActive {
		return nil, apierr.New(apierr.CodeAuthInvalid, "account is inactive")
	}

	if err := a.store.TouchAPIKeyLastUsed(key.ID, time.Now().UTC()); err != nil {
		a.logger.Info("touch-last-used.failed", lager.Data{"error": err.Error()})
	}

	effectiveUserID := owner.ID
	delegated := false
	if delegatedUserID != "" {
		effectiveUserID = delegatedUserID
		delegated = true
	}

	return &Result{
		EffectiveUserID: effectiveUserID,
		APIKey:          key,
		Owner:           owner,
		Delegated:       delegated,
	}, nil
}
