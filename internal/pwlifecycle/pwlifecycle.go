// Package pwlifecycle implements password and account lifecycle:
// reset-token issuance and consumption, password history, lockout
// counters, and the periodic expiry sweep registered against
// internal/collab.CronScheduler.
package pwlifecycle

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"time"

	"code.cloudfoundry.org/lager"
	"golang.org/x/crypto/bcrypt"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/collab"
)

// FailedLoginLockThreshold is the number of consecutive failed logins
// after which an account is locked.
const FailedLoginLockThreshold = 5

// LockDuration is how long an account stays locked once
// FailedLoginLockThreshold is reached.
const LockDuration = 15 * time.Minute

// ResetTokenLength is the number of random bytes in a plaintext reset
// token before base64 encoding.
const ResetTokenLength = 32

// HashPassword hashes a plaintext login password with bcrypt at the
// library's default cost, the standard choice for user-facing login
// credentials (distinct from the Crypto Vault's API-key digest, which
// must support direct-lookup and so cannot use a salted, slow hash).
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches a bcrypt hash produced
// by HashPassword.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// hashResetToken computes the SHA-256 digest stored against a
// PasswordResetToken row; the plaintext never touches the catalog, only
// the outbound email.
func hashResetToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func newResetToken() (plaintext string, err error) {
	raw := make([]byte, ResetTokenLength)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Store is the subset of internal/catalog.Store the lifecycle needs.
type Store interface {
	GetUserByID(id string) (*catalog.User, error)
	GetUserByEmail(email string) (*catalog.User, error)
	InsertPasswordResetToken(t *catalog.PasswordResetToken) error
	GetPasswordResetTokenByHash(hash string) (*catalog.PasswordResetToken, error)
	MarkPasswordResetTokenUsed(id string, at time.Time) error
	ListRecentPasswordHistory(userID string) ([]*catalog.PasswordHistoryEntry, error)
	InsertPasswordHistory(userID, passwordHash string) error
	UpdateUserPassword(userID, passwordHash string, expiresAt *time.Time) error
	IncrementFailedLogin(userID string) (int, error)
	LockUser(userID string, until time.Time) error
	ListUsersWithExpiredPasswords(asOf time.Time) ([]*catalog.User, error)
	MarkPasswordResetRequired(userID string) error
}

// Lifecycle drives the reset-token flow, lockout bookkeeping, and the
// password-expiry sweep.
type Lifecycle struct {
	store              Store
	notifier           collab.Notifier
	tokenExpiry        time.Duration
	passwordExpiryDays int
	logger             lager.Logger
}

// New builds a Lifecycle over a catalog store and a Notifier used to
// deliver reset links. tokenExpiry and passwordExpiryDays come from
// config.Config.
func New(store Store, notifier collab.Notifier, tokenExpiry time.Duration, passwordExpiryDays int, logger lager.Logger) *Lifecycle {
	return &Lifecycle{
		store:              store,
		notifier:           notifier,
		tokenExpiry:        tokenExpiry,
		passwordExpiryDays: passwordExpiryDays,
		logger:             logger.Session("pwlifecycle"),
	}
}

// RequestPasswordReset always reports success to the caller regardless of
// whether email matches an account, so the endpoint cannot be used to
// enumerate registered addresses. A reset-token row and notification are
// only produced when a matching, active user actually exists.
func (l *Lifecycle) RequestPasswordReset(email, ipAddress, userAgent string) {
	user, err := l.store.GetUserByEmail(email)
	if err != nil || !user.IsActive {
		l.logger.Debug("request-reset.no-matching-active-user", lager.Data{"email": email})
		return
	}

	plaintext, err := newResetToken()
	if err != nil {
		l.logger.Error("request-reset.token-generation-failed", err)
		return
	}

	token := &catalog.PasswordResetToken{
		UserID:    user.ID,
		TokenHash: hashResetToken(plaintext),
		Email:     user.Email,
		ExpiresAt: time.Now().UTC().Add(l.tokenExpiry),
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
	if err := l.store.InsertPasswordResetToken(token); err != nil {
		l.logger.Error("request-reset.insert-token-failed", err)
		return
	}

	l.notifier.Send(user.Email, "Reset your password", resetEmailBody(plaintext), "password_reset")
}

func resetEmailBody(plaintextToken string) string {
	return "A password reset was requested for your account. Token: " + plaintextToken
}

// ResetPassword consumes a plaintext reset token: validates it has not
// expired or already been used, rejects reuse of any of the last
// catalog.PasswordHistoryDepth password hashes, then rotates the user's
// password and clears lockout/reset-required state.
func (l *Lifecycle) ResetPassword(plaintextToken, newPassword string) error {
	token, err := l.store.GetPasswordResetTokenByHash(hashResetToken(plaintextToken))
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "reset token not found")
	}
	if token.UsedAt != nil {
		return apierr.New(apierr.CodeInvariantViolation, "reset token has already been used")
	}
	if time.Now().UTC().After(token.ExpiresAt) {
		return apierr.New(apierr.CodeAuthExpired, "reset token has expired")
	}

	user, err := l.store.GetUserByID(token.UserID)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "account no longer exists")
	}

	history, err := l.store.ListRecentPasswordHistory(token.UserID)
	if err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	if VerifyPassword(user.PasswordHash, newPassword) {
		return apierr.New(apierr.CodeInvariantViolation, "password was used recently and cannot be reused")
	}
	for _, h := range history {
		if VerifyPassword(h.PasswordHash, newPassword) {
			return apierr.New(apierr.CodeInvariantViolation, "password was used recently and cannot be reused")
		}
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, l.passwordExpiryDays)
	if err := l.store.UpdateUserPassword(token.UserID, newHash, &expiresAt); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	// The superseded hash joins the history, so the reuse check above sees
	// it on the next rotation.
	if err := l.store.InsertPasswordHistory(token.UserID, user.PasswordHash); err != nil {
		l.logger.Error("reset-password.insert-history-failed", err)
	}
	if err := l.store.MarkPasswordResetTokenUsed(token.ID, time.Now().UTC()); err != nil {
		l.logger.Error("reset-password.mark-used-failed", err)
	}
	return nil
}

// RecordFailedLogin increments the failed-attempt counter for a user and
// locks the account for LockDuration once FailedLoginLockThreshold is
// reached.
func (l *Lifecycle) RecordFailedLogin(userID string) error {
	count, err := l.store.IncrementFailedLogin(userID)
	if err != nil {
		return err
	}
	if count >= FailedLoginLockThreshold {
		return l.store.LockUser(userID, time.Now().UTC().Add(LockDuration))
	}
	return nil
}

// CheckPasswordExpiry is the sweep task registered with the scheduler
// (C16): every active user whose password has expired is flagged
// password_reset_required so their next sign-in is forced through the
// reset flow, and notified by email.
func (l *Lifecycle) CheckPasswordExpiry() {
	logger := l.logger.Session("check-password-expiry")

	users, err := l.store.ListUsersWithExpiredPasswords(time.Now().UTC())
	if err != nil {
		logger.Error("list-expired.failed", err)
		return
	}

	for _, u := range users {
		if err := l.store.MarkPasswordResetRequired(u.ID); err != nil {
			logger.Error("mark-reset-required.failed", err, lager.Data{"user_id": u.ID})
			continue
		}
		l.notifier.Send(u.Email, "Your password has expired", "Please reset your password to continue.", "password_expired")
	}
	logger.Info("swept", lager.Data{"count": len(users)})
}
