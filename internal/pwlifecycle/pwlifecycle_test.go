package pwlifecycle_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/stretchr/testify/require"

	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/pwlifecycle"
)

func tokenHash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (n *fakeNotifier) Send(to, subject, html, notificationType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, to)
	return true
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sends)
}

type fakeStore struct {
	users            map[string]*catalog.User
	usersByEmail     map[string]*catalog.User
	tokens           map[string]*catalog.PasswordResetToken
	history          map[string][]*catalog.PasswordHistoryEntry
	failedLogins     map[string]int
	locked           map[string]time.Time
	expiredUsers     []*catalog.User
	resetRequiredIDs []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        map[string]*catalog.User{},
		usersByEmail: map[string]*catalog.User{},
		tokens:       map[string]*catalog.PasswordResetToken{},
		history:      map[string][]*catalog.PasswordHistoryEntry{},
		failedLogins: map[string]int{},
		locked:       map[string]time.Time{},
	}
}

func (f *fakeStore) GetUserByID(id string) (*catalog.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(email string) (*catalog.User, error) {
	u, ok := f.usersByEmail[email]
	if !ok {
		return nil, errors.New("not found")
	}
	return u, nil
}

func (f *fakeStore) InsertPasswordResetToken(t *catalog.PasswordResetToken) error {
	t.ID = "token-" + t.UserID
	f.tokens[t.TokenHash] = t
	return nil
}

func (f *fakeStore) GetPasswordResetTokenByHash(hash string) (*catalog.PasswordResetToken, error) {
	t, ok := f.tokens[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

func (f *fakeStore) MarkPasswordResetTokenUsed(id string, at time.Time) error {
	for _, t := range f.tokens {
		if t.ID == id {
			usedAt := at
			t.UsedAt = &usedAt
		}
	}
	return nil
}

func (f *fakeStore) ListRecentPasswordHistory(userID string) ([]*catalog.PasswordHistoryEntry, error) {
	return f.history[userID], nil
}

func (f *fakeStore) InsertPasswordHistory(userID, passwordHash string) error {
	f.history[userID] = append(f.history[userID], &catalog.PasswordHistoryEntry{UserID: userID, PasswordHash: passwordHash})
	return nil
}

func (f *fakeStore) UpdateUserPassword(userID, passwordHash string, expiresAt *time.Time) error {
	if u, ok := f.users[userID]; ok {
		u.PasswordHash = passwordHash
		u.PasswordExpiresAt = expiresAt
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
		u.PasswordResetRequired = false
	}
	return nil
}

func (f *fakeStore) IncrementFailedLogin(userID string) (int, error) {
	f.failedLogins[userID]++
	return f.failedLogins[userID], nil
}

func (f *fakeStore) LockUser(userID string, until time.Time) error {
	f.locked[userID] = until
	return nil
}

func (f *fakeStore) ListUsersWithExpiredPasswords(asOf time.Time) ([]*catalog.User, error) {
	return f.expiredUsers, nil
}

func (f *fakeStore) MarkPasswordResetRequired(userID string) error {
	f.resetRequiredIDs = append(f.resetRequiredIDs, userID)
	return nil
}

func TestRequestPasswordResetOnlyPersistsForActiveUser(t *testing.T) {
	store := newFakeStore()
	user := &catalog.User{ID: "u1", Email: "a@example.com", IsActive: true}
	store.usersByEmail["a@example.com"] = user
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	lc.RequestPasswordReset("a@example.com", "127.0.0.1", "test-agent")

	require.Len(t, store.tokens, 1)
	require.Equal(t, 1, notifier.count())
}

func TestRequestPasswordResetIgnoresUnknownEmail(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	lc.RequestPasswordReset("nobody@example.com", "127.0.0.1", "test-agent")

	require.Empty(t, store.tokens)
	require.Equal(t, 0, notifier.count())
}

func TestResetPasswordRejectsExpiredToken(t *testing.T) {
	store := newFakeStore()
	store.users["u1"] = &catalog.User{ID: "u1", Email: "a@example.com", IsActive: true}
	plaintext := "reset-token-plaintext"
	store.tokens[tokenHash(plaintext)] = &catalog.PasswordResetToken{
		ID: "t1", UserID: "u1", TokenHash: tokenHash(plaintext),
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	err := lc.ResetPassword(plaintext, "NewPassw0rd!")

	require.Error(t, err)
}

func TestResetPasswordRejectsRecentlyUsedPassword(t *testing.T) {
	store := newFakeStore()
	store.users["u1"] = &catalog.User{ID: "u1", Email: "a@example.com", IsActive: true}
	oldHash, err := pwlifecycle.HashPassword("OldPassw0rd!")
	require.NoError(t, err)
	store.history["u1"] = []*catalog.PasswordHistoryEntry{{UserID: "u1", PasswordHash: oldHash}}

	plaintext := "reset-token-plaintext"
	store.tokens[tokenHash(plaintext)] = &catalog.PasswordResetToken{
		ID: "t1", UserID: "u1", TokenHash: tokenHash(plaintext),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	err = lc.ResetPassword(plaintext, "OldPassw0rd!")

	require.Error(t, err)
}

func TestResetPasswordSucceedsAndRecordsPriorHash(t *testing.T) {
	store := newFakeStore()
	priorHash, err := pwlifecycle.HashPassword("OldPassw0rd!")
	require.NoError(t, err)
	store.users["u1"] = &catalog.User{ID: "u1", Email: "a@example.com", IsActive: true, PasswordHash: priorHash}
	plaintext := "reset-token-plaintext"
	store.tokens[tokenHash(plaintext)] = &catalog.PasswordResetToken{
		ID: "t1", UserID: "u1", TokenHash: tokenHash(plaintext),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	err = lc.ResetPassword(plaintext, "BrandNewPassw0rd!")

	require.NoError(t, err)
	require.True(t, pwlifecycle.VerifyPassword(store.users["u1"].PasswordHash, "BrandNewPassw0rd!"))
	require.Len(t, store.history["u1"], 1)
	require.Equal(t, priorHash, store.history["u1"][0].PasswordHash)
	require.NotNil(t, store.tokens[tokenHash(plaintext)].UsedAt)
}

func TestResetPasswordRejectsCurrentPassword(t *testing.T) {
	store := newFakeStore()
	currentHash, err := pwlifecycle.HashPassword("CurrentPassw0rd!")
	require.NoError(t, err)
	store.users["u1"] = &catalog.User{ID: "u1", Email: "a@example.com", IsActive: true, PasswordHash: currentHash}
	plaintext := "reset-token-plaintext"
	store.tokens[tokenHash(plaintext)] = &catalog.PasswordResetToken{
		ID: "t1", UserID: "u1", TokenHash: tokenHash(plaintext),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	err = lc.ResetPassword(plaintext, "CurrentPassw0rd!")

	require.Error(t, err)
}

func TestRecordFailedLoginLocksAfterThreshold(t *testing.T) {
	store := newFakeStore()
	store.users["u1"] = &catalog.User{ID: "u1"}
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	for i := 0; i < pwlifecycle.FailedLoginLockThreshold-1; i++ {
		require.NoError(t, lc.RecordFailedLogin("u1"))
	}
	require.Empty(t, store.locked)

	require.NoError(t, lc.RecordFailedLogin("u1"))
	require.Contains(t, store.locked, "u1")
}

func TestCheckPasswordExpirySweepsAndNotifies(t *testing.T) {
	store := newFakeStore()
	store.expiredUsers = []*catalog.User{
		{ID: "u1", Email: "a@example.com"},
		{ID: "u2", Email: "b@example.com"},
	}
	notifier := &fakeNotifier{}
	lc := pwlifecycle.New(store, notifier, 24*time.Hour, 90, lager.NewLogger("test"))

	lc.CheckPasswordExpiry()

	require.ElementsMatch(t, []string{"u1", "u2"}, store.resetRequiredIDs)
	require.Equal(t, 2, notifier.count())
}

func TestHashAndVerifyPasswordRoundTrip(t *testing.T) {
	hash, err := pwlifecycle.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, pwlifecycle.VerifyPassword(hash, "correct horse battery staple"))
	require.False(t, pwlifecycle.VerifyPassword(hash, "wrong"))
}
