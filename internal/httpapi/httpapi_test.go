package httpapi_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collation-ai/vibe-access-plane/internal/admin"
	"github.com/collation-ai/vibe-access-plane/internal/audit"
	"github.com/collation-ai/vibe-access-plane/internal/auth"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/collab"
	"github.com/collation-ai/vibe-access-plane/internal/config"
	"github.com/collation-ai/vibe-access-plane/internal/httpapi"
	"github.com/collation-ai/vibe-access-plane/internal/poolreg"
	"github.com/collation-ai/vibe-access-plane/internal/pwlifecycle"
	"github.com/collation-ai/vibe-access-plane/internal/vault"
)

// fakeStore satisfies every catalog-facing interface this package's
// dependencies need (httpapi.Store, auth.Store, audit.Store,
// pwlifecycle.Store), so a single fake can build a full Server without a
// real Postgres catalog behind it.
type fakeStore struct {
	pingErr error
	keys    map[string]*catalog.APIKey
	users   map[string]*catalog.User

	mu        sync.Mutex
	auditLogs []*catalog.AuditLogEntry
}

// auditLogCount is safe to call concurrently with the Recorder's own
// background write goroutine (audit.Recorder.Log fires asynchronously).
func (f *fakeStore) auditLogSnapshot() []*catalog.AuditLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*catalog.AuditLogEntry, len(f.auditLogs))
	copy(out, f.auditLogs)
	return out
}

// waitForAuditLogs polls until at least n entries have been recorded or a
// short timeout elapses, since audit.Recorder.Log writes in the
// background rather than before the handler responds.
func waitForAuditLogs(t *testing.T, store *fakeStore, n int) []*catalog.AuditLogEntry {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if logs := store.auditLogSnapshot(); len(logs) >= n {
			return logs
		}
		time.Sleep(5 * time.Millisecond)
	}
	return store.auditLogSnapshot()
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: map[string]*catalog.APIKey{}, users: map[string]*catalog.User{}}
}

func (f *fakeStore) Ping() error { return f.pingErr }

func (f *fakeStore) GetUserByID(id string) (*catalog.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeStore) ListDatabaseAssignmentsForUser(userID string) ([]*catalog.DatabaseAssignment, error) {
	return nil, nil
}
func (f *fakeStore) GetDatabaseAssignment(userID, databaseName string) (*catalog.DatabaseAssignment, error) {
	return nil, errors.New("not found")
}
func (f *fakeStore) ListSchemaGrantsForUser(userID, databaseName string) ([]*catalog.SchemaGrant, error) {
	return nil, nil
}

func (f *fakeStore) GetAPIKeyByHash(hash string) (*catalog.APIKey, error) {
	if k, ok := f.keys[hash]; ok {
		return k, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeStore) TouchAPIKeyLastUsed(keyID string, at time.Time) error { return nil }

func (f *fakeStore) InsertAuditLog(e *catalog.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditLogs = append(f.auditLogs, e)
	return nil
}

// admin.Store is a much larger interface; the handlers exercised below
// never reach it, but Directory still needs something satisfying it to
// construct.
type fakeAdminStore struct{ *fakeStore }

func (f *fakeAdminStore) CreateUser(u *catalog.User) error               { return nil }
func (f *fakeAdminStore) SetUserActive(userID string, active bool) error { return nil }
func (f *fakeAdminStore) ListUsers() ([]*catalog.User, error)           { return nil, nil }
func (f *fakeAdminStore) CreateAPIKey(k *catalog.APIKey) error          { return nil }
func (f *fakeAdminStore) ListAPIKeysForUser(userID string) ([]*catalog.APIKey, error) {
	return nil, nil
}
func (f *fakeAdminStore) RevokeAPIKey(keyID string) error { return nil }
func (f *fakeAdminStore) CreateDatabaseServer(srv *catalog.DatabaseServer) error { return nil }
func (f *fakeAdminStore) GetDatabaseServerByName(name string) (*catalog.DatabaseServer, error) {
	return nil, errors.New("not found")
}
func (f *fakeAdminStore) ListDatabaseServers() ([]*catalog.DatabaseServer, error) { return nil, nil }
func (f *fakeAdminStore) DeleteDatabaseServer(serverName string) error { return nil }
func (f *fakeAdminStore) CreateDatabaseAssignment(a *catalog.DatabaseAssignment) error {
	return nil
}
func (f *fakeAdminStore) DeleteDatabaseAssignment(userID, databaseName string) error { return nil }
func (f *fakeAdminStore) CreatePGDatabaseUser(p *catalog.PGDatabaseUser) error { return nil }
func (f *fakeAdminStore) GetPGDatabaseUser(userID, databaseName string) (*catalog.PGDatabaseUser, error) {
	return nil, errors.New("not found")
}
func (f *fakeAdminStore) ListPGDatabaseUsersForUser(userID string) ([]*catalog.PGDatabaseUser, error) {
	return nil, nil
}
func (f *fakeAdminStore) UpdatePGDatabaseUserCredentials(id, pgPasswordEncrypted, connectionStringEncrypted string) error {
	return nil
}
func (f *fakeAdminStore) UpdateDatabaseAssignmentConnectionString(userID, databaseName, connectionStringEncrypted string) error {
	return nil
}
func (f *fakeAdminStore) DeletePGDatabaseUser(id string) error         { return nil }
func (f *fakeAdminStore) UpsertSchemaGrant(g *catalog.SchemaGrant) error { return nil }
func (f *fakeAdminStore) DeleteSchemaGrant(userID, databaseName, schemaName string) error {
	return nil
}
func (f *fakeAdminStore) UpsertTableGrant(g *catalog.TableGrant) error { return nil }
func (f *fakeAdminStore) ListTableGrantsForUser(userID, databaseName, schemaName string) ([]*catalog.TableGrant, error) {
	return nil, nil
}
func (f *fakeAdminStore) DeleteTableGrant(userID, databaseName, schemaName, tableName string) error {
	return nil
}
func (f *fakeAdminStore) CreateRLSPolicy(p *catalog.RLSPolicy) error { return nil }
func (f *fakeAdminStore) ListRLSPoliciesForUser(userID, databaseName, schemaName, tableName string) ([]*catalog.RLSPolicy, error) {
	return nil, nil
}
func (f *fakeAdminStore) DeactivateRLSPolicy(id string) error { return nil }
func (f *fakeAdminStore) ListRLSPolicyTemplates() ([]*catalog.RLSPolicyTemplate, error) {
	return nil, nil
}

// pwStore adapts fakeStore to pwlifecycle.Store; none of the handlers this
// file exercises drive a reset flow, so these are never actually called.
type fakePWStore struct{ *fakeStore }

func (f *fakePWStore) GetUserByEmail(email string) (*catalog.User, error) {
	return nil, errors.New("not found")
}
func (f *fakePWStore) InsertPasswordResetToken(t *catalog.PasswordResetToken) error { return nil }
func (f *fakePWStore) GetPasswordResetTokenByHash(hash string) (*catalog.PasswordResetToken, error) {
	return nil, errors.New("not found")
}
func (f *fakePWStore) MarkPasswordResetTokenUsed(id string, at time.Time) error { return nil }
func (f *fakePWStore) ListRecentPasswordHistory(userID string) ([]*catalog.PasswordHistoryEntry, error) {
	return nil, nil
}
func (f *fakePWStore) InsertPasswordHistory(userID, passwordHash string) error { return nil }
func (f *fakePWStore) UpdateUserPassword(userID, passwordHash string, expiresAt *time.Time) error {
	return nil
}
func (f *fakePWStore) IncrementFailedLogin(userID string) (int, error) { return 0, nil }
func (f *fakePWStore) LockUser(userID string, until time.Time) error   { return nil }
func (f *fakePWStore) ListUsersWithExpiredPasswords(asOf time.Time) ([]*catalog.User, error) {
	return nil, nil
}
func (f *fakePWStore) MarkPasswordResetRequired(userID string) error { return nil }

func testLogger() lager.Logger { return lager.NewLogger("httpapi-test") }

func buildServer(t *testing.T, store *fakeStore) *httpapi.Server {
	t.Helper()
	cfg := &config.Config{
		Port:                          8080,
		EncryptionKey:                 "0123456789abcdef0123456789abcdef",
		APIKeySalt:                    "test-salt",
		MaxQueryTimeSeconds:           30,
		MaxRowsPerQuery:               10000,
		DefaultPageSize:               100,
		MinPoolSize:                   1,
		MaxPoolSize:                   3,
		PasswordExpiryDays:            90,
		PasswordResetTokenExpiryHours: 24,
	}
	v := vault.New(cfg.EncryptionKey, cfg.APIKeySalt)
	authenticator := auth.New(store, v, testLogger())
	pools := poolreg.New(cfg.MinPoolSize, cfg.MaxPoolSize, testLogger())
	recorder := audit.New(store, testLogger())
	pw := pwlifecycle.New(&fakePWStore{store}, collab.NewLoggingNotifier(testLogger()), 24*time.Hour, 90, testLogger())
	directory := admin.New(&fakeAdminStore{store}, v, nil, testLogger())

	return httpapi.New(cfg, store, v, authenticator, directory, pools, recorder, pw, testLogger())
}

func TestHealthReportsCatalogReachable(t *testing.T) {
	store := newFakeStore()
	s := buildServer(t, store)
	router := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsCatalogUnreachable(t *testing.T) {
	store := newFakeStore()
	store.pingErr = errors.New("connection refused")
	s := buildServer(t, store)
	router := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuthenticatedRouteRejectsMissingAPIKey(t *testing.T) {
	store := newFakeStore()
	s := buildServer(t, store)
	router := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/auth/permissions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatedRouteRejectsUnknownAPIKey(t *testing.T) {
	store := newFakeStore()
	s := buildServer(t, store)
	router := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/auth/permissions", nil)
	req.Header.Set("X-API-Key", "vibe_prod_doesnotexist")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func authedRequest(t *testing.T, store *fakeStore, method, path, body string) (*httpapi.Server, *http.Request) {
	t.Helper()
	v := vault.New("0123456789abcdef0123456789abcdef", "test-salt")
	plaintext, digest, _, err := v.NewAPIKey("prod")
	require.NoError(t, err)

	store.users["u1"] = &catalog.User{ID: "u1", Email: "alice@example.com", IsActive: true}
	store.keys[digest] = &catalog.APIKey{ID: "k1", UserID: "u1", KeyHash: digest, IsActive: true}

	s := buildServer(t, store)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("X-API-Key", plaintext)
	return s, req
}

func TestQueryBlockedStatementReturns400(t *testing.T) {
	store := newFakeStore()
	s, req := authedRequest(t, store, http.MethodPost, "/query",
		`{"database":"analytics","query":"DROP USER foo"}`)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BlockedSQL")
}

func TestQueryReadOnlyViolationReturns400(t *testing.T) {
	store := newFakeStore()
	s, req := authedRequest(t, store, http.MethodPost, "/query",
		`{"database":"analytics","query":"UPDATE t SET x=1 WHERE id=1","readOnly":true}`)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NotReadOnly")
}

func TestAssignmentNamingMasterDBReturns403(t *testing.T) {
	store := newFakeStore()
	s, req := authedRequest(t, store, http.MethodPost, "/admin/database-assignments",
		`{"userId":"u1","serverName":"srvA","databaseName":"MASTER_DB"}`)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvariantViolation")
}

func TestTableGrantRevokeNamingMasterDBReturns403(t *testing.T) {
	store := newFakeStore()
	s, req := authedRequest(t, store, http.MethodDelete, "/admin/table-permissions",
		`{"userId":"u1","serverName":"srvA","databaseName":"master_db","schemaName":"public","tableName":"t"}`)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSchemaGrantNamingMasterDBReturns403(t *testing.T) {
	store := newFakeStore()
	s, req := authedRequest(t, store, http.MethodPost, "/admin/permissions",
		`{"userId":"u1","serverName":"srvA","databaseName":"master_db","schemaName":"public","permission":"read_only"}`)
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidKeyReachesHandlerAndRecordsAudit(t *testing.T) {
	store := newFakeStore()
	v := vault.New("0123456789abcdef0123456789abcdef", "test-salt")
	plaintext, digest, _, err := v.NewAPIKey("prod")
	require.NoError(t, err)

	store.users["u1"] = &catalog.User{ID: "u1", Email: "alice@example.com", IsActive: true}
	store.keys[digest] = &catalog.APIKey{ID: "k1", UserID: "u1", KeyHash: digest, IsActive: true}

	s := buildServer(t, store)
	router := s.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/auth/permissions", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	logs := waitForAuditLogs(t, store, 1)
	require.Len(t, logs, 1)
	assert.Equal(t, "u1", logs[0].UserID)
	assert.Equal(t, http.StatusOK, logs[0].ResponseStatus)
}
