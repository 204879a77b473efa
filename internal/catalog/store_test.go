package catalog_test

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	"code.cloudfoundry.org/lager"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collation-ai/vibe-access-plane/internal/catalog"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func testConnectionString() string {
	host := getEnvOrDefault("POSTGRESQL_HOSTNAME", "localhost")
	port := getEnvOrDefault("POSTGRESQL_PORT", "5432")
	user := getEnvOrDefault("POSTGRESQL_USERNAME", "postgres")
	password := getEnvOrDefault("POSTGRESQL_PASSWORD", "")
	dbname := getEnvOrDefault("POSTGRESQL_DBNAME", "postgres")
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
}

func openTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	db, err := sql.Open("postgres", testConnectionString())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := lager.NewLogger("catalog-test")
	s := catalog.New(db, logger)
	require.NoError(t, s.InitSchema())
	return s
}

func TestCreateAndGetUser(t *testing.T) {
	s := openTestStore(t)

	u := &catalog.User{
		Email:    "alice@example.com",
		Username: "alice",
	}
	require.NoError(t, s.CreateUser(u))
	require.NotEmpty(t, u.ID)

	fetched, err := s.GetUserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, fetched.Email)
	assert.Equal(t, u.IsActive, fetched.IsActive)

	byEmail, err := s.GetUserByEmail("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)
}

func TestGetUserByIDNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetUserByID("00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestCreateUserDuplicateEmailConflicts(t *testing.T) {
	s := openTestStore(t)

	u1 := &catalog.User{Email: "dup@example.com", Username: "dup1"}
	require.NoError(t, s.CreateUser(u1))

	u2 := &catalog.User{Email: "dup@example.com", Username: "dup2"}
	err := s.CreateUser(u2)
	assert.ErrorIs(t, err, catalog.ErrConflict)
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := openTestStore(t)

	u := &catalog.User{Email: "keyholder@example.com", Username: "keyholder"}
	require.NoError(t, s.CreateUser(u))

	key := &catalog.APIKey{
		UserID:    u.ID,
		KeyHash:   "deadbeef",
		KeyPrefix: "vibe_live_",
		IsActive:  true,
	}
	require.NoError(t, s.CreateAPIKey(key))

	fetched, err := s.GetAPIKeyByHash("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, u.ID, fetched.UserID)

	require.NoError(t, s.RevokeAPIKey(fetched.ID))

	n, err := s.DeleteAPIKeysForUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSchemaGrantUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	u := &catalog.User{Email: "grantee@example.com", Username: "grantee"}
	require.NoError(t, s.CreateUser(u))

	grant := &catalog.SchemaGrant{
		UserID:       u.ID,
		DatabaseName: "analytics",
		SchemaName:   "public",
		Permission:   catalog.PermissionReadOnly,
	}
	require.NoError(t, s.UpsertSchemaGrant(grant))

	grant.Permission = catalog.PermissionReadWrite
	require.NoError(t, s.UpsertSchemaGrant(grant))

	grants, err := s.ListSchemaGrantsForUser(u.ID, "analytics")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, catalog.PermissionReadWrite, grants[0].Permission)
}

func TestTableGrantRoundTripsColumnPermissions(t *testing.T) {
	s := openTestStore(t)

	u := &catalog.User{Email: "columns@example.com", Username: "columns"}
	require.NoError(t, s.CreateUser(u))

	grant := &catalog.TableGrant{
		VibeUserID:   u.ID,
		DatabaseName: "analytics",
		SchemaName:   "public",
		TableName:    "orders",
		CanSelect:    true,
		ColumnPermissions: catalog.ColumnPermissions{
			"customer_email": {"select"},
		},
	}
	require.NoError(t, s.UpsertTableGrant(grant))

	grants, err := s.ListTableGrantsForUser(u.ID, "analytics", "public")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, []string{"select"}, grants[0].ColumnPermissions["customer_email"])
}

func TestUserCleanupAuditRecordsCounters(t *testing.T) {
	s := openTestStore(t)

	u := &catalog.User{Email: "cleanup@example.com", Username: "cleanup"}
	require.NoError(t, s.CreateUser(u))

	audit := &catalog.UserCleanupAudit{
		UserID:      u.ID,
		UserEmail:   u.Email,
		CleanupType: "full_delete",
		PerformedBy: "admin@example.com",
		Counters:    catalog.Counters{APIKeys: 2, PGDatabaseUsers: 1},
	}
	require.NoError(t, s.InsertUserCleanupAudit(audit))
	require.NotEmpty(t, audit.ID)
}
