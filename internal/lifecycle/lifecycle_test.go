package lifecycle_test

import (
	"context"
	"errors"
	"testing"

	"code.cloudfoundry.org/lager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/lifecycle"
)

type fakeStore struct {
	user *catalog.User

	pgUsers []*catalog.PGDatabaseUser

	tablePermDeleted, schemaPermDeleted, assignmentsDeleted, auditDeleted, keysDeleted, rlsDeleted int

	deletedPGUsers []string
	deletedUser    string
	insertedAudit  *catalog.UserCleanupAudit

	failDeleteUser bool
}

func (f *fakeStore) ListPGDatabaseUsersForUser(userID string) ([]*catalog.PGDatabaseUser, error) {
	return f.pgUsers, nil
}

func (f *fakeStore) GetDatabaseServerByName(name string) (*catalog.DatabaseServer, error) {
	return nil, errors.New("not used")
}

func (f *fakeStore) DeleteTableGrantsForUser(userID string) (int, error) {
	f.tablePermDeleted = 2
	return 2, nil
}

func (f *fakeStore) DeleteSchemaGrantsForUser(userID string) (int, error) {
	f.schemaPermDeleted = 1
	return 1, nil
}

func (f *fakeStore) DeleteDatabaseAssignmentsForUser(userID string) (int, error) {
	f.assignmentsDeleted = 2
	return 2, nil
}

func (f *fakeStore) DeleteAuditLogForUser(userID string) (int, error) {
	f.auditDeleted = 5
	return 5, nil
}

func (f *fakeStore) DeleteAPIKeysForUser(userID string) (int, error) {
	f.keysDeleted = 1
	return 1, nil
}

func (f *fakeStore) DeletePGDatabaseUser(id string) error {
	f.deletedPGUsers = append(f.deletedPGUsers, id)
	return nil
}

func (f *fakeStore) DeleteRLSPoliciesForUser(userID string) (int, error) {
	f.rlsDeleted = 1
	return 1, nil
}

func (f *fakeStore) DeleteUser(userID string) error {
	if f.failDeleteUser {
		return errors.New("boom")
	}
	f.deletedUser = userID
	return nil
}

func (f *fakeStore) GetUserByID(userID string) (*catalog.User, error) {
	return f.user, nil
}

func (f *fakeStore) InsertUserCleanupAudit(a *catalog.UserCleanupAudit) error {
	f.insertedAudit = a
	return nil
}

type fakeDropper struct {
	existed bool
	err     error
}

func (d *fakeDropper) DropRole(username string) (bool, error) {
	return d.existed, d.err
}

func testLogger() lager.Logger {
	return lager.NewLogger("lifecycle-test")
}

func TestRemoveUserCascadesAndRecordsCounters(t *testing.T) {
	store := &fakeStore{
		user: &catalog.User{ID: "u1", Email: "alice@example.com"},
		pgUsers: []*catalog.PGDatabaseUser{
			{ID: "pg1", VibeUserID: "u1", DatabaseName: "analytics", PGUsername: "vibe_user_ab12cd34ef56"},
			{ID: "pg2", VibeUserID: "u1", DatabaseName: "reporting", PGUsername: "vibe_user_ff00ff00ff00"},
		},
	}

	dropperFor := func(p *catalog.PGDatabaseUser) (lifecycle.RoleDropper, error) {
		if p.DatabaseName == "reporting" {
			return nil, errors.New("server unreachable")
		}
		return &fakeDropper{existed: true}, nil
	}

	coord := lifecycle.New(store, dropperFor, testLogger())
	counters, err := coord.RemoveUser(context.Background(), "u1", "admin@example.com")
	require.NoError(t, err)

	assert.Equal(t, 2, counters.TablePermissions)
	assert.Equal(t, 1, counters.SchemaPermissions)
	assert.Equal(t, 2, counters.DatabaseAssignments)
	assert.Equal(t, 5, counters.AuditLogRows)
	assert.Equal(t, 1, counters.APIKeys)
	assert.Equal(t, 1, counters.RLSPolicies)
	assert.Equal(t, 2, counters.PGDatabaseUsers)
	assert.Equal(t, 1, counters.NativeRolesDropped, "only the resolvable dropper counts, the unreachable one is skipped")

	assert.ElementsMatch(t, []string{"pg1", "pg2"}, store.deletedPGUsers)
	assert.Equal(t, "u1", store.deletedUser)

	require.NotNil(t, store.insertedAudit)
	assert.Equal(t, "alice@example.com", store.insertedAudit.UserEmail)
	assert.Equal(t, "full_delete", store.insertedAudit.CleanupType)
	assert.Equal(t, "admin@example.com", store.insertedAudit.PerformedBy)
	assert.Equal(t, *counters, store.insertedAudit.Counters)
}

func TestRemoveUserStillInsertsAuditWhenDeleteUserFails(t *testing.T) {
	store := &fakeStore{
		user:           &catalog.User{ID: "u2", Email: "bob@example.com"},
		failDeleteUser: true,
	}
	dropperFor := func(p *catalog.PGDatabaseUser) (lifecycle.RoleDropper, error) {
		return &fakeDropper{existed: true}, nil
	}

	coord := lifecycle.New(store, dropperFor, testLogger())
	counters, err := coord.RemoveUser(context.Background(), "u2", "admin")
	require.NoError(t, err, "a failed delete-user step logs and continues, it never aborts the cascade")
	require.NotNil(t, counters)

	assert.Empty(t, store.deletedUser)
	require.NotNil(t, store.insertedAudit, "audit failure must not mask success, and a delete-user failure must not suppress the audit either")
}

func TestRemoveUserDropRoleErrorDoesNotCountAsDropped(t *testing.T) {
	store := &fakeStore{
		user: &catalog.User{ID: "u3", Email: "carol@example.com"},
		pgUsers: []*catalog.PGDatabaseUser{
			{ID: "pg1", VibeUserID: "u3", DatabaseName: "analytics", PGUsername: "vibe_user_zz"},
		},
	}
	dropperFor := func(p *catalog.PGDatabaseUser) (lifecycle.RoleDropper, error) {
		return &fakeDropper{err: errors.New("connection refused")}, nil
	}

	coord := lifecycle.New(store, dropperFor, testLogger())
	counters, err := coord.RemoveUser(context.Background(), "u3", "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, counters.NativeRolesDropped)
	assert.Equal(t, 1, counters.PGDatabaseUsers, "the catalog row is still deleted even though the native drop failed")
}
