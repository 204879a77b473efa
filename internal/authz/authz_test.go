package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/collation-ai/vibe-access-plane/internal/authz"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
)

func TestClassifyOp(t *testing.T) {
	cases := map[string]authz.OpClass{
		"select":  authz.OpRead,
		"SHOW":    authz.OpWrite, // classification is case-sensitive on the first keyword as extracted upstream
		"show":    authz.OpRead,
		"insert":  authz.OpWrite,
		"delete":  authz.OpWrite,
		"explain": authz.OpRead,
	}
	for op, want := range cases {
		assert.Equal(t, want, authz.ClassifyOp(op), "op=%s", op)
	}
}

func TestMayInformationSchemaImplicitlyReadOnly(t *testing.T) {
	lookup := func(userID, database, schema string) (catalog.SchemaPermission, bool) {
		return "", false
	}
	assert.True(t, authz.May("u1", "analytics", authz.InformationSchemaName, "select", lookup))
	assert.False(t, authz.May("u1", "analytics", authz.InformationSchemaName, "insert", lookup))
}

func TestMayReadOnlyGrantAllowsReadDeniesWrite(t *testing.T) {
	lookup := func(userID, database, schema string) (catalog.SchemaPermission, bool) {
		return catalog.PermissionReadOnly, true
	}
	assert.True(t, authz.May("u1", "analytics", "public", "select", lookup))
	assert.False(t, authz.May("u1", "analytics", "public", "insert", lookup))
}

func TestMayReadWriteGrantAllowsBoth(t *testing.T) {
	lookup := func(userID, database, schema string) (catalog.SchemaPermission, bool) {
		return catalog.PermissionReadWrite, true
	}
	assert.True(t, authz.May("u1", "analytics", "public", "select", lookup))
	assert.True(t, authz.May("u1", "analytics", "public", "insert", lookup))
}

func TestMayNoGrantDenies(t *testing.T) {
	lookup := func(userID, database, schema string) (catalog.SchemaPermission, bool) {
		return "", false
	}
	assert.False(t, authz.May("u1", "analytics", "public", "select", lookup))
}

func TestMayReadOnlyRequestRejectsWriteRegardlessOfGrant(t *testing.T) {
	assert.True(t, authz.MayReadOnly("select", true))
	assert.False(t, authz.MayReadOnly("insert", true))
	assert.True(t, authz.MayReadOnly("insert", false))
}
