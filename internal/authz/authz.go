// Package authz implements the authorizer: a pure decision function over
// catalog grant rows.
package authz

import "github.com/collation-ai/vibe-access-plane/internal/catalog"

// InformationSchemaName is implicitly read_only for every user with any
// assignment on a database, regardless of any SchemaGrant row.
const InformationSchemaName = "information_schema"

// OpClass is the read/write classification of a SQL operation.
type OpClass string

const (
	OpRead  OpClass = "read"
	OpWrite OpClass = "write"
)

var readKeywords = map[string]bool{
	"select":  true,
	"read":    true,
	"get":     true,
	"list":    true,
	"describe": true,
	"show":    true,
	"explain": true,
}

// ClassifyOp maps an operation keyword to OpRead or OpWrite; anything not
// recognized as a read verb is treated as a write.
func ClassifyOp(op string) OpClass {
	if readKeywords[op] {
		return OpRead
	}
	return OpWrite
}

// GrantLookup resolves the schema-level permission a user holds on a
// database/schema pair. It returns ok=false when no grant exists.
type GrantLookup func(userID, database, schema string) (catalog.SchemaPermission, bool)

// May decides whether userID may perform op against database.schema, per
// the schema-grant table resolved by lookup.
func May(userID, database, schema, op string, lookup GrantLookup) bool {
	class := ClassifyOp(op)

	if schema == InformationSchemaName {
		return class == OpRead
	}

	permission, ok := lookup(userID, database, schema)
	if !ok {
		return false
	}

	switch permission {
	case catalog.PermissionReadWrite:
		return true
	case catalog.PermissionReadOnly:
		return class == OpRead
	default:
		return false
	}
}

// MayReadOnly applies the raw-SQL path's additional constraint: even a
// write-capable user is rejected if the caller declared readOnly=true and
// the operation classifies as a write.
func MayReadOnly(op string, readOnly bool) bool {
	if !readOnly {
		return true
	}
	return ClassifyOp(op) == OpRead
}
