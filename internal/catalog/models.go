// Package catalog implements the Catalog Store (C1): the authoritative
// persistent state for users, API keys, database assignments, PG roles,
// grants, policies, and audit trails, plus the Go types the rest of the
// system shares for that state.
package catalog

import "time"

// MasterDatabaseName is the catalog's own database. It can never be
// assigned to a user.
const MasterDatabaseName = "master_db"

// User is a control-plane account. Created by an administrator; deactivated
// or hard-deleted by the Lifecycle Coordinator.
type User struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	Username              string     `json:"username"`
	PasswordHash          string     `json:"-"`
	Organization          string     `json:"organization"`
	IsActive              bool       `json:"isActive"`
	PasswordChangedAt     time.Time  `json:"passwordChangedAt"`
	PasswordExpiresAt     *time.Time `json:"passwordExpiresAt,omitempty"`
	PasswordResetRequired bool       `json:"passwordResetRequired"`
	FailedLoginAttempts   int        `json:"failedLoginAttempts"`
	LockedUntil           *time.Time `json:"lockedUntil,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
}

// APIKey is a credential that resolves to a User. Plaintext is never
// stored; KeyHash = H(plaintext || salt) via internal/vault.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	KeyHash     string     `json:"-"`
	KeyPrefix   string     `json:"keyPrefix"`
	Name        string     `json:"name"`
	IsActive    bool       `json:"isActive"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// DatabaseServer is the source of admin credentials for a target cluster.
// The admin password is stored only as vault ciphertext.
type DatabaseServer struct {
	ID                     string `json:"id"`
	ServerName             string `json:"serverName"`
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	AdminUsername          string `json:"adminUsername"`
	AdminPasswordEncrypted string `json:"-"`
	SSLMode                string `json:"sslMode"`
	IsActive               bool   `json:"isActive"`
}

// DatabaseAssignment represents "user may access database via this
// pre-scoped connection string". databaseName must never equal
// MasterDatabaseName.
type DatabaseAssignment struct {
	ID                        string `json:"id"`
	UserID                    string `json:"userId"`
	DatabaseName              string `json:"databaseName"`
	ConnectionStringEncrypted string `json:"-"`
	IsActive                  bool   `json:"isActive"`
}

// PGDatabaseUser is the native PostgreSQL role materialized on the target
// cluster on behalf of a control-plane user.
type PGDatabaseUser struct {
	ID                        string `json:"id"`
	VibeUserID                string `json:"vibeUserId"`
	DatabaseName              string `json:"databaseName"`
	PGUsername                string `json:"pgUsername"`
	PGPasswordEncrypted       string `json:"-"`
	ConnectionStringEncrypted string `json:"-"`
	IsActive                  bool   `json:"isActive"`
	Notes                     string `json:"notes,omitempty"`
}

// SchemaPermission is the grant level of a logical schema-level grant.
type SchemaPermission string

const (
	PermissionReadOnly  SchemaPermission = "read_only"
	PermissionReadWrite SchemaPermission = "read_write"
)

// SchemaGrant is a logical grant row at schema level.
type SchemaGrant struct {
	ID           string           `json:"id"`
	UserID       string           `json:"userId"`
	DatabaseName string           `json:"databaseName"`
	SchemaName   string           `json:"schemaName"`
	Permission   SchemaPermission `json:"permission"`
}

// ColumnPermissions maps a column name to the verbs granted on it.
type ColumnPermissions map[string][]string

// TableGrant is a logical grant row at table/column level.
type TableGrant struct {
	ID                string            `json:"id"`
	VibeUserID        string            `json:"vibeUserId"`
	DatabaseName      string            `json:"databaseName"`
	SchemaName        string            `json:"schemaName"`
	TableName         string            `json:"tableName"`
	CanSelect         bool              `json:"canSelect"`
	CanInsert         bool              `json:"canInsert"`
	CanUpdate         bool              `json:"canUpdate"`
	CanDelete         bool              `json:"canDelete"`
	CanTruncate       bool              `json:"canTruncate"`
	CanReferences     bool              `json:"canReferences"`
	CanTrigger        bool              `json:"canTrigger"`
	ColumnPermissions ColumnPermissions `json:"columnPermissions,omitempty"`
}

// PolicyType mirrors PostgreSQL's row-security command list.
type PolicyType string

const (
	PolicySelect PolicyType = "SELECT"
	PolicyInsert PolicyType = "INSERT"
	PolicyUpdate PolicyType = "UPDATE"
	PolicyDelete PolicyType = "DELETE"
	PolicyAll    PolicyType = "ALL"
)

// CommandType mirrors PostgreSQL's PERMISSIVE/RESTRICTIVE policy modifier.
type CommandType string

const (
	CommandPermissive CommandType = "PERMISSIVE"
	CommandRestrictive CommandType = "RESTRICTIVE"
)

// RLSPolicy is a catalog-side mirror of a native row-level-security policy.
type RLSPolicy struct {
	ID                 string      `json:"id"`
	VibeUserID         string      `json:"vibeUserId"`
	DatabaseName       string      `json:"databaseName"`
	SchemaName         string      `json:"schemaName"`
	TableName          string      `json:"tableName"`
	PolicyName         string      `json:"policyName"`
	PolicyType         PolicyType  `json:"policyType"`
	CommandType        CommandType `json:"commandType"`
	UsingExpression    string      `json:"usingExpression"`
	WithCheckExpression string     `json:"withCheckExpression,omitempty"`
	IsActive           bool        `json:"isActive"`
	TemplateUsed       string      `json:"templateUsed,omitempty"`
	Notes              string      `json:"notes,omitempty"`
}

// RLSPolicyTemplate is a read-only catalog of RLS building blocks.
type RLSPolicyTemplate struct {
	ID                          string   `json:"id"`
	TemplateName                string   `json:"templateName"`
	Description                 string   `json:"description"`
	PolicyType                  PolicyType `json:"policyType"`
	UsingExpressionTemplate      string   `json:"usingExpressionTemplate"`
	WithCheckExpressionTemplate string   `json:"withCheckExpressionTemplate,omitempty"`
	RequiredColumns              []string `json:"requiredColumns"`
	ExampleUsage                  string   `json:"exampleUsage"`
	IsActive                      bool     `json:"isActive"`
}

// AuditLogEntry is one row of the append-only operation log.
type AuditLogEntry struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId,omitempty"`
	APIKeyID         string    `json:"apiKeyId,omitempty"`
	Endpoint         string    `json:"endpoint"`
	Method           string    `json:"method"`
	Database         string    `json:"database,omitempty"`
	Schema           string    `json:"schema,omitempty"`
	Table            string    `json:"table,omitempty"`
	Operation        string    `json:"operation"`
	RequestBody      string    `json:"requestBody,omitempty"`
	ResponseStatus   int       `json:"responseStatus"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	ExecutionTimeMs  int64     `json:"executionTimeMs"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PasswordResetToken backs the password-reset flow. TokenHash =
// SHA-256(plaintextToken); the plaintext only ever appears in the outbound
// email.
type PasswordResetToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	TokenHash string     `json:"-"`
	Email     string     `json:"email"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	IPAddress string     `json:"ipAddress,omitempty"`
	UserAgent string     `json:"userAgent,omitempty"`
}

// PasswordHistoryEntry is consulted to prevent password reuse; the last 5
// entries per user are checked.
type PasswordHistoryEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PasswordHistoryDepth is how many prior password hashes are consulted to
// reject reuse.
const PasswordHistoryDepth = 5

// UserCleanupAudit is written once per Lifecycle Coordinator cascade.
type UserCleanupAudit struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	UserEmail       string    `json:"userEmail"`
	CleanupType     string    `json:"cleanupType"`
	PerformedBy     string    `json:"performedBy"`
	Counters        Counters  `json:"counters"`
	CleanupDetails  string    `json:"cleanupDetails,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Counters records how many rows were removed per entity during a cascade,
// so the cleanup audit can be checked against the pre-delete counts.
type Counters struct {
	TablePermissions     int `json:"tablePermissions"`
	SchemaPermissions    int `json:"schemaPermissions"`
	DatabaseAssignments  int `json:"databaseAssignments"`
	AuditLogRows         int `json:"auditLogRows"`
	APIKeys              int `json:"apiKeys"`
	PGDatabaseUsers      int `json:"pgDatabaseUsers"`
	RLSPolicies          int `json:"rlsPolicies"`
	NativeRolesDropped   int `json:"nativeRolesDropped"`
}
