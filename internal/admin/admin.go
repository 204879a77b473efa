// Package admin implements the administrative directory: CRUD over the
// catalog for users, API keys, database servers, assignments, and
// materialized grants. Request bodies are plain structs with a Validate
// method, the same shape config.Config uses for the process configuration.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
	_ "github.com/lib/pq"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/lifecycle"
	"github.com/collation-ai/vibe-access-plane/internal/materializer"
	"github.com/collation-ai/vibe-access-plane/internal/pgrole"
	"github.com/collation-ai/vibe-access-plane/internal/poolreg"
	"github.com/collation-ai/vibe-access-plane/internal/pwlifecycle"
	"github.com/collation-ai/vibe-access-plane/internal/vault"
)

// Store is the subset of internal/catalog.Store the Admin Directory needs.
type Store interface {
	CreateUser(u *catalog.User) error
	GetUserByID(id string) (*catalog.User, error)
	SetUserActive(userID string, active bool) error
	ListUsers() ([]*catalog.User, error)

	CreateAPIKey(k *catalog.APIKey) error
	ListAPIKeysForUser(userID string) ([]*catalog.APIKey, error)
	RevokeAPIKey(keyID string) error

	CreateDatabaseServer(srv *catalog.DatabaseServer) error
	GetDatabaseServerByName(name string) (*catalog.DatabaseServer, error)
	ListDatabaseServers() ([]*catalog.DatabaseServer, error)
	DeleteDatabaseServer(serverName string) error

	CreateDatabaseAssignment(a *catalog.DatabaseAssignment) error
	ListDatabaseAssignmentsForUser(userID string) ([]*catalog.DatabaseAssignment, error)
	DeleteDatabaseAssignment(userID, databaseName string) error

	CreatePGDatabaseUser(p *catalog.PGDatabaseUser) error
	GetPGDatabaseUser(userID, databaseName string) (*catalog.PGDatabaseUser, error)
	ListPGDatabaseUsersForUser(userID string) ([]*catalog.PGDatabaseUser, error)
	UpdatePGDatabaseUserCredentials(id, pgPasswordEncrypted, connectionStringEncrypted string) error
	UpdateDatabaseAssignmentConnectionString(userID, databaseName, connectionStringEncrypted string) error
	DeletePGDatabaseUser(id string) error

	UpsertSchemaGrant(g *catalog.SchemaGrant) error
	ListSchemaGrantsForUser(userID, databaseName string) ([]*catalog.SchemaGrant, error)
	DeleteSchemaGrant(userID, databaseName, schemaName string) error

	UpsertTableGrant(g *catalog.TableGrant) error
	ListTableGrantsForUser(userID, databaseName, schemaName string) ([]*catalog.TableGrant, error)
	DeleteTableGrant(userID, databaseName, schemaName, tableName string) error

	CreateRLSPolicy(p *catalog.RLSPolicy) error
	ListRLSPoliciesForUser(userID, databaseName, schemaName, tableName string) ([]*catalog.RLSPolicy, error)
	DeactivateRLSPolicy(id string) error
	ListRLSPolicyTemplates() ([]*catalog.RLSPolicyTemplate, error)
}

// Encrypter is the subset of internal/vault.Vault the directory needs to
// seal secrets before persisting them and read them back to drive a
// materialization call.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Directory implements the admin operations. Each call that touches a
// target cluster opens its own ephemeral admin connection, never shared
// across requests, using the target DatabaseServer's own credentials.
type Directory struct {
	store     Store
	vault     Encrypter
	lifecycle *lifecycle.Coordinator
	logger    lager.Logger
}

// New builds a Directory over a catalog store, the process vault, and the
// Lifecycle Coordinator used for full user removal.
func New(store Store, v Encrypter, coordinator *lifecycle.Coordinator, logger lager.Logger) *Directory {
	return &Directory{store: store, vault: v, lifecycle: coordinator, logger: logger.Session("admin")}
}

func guardNotMasterDB(databaseName string) error {
	if strings.EqualFold(databaseName, catalog.MasterDatabaseName) {
		return apierr.New(apierr.CodeInvariantViolation, "database %q is the catalog database and cannot be assigned", databaseName)
	}
	return nil
}

// openAdminConnection opens a fresh, uncached connection to databaseName
// on server using the server's own admin credentials. Callers must Close()
// the returned *sql.DB.
func openAdminConnection(server *catalog.DatabaseServer, adminPassword, databaseName string) (*sql.DB, error) {
	connString := poolreg.ConnectionString(server.Host, server.Port, databaseName, server.AdminUsername, adminPassword, server.SSLMode)
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// --- Users -----------------------------------------------------------------

// CreateUserRequest is the admin-supplied shape for a new control-plane
// account. PasswordHash is computed by the caller via pwlifecycle.HashPassword
// before reaching the Directory, so this package never sees a plaintext
// password.
type CreateUserRequest struct {
	Email        string
	Username     string
	PasswordHash string
	Organization string
}

// Validate enforces the same required-field discipline config.Config.Validate
// applies to the process configuration, scoped to one request body.
func (r CreateUserRequest) Validate() error {
	if r.Email == "" {
		return apierr.New(apierr.CodeParameterInvalid, "email is required")
	}
	if r.Username == "" {
		return apierr.New(apierr.CodeParameterInvalid, "username is required")
	}
	if r.PasswordHash == "" {
		return apierr.New(apierr.CodeParameterInvalid, "password is required")
	}
	return nil
}

// CreateUser inserts a new account, active and with its password already
// considered changed as of now.
func (d *Directory) CreateUser(req CreateUserRequest) (*catalog.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	expiresAt := time.Now().UTC().AddDate(0, 0, 90)
	user := &catalog.User{
		Email:             req.Email,
		Username:          req.Username,
		PasswordHash:      req.PasswordHash,
		Organization:      req.Organization,
		IsActive:          true,
		PasswordChangedAt: time.Now().UTC(),
		PasswordExpiresAt: &expiresAt,
	}
	if err := d.store.CreateUser(user); err != nil {
		if err == catalog.ErrConflict {
			return nil, apierr.New(apierr.CodeConflict, "a user with this email or username already exists")
		}
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return user, nil
}

// ListUsers returns the full user directory.
func (d *Directory) ListUsers() ([]*catalog.User, error) {
	users, err := d.store.ListUsers()
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return users, nil
}

// SetUserActive activates or deactivates a user without removing any of
// their state, the reversible half of account lifecycle management
// (RemoveUser is the irreversible cascade).
func (d *Directory) SetUserActive(userID string, active bool) error {
	if _, err := d.store.GetUserByID(userID); err != nil {
		return apierr.New(apierr.CodeNotFound, "user %q not found", userID)
	}
	if err := d.store.SetUserActive(userID, active); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// RemoveUser runs the full removal cascade via the Lifecycle Coordinator.
func (d *Directory) RemoveUser(ctx context.Context, userID, performedBy string) (*catalog.Counters, error) {
	counters, err := d.lifecycle.RemoveUser(ctx, userID, performedBy)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, apierr.New(apierr.CodeNotFound, "user %q not found", userID)
		}
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return counters, nil
}

// --- API keys ----------------------------------------------------------------

// CreateAPIKeyRequest names the user and environment a new credential is
// minted for.
type CreateAPIKeyRequest struct {
	UserID      string
	Name        string
	Environment string
	ExpiresAt   *time.Time
}

func (r CreateAPIKeyRequest) Validate() error {
	if r.UserID == "" {
		return apierr.New(apierr.CodeParameterInvalid, "userId is required")
	}
	if r.Name == "" {
		return apierr.New(apierr.CodeParameterInvalid, "name is required")
	}
	return nil
}

// CreatedAPIKey is the one-time response to a successful key creation; the
// plaintext is shown once and never persisted.
type CreatedAPIKey struct {
	Key       *catalog.APIKey
	Plaintext string
}

// CreateAPIKey mints a fresh API key for a user via the Crypto Vault's key
// generator, then persists only its digest and prefix.
func (d *Directory) CreateAPIKey(req CreateAPIKeyRequest, keyMinter func(environment string) (plaintext, digest, prefix string, err error)) (*CreatedAPIKey, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	environment := req.Environment
	if environment == "" {
		environment = "prod"
	}

	plaintext, digest, prefix, err := keyMinter(environment)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}

	key := &catalog.APIKey{
		UserID:    req.UserID,
		KeyHash:   digest,
		KeyPrefix: prefix,
		Name:      req.Name,
		IsActive:  true,
		ExpiresAt: req.ExpiresAt,
	}
	if err := d.store.CreateAPIKey(key); err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return &CreatedAPIKey{Key: key, Plaintext: plaintext}, nil
}

// ListAPIKeys returns every credential belonging to a user.
func (d *Directory) ListAPIKeys(userID string) ([]*catalog.APIKey, error) {
	keys, err := d.store.ListAPIKeysForUser(userID)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return keys, nil
}

// RevokeAPIKey deactivates a credential.
func (d *Directory) RevokeAPIKey(keyID string) error {
	if err := d.store.RevokeAPIKey(keyID); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// --- Database servers --------------------------------------------------------

// CreateDatabaseServerRequest registers a target cluster's admin
// credentials. AdminPassword is the plaintext; the Directory encrypts it
// before persisting.
type CreateDatabaseServerRequest struct {
	ServerName    string
	Host          string
	Port          int
	AdminUsername string
	AdminPassword string
	SSLMode       string
}

func (r CreateDatabaseServerRequest) Validate() error {
	if r.ServerName == "" || r.Host == "" || r.AdminUsername == "" || r.AdminPassword == "" {
		return apierr.New(apierr.CodeParameterInvalid, "serverName, host, adminUsername, and adminPassword are required")
	}
	if r.Port <= 0 {
		return apierr.New(apierr.CodeParameterInvalid, "port must be positive")
	}
	return nil
}

// CreateDatabaseServer registers a cluster, encrypting its admin password
// before it ever reaches the catalog.
func (d *Directory) CreateDatabaseServer(req CreateDatabaseServerRequest) (*catalog.DatabaseServer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sslMode := req.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	encPassword, err := d.vault.Encrypt(req.AdminPassword)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}

	srv := &catalog.DatabaseServer{
		ServerName:             req.ServerName,
		Host:                   req.Host,
		Port:                   req.Port,
		AdminUsername:          req.AdminUsername,
		AdminPasswordEncrypted: encPassword,
		SSLMode:                sslMode,
		IsActive:               true,
	}
	if err := d.store.CreateDatabaseServer(srv); err != nil {
		if err == catalog.ErrConflict {
			return nil, apierr.New(apierr.CodeConflict, "a server named %q is already registered", req.ServerName)
		}
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return srv, nil
}

// ListDatabaseServers returns the registered cluster directory.
func (d *Directory) ListDatabaseServers() ([]*catalog.DatabaseServer, error) {
	servers, err := d.store.ListDatabaseServers()
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return servers, nil
}

// DeleteDatabaseServer removes a cluster registration. Native roles and
// assignments already materialized through it survive; only the admin
// credentials are forgotten.
func (d *Directory) DeleteDatabaseServer(serverName string) error {
	if err := d.store.DeleteDatabaseServer(serverName); err != nil {
		if err == catalog.ErrNotFound {
			return apierr.New(apierr.CodeNotFound, "database server %q not found", serverName)
		}
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// --- Database assignments (+ PG role provisioning) ---------------------------

// CreateAssignmentRequest names the user, target server, and database to
// assign. Assignment and native-role creation happen together.
type CreateAssignmentRequest struct {
	UserID       string
	ServerName   string
	DatabaseName string
}

func (r CreateAssignmentRequest) Validate() error {
	if r.UserID == "" || r.ServerName == "" || r.DatabaseName == "" {
		return apierr.New(apierr.CodeParameterInvalid, "userId, serverName, and databaseName are required")
	}
	return nil
}

// CreateAssignment resolves the named server, opens an ephemeral admin
// connection to the target database, provisions a native PostgreSQL role
// for the user, and persists the assignment alongside it.
func (d *Directory) CreateAssignment(req CreateAssignmentRequest) (*pgrole.ProvisionedUser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := guardNotMasterDB(req.DatabaseName); err != nil {
		return nil, err
	}
	if _, err := d.store.GetUserByID(req.UserID); err != nil {
		return nil, apierr.New(apierr.CodeNotFound, "user %q not found", req.UserID)
	}

	server, err := d.store.GetDatabaseServerByName(req.ServerName)
	if err != nil {
		return nil, apierr.New(apierr.CodeNotFound, "database server %q not found", req.ServerName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return nil, apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}

	adminDB, err := openAdminConnection(server, adminPassword, req.DatabaseName)
	if err != nil {
		return nil, apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	manager := pgrole.New(adminDB, d.logger)
	provisioner := pgrole.NewProvisioner(manager, d.vault, d.store, d.logger)

	provisioned, err := provisioner.CreatePgUser(req.UserID, req.DatabaseName, server.Host, server.Port, server.SSLMode)
	if err != nil {
		return nil, err
	}
	return provisioned, nil
}

// ListAssignments returns every database a user has been assigned.
func (d *Directory) ListAssignments(userID string) ([]*catalog.DatabaseAssignment, error) {
	assignments, err := d.store.ListDatabaseAssignmentsForUser(userID)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return assignments, nil
}

// RemoveAssignment revokes a user's access to a database: the native role
// is dropped on the target first, then the PGDatabaseUser and assignment
// rows are removed, keeping the catalog from claiming access the target no
// longer has.
func (d *Directory) RemoveAssignment(userID, serverName, databaseName string) error {
	pgUser, err := d.store.GetPGDatabaseUser(userID, databaseName)
	if err == nil {
		if err := d.DeletePGUser(pgUser, serverName); err != nil {
			return err
		}
	}
	if err := d.store.DeleteDatabaseAssignment(userID, databaseName); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// --- Schema / table / RLS grants ---------------------------------------------

// SchemaGrantRequest names the (user, database, schema) triple and the
// compressed permission level to materialize.
type SchemaGrantRequest struct {
	UserID       string
	ServerName   string
	DatabaseName string
	SchemaName   string
	Permission   catalog.SchemaPermission
}

func (r SchemaGrantRequest) Validate() error {
	if r.UserID == "" || r.ServerName == "" || r.DatabaseName == "" || r.SchemaName == "" {
		return apierr.New(apierr.CodeParameterInvalid, "userId, serverName, databaseName, and schemaName are required")
	}
	if r.Permission != catalog.PermissionReadOnly && r.Permission != catalog.PermissionReadWrite {
		return apierr.New(apierr.CodeParameterInvalid, "permission must be read_only or read_write")
	}
	return nil
}

// CreateSchemaGrant requires a PG role already materialized for (userID,
// databaseName) so the logical grant has a native role to attach to, then
// applies the grant on the target and upserts the catalog row.
func (d *Directory) CreateSchemaGrant(req SchemaGrantRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := guardNotMasterDB(req.DatabaseName); err != nil {
		return err
	}

	pgUser, err := d.store.GetPGDatabaseUser(req.UserID, req.DatabaseName)
	if err != nil {
		return apierr.New(apierr.CodeInvariantViolation, "user has no native role on %q; create a database assignment first", req.DatabaseName)
	}

	server, err := d.store.GetDatabaseServerByName(req.ServerName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "database server %q not found", req.ServerName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, req.DatabaseName)
	if err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	mat := materializer.New(adminDB, d.logger)
	opts := materializer.SchemaGrantOptionsFromPermission(req.Permission)
	if err := mat.ApplySchemaGrant(req.DatabaseName, req.SchemaName, pgUser.PGUsername, opts); err != nil {
		return err
	}

	return d.store.UpsertSchemaGrant(&catalog.SchemaGrant{
		UserID: req.UserID, DatabaseName: req.DatabaseName,
		SchemaName: req.SchemaName, Permission: req.Permission,
	})
}

// RevokeSchemaGrant undoes a schema grant on the target (table, sequence,
// and default-privilege entries included) and deletes the catalog row,
// target first.
func (d *Directory) RevokeSchemaGrant(userID, serverName, databaseName, schemaName string) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	pgUser, err := d.store.GetPGDatabaseUser(userID, databaseName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "user has no native role on %q", databaseName)
	}

	server, err := d.store.GetDatabaseServerByName(serverName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "database server %q not found", serverName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, databaseName)
	if err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	mat := materializer.New(adminDB, d.logger)
	if err := mat.RevokeSchemaGrant(databaseName, schemaName, pgUser.PGUsername); err != nil {
		return err
	}
	if err := d.store.DeleteSchemaGrant(userID, databaseName, schemaName); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// ListSchemaGrants returns every schema grant for a user, optionally
// filtered to one database.
func (d *Directory) ListSchemaGrants(userID, databaseName string) ([]*catalog.SchemaGrant, error) {
	grants, err := d.store.ListSchemaGrantsForUser(userID, databaseName)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return grants, nil
}

// TableGrantRequest is the admin-supplied shape for a table/column-level
// grant.
type TableGrantRequest struct {
	UserID       string
	ServerName   string
	DatabaseName string
	Grant        catalog.TableGrant
}

func (r TableGrantRequest) Validate() error {
	if r.UserID == "" || r.ServerName == "" || r.DatabaseName == "" || r.Grant.SchemaName == "" || r.Grant.TableName == "" {
		return apierr.New(apierr.CodeParameterInvalid, "userId, serverName, databaseName, schemaName, and tableName are required")
	}
	return nil
}

// CreateTableGrant materializes a table/column-level grant and upserts its
// catalog row.
func (d *Directory) CreateTableGrant(req TableGrantRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := guardNotMasterDB(req.DatabaseName); err != nil {
		return err
	}

	pgUser, err := d.store.GetPGDatabaseUser(req.UserID, req.DatabaseName)
	if err != nil {
		return apierr.New(apierr.CodeInvariantViolation, "user has no native role on %q; create a database assignment first", req.DatabaseName)
	}

	server, err := d.store.GetDatabaseServerByName(req.ServerName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "database server %q not found", req.ServerName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, req.DatabaseName)
	if err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	grant := req.Grant
	grant.VibeUserID = req.UserID
	grant.DatabaseName = req.DatabaseName

	mat := materializer.New(adminDB, d.logger)
	if err := mat.ApplyTableGrant(req.DatabaseName, pgUser.PGUsername, &grant); err != nil {
		return err
	}
	return d.store.UpsertTableGrant(&grant)
}

// ListTableGrants returns every table grant for a user, optionally filtered
// to a database and schema.
func (d *Directory) ListTableGrants(userID, databaseName, schemaName string) ([]*catalog.TableGrant, error) {
	grants, err := d.store.ListTableGrantsForUser(userID, databaseName, schemaName)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return grants, nil
}

// RevokeTableGrant removes every privilege the user's native role holds on
// one table (column-level included) and deletes the catalog row, target
// first, mirroring RevokeSchemaGrant.
func (d *Directory) RevokeTableGrant(userID, serverName, databaseName, schemaName, tableName string) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	pgUser, err := d.store.GetPGDatabaseUser(userID, databaseName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "user has no native role on %q", databaseName)
	}

	server, err := d.store.GetDatabaseServerByName(serverName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "database server %q not found", serverName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, databaseName)
	if err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	mat := materializer.New(adminDB, d.logger)
	if err := mat.RevokeTableGrant(databaseName, schemaName, tableName, pgUser.PGUsername); err != nil {
		return err
	}
	if err := d.store.DeleteTableGrant(userID, databaseName, schemaName, tableName); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// RLSPolicyRequest is the admin-supplied shape for a row-level-security
// policy.
type RLSPolicyRequest struct {
	ServerName   string
	DatabaseName string
	Policy       catalog.RLSPolicy
}

func (r RLSPolicyRequest) Validate() error {
	if r.ServerName == "" || r.DatabaseName == "" || r.Policy.SchemaName == "" ||
		r.Policy.TableName == "" || r.Policy.PolicyName == "" || r.Policy.UsingExpression == "" {
		return apierr.New(apierr.CodeParameterInvalid, "serverName, databaseName, schemaName, tableName, policyName, and usingExpression are required")
	}
	return nil
}

// CreateRLSPolicy enables row-level security on the target table (the
// first time a policy is created for it) and materializes the policy,
// mirroring catalog state back on success.
func (d *Directory) CreateRLSPolicy(req RLSPolicyRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := guardNotMasterDB(req.DatabaseName); err != nil {
		return err
	}

	pgUser, err := d.store.GetPGDatabaseUser(req.Policy.VibeUserID, req.DatabaseName)
	if err != nil {
		return apierr.New(apierr.CodeInvariantViolation, "user has no native role on %q; create a database assignment first", req.DatabaseName)
	}

	server, err := d.store.GetDatabaseServerByName(req.ServerName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "database server %q not found", req.ServerName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, req.DatabaseName)
	if err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	mat := materializer.New(adminDB, d.logger)
	if err := mat.EnableRowLevelSecurity(req.DatabaseName, req.Policy.SchemaName, req.Policy.TableName); err != nil {
		return err
	}

	policy := req.Policy
	policy.DatabaseName = req.DatabaseName
	policy.IsActive = true
	if policy.CommandType == "" {
		policy.CommandType = catalog.CommandPermissive
	}
	if err := mat.CreatePolicy(req.DatabaseName, pgUser.PGUsername, &policy); err != nil {
		return err
	}
	return d.store.CreateRLSPolicy(&policy)
}

// ListRLSPolicies returns every policy recorded for a user, optionally
// filtered to a table.
func (d *Directory) ListRLSPolicies(userID, databaseName, schemaName, tableName string) ([]*catalog.RLSPolicy, error) {
	policies, err := d.store.ListRLSPoliciesForUser(userID, databaseName, schemaName, tableName)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return policies, nil
}

// DeactivateRLSPolicy drops the native policy on the named target and
// flips the catalog row inactive, target first, catalog second.
func (d *Directory) DeactivateRLSPolicy(serverName, databaseName, schemaName, tableName, policyID, policyName string) error {
	server, err := d.store.GetDatabaseServerByName(serverName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "database server %q not found", serverName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, databaseName)
	if err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	mat := materializer.New(adminDB, d.logger)
	if err := mat.DropPolicy(databaseName, schemaName, tableName, policyName); err != nil {
		return err
	}
	if err := d.store.DeactivateRLSPolicy(policyID); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// ListRLSPolicyTemplates returns the read-only template catalog.
func (d *Directory) ListRLSPolicyTemplates() ([]*catalog.RLSPolicyTemplate, error) {
	templates, err := d.store.ListRLSPolicyTemplates()
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return templates, nil
}

// --- PG users (native roles) --------------------------------------------------

// ListPGUsers returns every native role materialized for a user across
// every target database.
func (d *Directory) ListPGUsers(userID string) ([]*catalog.PGDatabaseUser, error) {
	users, err := d.store.ListPGDatabaseUsersForUser(userID)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return users, nil
}

// RotatedPGUser is the one-time response to a successful password
// rotation; like provisioning, the new password is shown once and never
// persisted in the clear.
type RotatedPGUser struct {
	PGUsername       string
	PGPassword       string
	ConnectionString string
}

// ResetPGUserPassword regenerates the native role's password, applies it
// on the target with ALTER ROLE, and rewrites both stored ciphertexts (the
// PGDatabaseUser row and its matching assignment). Callers must evict any
// cached pool for (userID, databaseName) afterwards so the next connection
// authenticates with the fresh credentials.
func (d *Directory) ResetPGUserPassword(userID, serverName, databaseName string) (*RotatedPGUser, error) {
	pgUser, err := d.store.GetPGDatabaseUser(userID, databaseName)
	if err != nil {
		return nil, apierr.New(apierr.CodeNotFound, "no native role for user %q on database %q", userID, databaseName)
	}

	server, err := d.store.GetDatabaseServerByName(serverName)
	if err != nil {
		return nil, apierr.New(apierr.CodeNotFound, "database server %q not found", serverName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return nil, apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, databaseName)
	if err != nil {
		return nil, apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	newPassword, err := vault.NewPGPassword()
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}

	manager := pgrole.New(adminDB, d.logger)
	if err := manager.ResetPassword(pgUser.PGUsername, newPassword); err != nil {
		return nil, apierr.New(apierr.CodeTargetError, "%v", err)
	}

	connectionString := poolreg.ConnectionString(server.Host, server.Port, databaseName, pgUser.PGUsername, newPassword, server.SSLMode)
	encPassword, err := d.vault.Encrypt(newPassword)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	encConnectionString, err := d.vault.Encrypt(connectionString)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}

	if err := d.store.UpdatePGDatabaseUserCredentials(pgUser.ID, encPassword, encConnectionString); err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	if err := d.store.UpdateDatabaseAssignmentConnectionString(userID, databaseName, encConnectionString); err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}

	return &RotatedPGUser{
		PGUsername:       pgUser.PGUsername,
		PGPassword:       newPassword,
		ConnectionString: connectionString,
	}, nil
}

// DeletePGUser drops the native role on its target cluster and removes the
// catalog row. It does not touch the user's database assignment; callers
// that mean to fully revoke access should remove the assignment too.
func (d *Directory) DeletePGUser(pgUser *catalog.PGDatabaseUser, serverName string) error {
	server, err := d.store.GetDatabaseServerByName(serverName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "database server %q not found", serverName)
	}
	adminPassword, err := d.vault.Decrypt(server.AdminPasswordEncrypted)
	if err != nil {
		return apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	adminDB, err := openAdminConnection(server, adminPassword, pgUser.DatabaseName)
	if err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	defer adminDB.Close()

	manager := pgrole.New(adminDB, d.logger)
	provisioner := pgrole.NewProvisioner(manager, d.vault, d.store, d.logger)
	if err := provisioner.DropPgUser(pgUser.DatabaseName, pgUser.PGUsername); err != nil {
		return apierr.New(apierr.CodeTargetError, "%v", err)
	}
	if err := d.store.DeletePGDatabaseUser(pgUser.ID); err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	return nil
}

// DeletePGUserFor resolves the native role for (userID, databaseName) and
// drops it via DeletePGUser, the shape the HTTP surface needs since a
// DELETE /admin/pg-users/{id} request identifies the row by catalog id, not
// by an already-loaded PGDatabaseUser.
func (d *Directory) DeletePGUserFor(userID, databaseName, serverName string) error {
	pgUser, err := d.store.GetPGDatabaseUser(userID, databaseName)
	if err != nil {
		return apierr.New(apierr.CodeNotFound, "no native role for user %q on database %q", userID, databaseName)
	}
	return d.DeletePGUser(pgUser, serverName)
}

// RequestPasswordResetDelegate is satisfied by *pwlifecycle.Lifecycle; kept
// as an interface here so the Directory does not need to import the
// concrete type for wiring done entirely in cmd/accessplaned.
type RequestPasswordResetDelegate interface {
	RequestPasswordReset(email, ipAddress, userAgent string)
}

var _ RequestPasswordResetDelegate = (*pwlifecycle.Lifecycle)(nil)
