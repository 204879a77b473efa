package pgrole

import (
	"strings"

	"code.cloudfoundry.org/lager"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/poolreg"
	"github.com/collation-ai/vibe-access-plane/internal/vault"
)

// Encrypter is the subset of internal/vault.Vault the Provisioner needs to
// seal a freshly generated password and connection string before they are
// persisted.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Store is the subset of internal/catalog.Store the Provisioner needs to
// persist the two rows a successful provision always writes together.
type Store interface {
	CreatePGDatabaseUser(p *catalog.PGDatabaseUser) error
	CreateDatabaseAssignment(a *catalog.DatabaseAssignment) error
}

// Provisioner runs the full role creation/removal flow: generate
// credentials, materialize the native role, grant CONNECT, build the
// per-role connection string, and persist the two catalog rows that must
// always exist together for a materialized role.
type Provisioner struct {
	manager   *Manager
	encrypter Encrypter
	store     Store
	logger    lager.Logger
}

// NewProvisioner builds a Provisioner over a Manager already wrapping an
// admin connection opened against the target database named by
// databaseName in every call below.
func NewProvisioner(manager *Manager, encrypter Encrypter, store Store, logger lager.Logger) *Provisioner {
	return &Provisioner{manager: manager, encrypter: encrypter, store: store, logger: logger.Session("provision")}
}

// ProvisionedUser is the one-time response to a successful CreatePgUser
// call. PGPassword is shown to the caller exactly once; it is never
// persisted in the clear.
type ProvisionedUser struct {
	PGUsername       string
	PGPassword       string
	ConnectionString string
}

// CreatePgUser asserts databaseName is not the
// catalog database, generates fresh credentials, creates the native role,
// grants it CONNECT, builds its connection string by substituting the new
// credentials into the server's own host/port/sslMode, and upserts both
// PGDatabaseUser and DatabaseAssignment so authorization and pool lookup
// resolve the same connection string.
func (p *Provisioner) CreatePgUser(userID, databaseName, host string, port int, sslMode string) (*ProvisionedUser, error) {
	if strings.EqualFold(databaseName, catalog.MasterDatabaseName) {
		return nil, apierr.New(apierr.CodeInvariantViolation, "database %q is the catalog database and cannot be assigned", databaseName)
	}

	username, password, err := vault.NewPGCredentials()
	if err != nil {
		return nil, err
	}

	if err := p.manager.CreateRole(username, password); err != nil {
		return nil, err
	}
	if err := p.manager.GrantConnect(databaseName, username); err != nil {
		return nil, err
	}

	connectionString := poolreg.ConnectionString(host, port, databaseName, username, password, sslMode)

	encPassword, err := p.encrypter.Encrypt(password)
	if err != nil {
		return nil, err
	}
	encConnectionString, err := p.encrypter.Encrypt(connectionString)
	if err != nil {
		return nil, err
	}

	if err := p.store.CreatePGDatabaseUser(&catalog.PGDatabaseUser{
		VibeUserID:                userID,
		DatabaseName:              databaseName,
		PGUsername:                username,
		PGPasswordEncrypted:       encPassword,
		ConnectionStringEncrypted: encConnectionString,
		IsActive:                  true,
	}); err != nil {
		return nil, err
	}
	if err := p.store.CreateDatabaseAssignment(&catalog.DatabaseAssignment{
		UserID:                    userID,
		DatabaseName:              databaseName,
		ConnectionStringEncrypted: encConnectionString,
		IsActive:                  true,
	}); err != nil {
		return nil, err
	}

	return &ProvisionedUser{PGUsername: username, PGPassword: password, ConnectionString: connectionString}, nil
}

// DropPgUser runs the teardown half of provisioning: reassign and drop every
// object the role owns, revoke its database-level privileges, then drop
// the role itself. Every step is best-effort and logged rather than
// aborting, the same discipline pgrole.Manager.DropRole already applies to
// the object-ownership steps; the catalog rows are the caller's
// responsibility to remove (internal/lifecycle and the admin directory
// both do this after calling DropPgUser).
func (p *Provisioner) DropPgUser(databaseName, username string) error {
	logger := p.logger.Session("drop-pg-user", lager.Data{"database": databaseName, "username": username})

	if err := p.manager.RevokeDatabasePrivileges(databaseName, username); err != nil {
		logger.Error("revoke-database-privileges.failed", err)
	}
	if _, err := p.manager.DropRole(username); err != nil {
		logger.Error("drop-role.failed", err)
		return err
	}
	return nil
}
