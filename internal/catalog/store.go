package catalog

import (
	"database/sql"
	"errors"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned by every single-row lookup that finds nothing,
// so callers can use errors.Is instead of comparing against sql.ErrNoRows
// directly.
var ErrNotFound = errors.New("catalog: not found")

// ErrConflict is returned when a unique constraint rejects an insert
// (pq error code 23505).
var ErrConflict = errors.New("catalog: conflict")

// Store is the persistent state behind every other component: the single
// *sql.DB connected to the control plane's own database, never a target
// cluster.
type Store struct {
	db     *sql.DB
	logger lager.Logger
}

// New wraps an already-open *sql.DB. Callers are expected to have opened it
// against MasterDatabaseName.
func New(db *sql.DB, logger lager.Logger) *Store {
	return &Store{db: db, logger: logger.Session("catalog")}
}

// Ping reports whether the catalog database is reachable, backing the
// health endpoint's catalog-reachability check.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func translatePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// CreateUser inserts a new control-plane account and returns its generated
// ID.
func (s *Store) CreateUser(u *User) error {
	logger := s.logger.Session("create-user")
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.PasswordChangedAt.IsZero() {
		u.PasswordChangedAt = u.CreatedAt
	}

	logger.Debug("exec", lager.Data{"email": u.Email})
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, username, password_hash, organization,
			is_active, password_changed_at, password_expires_at,
			password_reset_required, failed_login_attempts, locked_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.Organization,
		u.IsActive, u.PasswordChangedAt, u.PasswordExpiresAt,
		u.PasswordResetRequired, u.FailedLoginAttempts, u.LockedUntil, u.CreatedAt,
	)
	if err != nil {
		logger.Error("exec.sql-error", err)
		return translatePQError(err)
	}
	return nil
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Organization,
		&u.IsActive, &u.PasswordChangedAt, &u.PasswordExpiresAt,
		&u.PasswordResetRequired, &u.FailedLoginAttempts, &u.LockedUntil, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

const userColumns = `id, email, username, password_hash, organization,
	is_active, password_changed_at, password_expires_at,
	password_reset_required, failed_login_attempts, locked_until, created_at`

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return s.scanUser(row)
}

// GetUserByEmail looks up a user by email, used by the authentication and
// password-reset flows.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return s.scanUser(row)
}

// UpdateUserPassword rotates a user's stored password hash and clears any
// pending reset requirement.
func (s *Store) UpdateUserPassword(userID, passwordHash string, expiresAt *time.Time) error {
	logger := s.logger.Session("update-user-password")
	logger.Debug("exec", lager.Data{"user_id": userID})
	_, err := s.db.Exec(
		`UPDATE users SET password_hash = $1, password_changed_at = now(),
			password_expires_at = $2, password_reset_required = false,
			failed_login_attempts = 0, locked_until = NULL
		WHERE id = $3`,
		passwordHash, expiresAt, userID,
	)
	if err != nil {
		logger.Error("exec.sql-error", err)
	}
	return err
}

// IncrementFailedLogin bumps the failed-attempt counter and returns the new
// count so the caller can decide whether to lock the account.
func (s *Store) IncrementFailedLogin(userID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`UPDATE users SET failed_login_attempts = failed_login_attempts + 1
		WHERE id = $1 RETURNING failed_login_attempts`,
		userID,
	).Scan(&count)
	return count, err
}

// LockUser sets locked_until, blocking authentication until that time.
func (s *Store) LockUser(userID string, until time.Time) error {
	_, err := s.db.Exec(`UPDATE users SET locked_until = $1 WHERE id = $2`, until, userID)
	return err
}

// SetUserActive flips a user's is_active flag, used by the admin directory
// to suspend an account without deleting it.
func (s *Store) SetUserActive(userID string, active bool) error {
	_, err := s.db.Exec(`UPDATE users SET is_active = $1 WHERE id = $2`, active, userID)
	return err
}

// DeleteUser removes the user row itself. Callers must have already
// cascaded its dependent rows via the Lifecycle Coordinator.
func (s *Store) DeleteUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE id = $1`, userID)
	return err
}

// ListUsers returns every control-plane account, active or not, for the
// admin directory.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(
			&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Organization,
			&u.IsActive, &u.PasswordChangedAt, &u.PasswordExpiresAt,
			&u.PasswordResetRequired, &u.FailedLoginAttempts, &u.LockedUntil, &u.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListUsersWithExpiredPasswords returns every active user whose
// passwordExpiresAt has already passed, the population the password-expiry
// sweep (C14) iterates.
func (s *Store) ListUsersWithExpiredPasswords(asOf time.Time) ([]*User, error) {
	rows, err := s.db.Query(
		`SELECT `+userColumns+` FROM users
		WHERE is_active = true AND password_expires_at IS NOT NULL AND password_expires_at <= $1`,
		asOf,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(
			&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Organization,
			&u.IsActive, &u.PasswordChangedAt, &u.PasswordExpiresAt,
			&u.PasswordResetRequired, &u.FailedLoginAttempts, &u.LockedUntil, &u.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MarkPasswordResetRequired flags a user as needing to change their
// password on next sign-in without otherwise touching their credentials,
// used by the password-expiry sweep.
func (s *Store) MarkPasswordResetRequired(userID string) error {
	_, err := s.db.Exec(`UPDATE users SET password_reset_required = true WHERE id = $1`, userID)
	return err
}

// CreateAPIKey inserts a new credential for a user.
func (s *Store) CreateAPIKey(k *APIKey) error {
	logger := s.logger.Session("create-api-key")
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	logger.Debug("exec", lager.Data{"user_id": k.UserID})
	_, err := s.db.Exec(
		`INSERT INTO api_keys (id, user_id, key_hash, key_prefix, name,
			is_active, expires_at, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		k.ID, k.UserID, k.KeyHash, k.KeyPrefix, k.Name,
		k.IsActive, k.ExpiresAt, k.LastUsedAt, k.CreatedAt,
	)
	if err != nil {
		logger.Error("exec.sql-error", err)
		return translatePQError(err)
	}
	return nil
}

func scanAPIKey(row *sql.Row) (*APIKey, error) {
	k := &APIKey{}
	err := row.Scan(
		&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Name,
		&k.IsActive, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

const apiKeyColumns = `id, user_id, key_hash, key_prefix, name,
	is_active, expires_at, last_used_at, created_at`

// GetAPIKeyByHash resolves the caller's credential during authentication.
func (s *Store) GetAPIKeyByHash(hash string) (*APIKey, error) {
	row := s.db.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	return scanAPIKey(row)
}

// ListAPIKeysForUser returns every credential, active or not, belonging to
// a user.
func (s *Store) ListAPIKeysForUser(userID string) ([]*APIKey, error) {
	rows, err := s.db.Query(`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k := &APIKey{}
		if err := rows.Scan(
			&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Name,
			&k.IsActive, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt,
		); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKeyLastUsed updates last_used_at on a best-effort basis; callers
// should not fail a request over this write's error.
func (s *Store) TouchAPIKeyLastUsed(keyID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, keyID)
	return err
}

// RevokeAPIKey deactivates a credential without deleting its audit trail.
func (s *Store) RevokeAPIKey(keyID string) error {
	_, err := s.db.Exec(`UPDATE api_keys SET is_active = false WHERE id = $1`, keyID)
	return err
}

// DeleteAPIKeysForUser removes every credential belonging to a user and
// reports how many rows were removed, for the Lifecycle Coordinator's
// cleanup counters.
func (s *Store) DeleteAPIKeysForUser(userID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateDatabaseServer registers a target cluster's admin credentials.
func (s *Store) CreateDatabaseServer(srv *DatabaseServer) error {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO database_servers (id, server_name, host, port,
			admin_username, admin_password_encrypted, ssl_mode, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		srv.ID, srv.ServerName, srv.Host, srv.Port,
		srv.AdminUsername, srv.AdminPasswordEncrypted, srv.SSLMode, srv.IsActive,
	)
	return translatePQError(err)
}

const databaseServerColumns = `id, server_name, host, port, admin_username,
	admin_password_encrypted, ssl_mode, is_active`

// GetDatabaseServerByName looks up a registered cluster by its logical name.
func (s *Store) GetDatabaseServerByName(name string) (*DatabaseServer, error) {
	row := s.db.QueryRow(`SELECT `+databaseServerColumns+` FROM database_servers WHERE server_name = $1`, name)
	srv := &DatabaseServer{}
	err := row.Scan(
		&srv.ID, &srv.ServerName, &srv.Host, &srv.Port,
		&srv.AdminUsername, &srv.AdminPasswordEncrypted, &srv.SSLMode, &srv.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return srv, err
}

// ListDatabaseServers returns every registered cluster.
func (s *Store) ListDatabaseServers() ([]*DatabaseServer, error) {
	rows, err := s.db.Query(`SELECT ` + databaseServerColumns + ` FROM database_servers ORDER BY server_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*DatabaseServer
	for rows.Next() {
		srv := &DatabaseServer{}
		if err := rows.Scan(
			&srv.ID, &srv.ServerName, &srv.Host, &srv.Port,
			&srv.AdminUsername, &srv.AdminPasswordEncrypted, &srv.SSLMode, &srv.IsActive,
		); err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// DeleteDatabaseServer removes a registered cluster from the directory.
// Native roles already materialized through it are unaffected.
func (s *Store) DeleteDatabaseServer(serverName string) error {
	res, err := s.db.Exec(`DELETE FROM database_servers WHERE server_name = $1`, serverName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDatabaseAssignment grants a user access to a database. databaseName
// must already have been checked by the caller against MasterDatabaseName.
func (s *Store) CreateDatabaseAssignment(a *DatabaseAssignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO database_assignments (id, user_id, database_name,
			connection_string_encrypted, is_active)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.DatabaseName, a.ConnectionStringEncrypted, a.IsActive,
	)
	return translatePQError(err)
}

const databaseAssignmentColumns = `id, user_id, database_name, connection_string_encrypted, is_active`

// GetDatabaseAssignment finds a user's assignment to a specific database, or
// ErrNotFound if none exists.
func (s *Store) GetDatabaseAssignment(userID, databaseName string) (*DatabaseAssignment, error) {
	row := s.db.QueryRow(
		`SELECT `+databaseAssignmentColumns+` FROM database_assignments WHERE user_id = $1 AND database_name = $2`,
		userID, databaseName,
	)
	a := &DatabaseAssignment{}
	err := row.Scan(&a.ID, &a.UserID, &a.DatabaseName, &a.ConnectionStringEncrypted, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListDatabaseAssignmentsForUser returns every database a user has been
// assigned, active or not.
func (s *Store) ListDatabaseAssignmentsForUser(userID string) ([]*DatabaseAssignment, error) {
	rows, err := s.db.Query(`SELECT `+databaseAssignmentColumns+` FROM database_assignments WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DatabaseAssignment
	for rows.Next() {
		a := &DatabaseAssignment{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.DatabaseName, &a.ConnectionStringEncrypted, &a.IsActive); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateDatabaseAssignmentConnectionString keeps the assignment's stored
// connection string in step with the PGDatabaseUser row after a password
// rotation, so authorization and pool lookup keep resolving the same
// credentials.
func (s *Store) UpdateDatabaseAssignmentConnectionString(userID, databaseName, connectionStringEncrypted string) error {
	_, err := s.db.Exec(
		`UPDATE database_assignments SET connection_string_encrypted = $1 WHERE user_id = $2 AND database_name = $3`,
		connectionStringEncrypted, userID, databaseName,
	)
	return err
}

// DeleteDatabaseAssignment removes a single (user, database) assignment.
func (s *Store) DeleteDatabaseAssignment(userID, databaseName string) error {
	_, err := s.db.Exec(
		`DELETE FROM database_assignments WHERE user_id = $1 AND database_name = $2`,
		userID, databaseName,
	)
	return err
}

// DeleteDatabaseAssignmentsForUser removes every assignment for a user and
// reports the row count removed.
func (s *Store) DeleteDatabaseAssignmentsForUser(userID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM database_assignments WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreatePGDatabaseUser records a native role materialized for a user on a
// target database.
func (s *Store) CreatePGDatabaseUser(p *PGDatabaseUser) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO pg_database_users (id, vibe_user_id, database_name,
			pg_username, pg_password_encrypted, connection_string_encrypted,
			is_active, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.VibeUserID, p.DatabaseName, p.PGUsername,
		p.PGPasswordEncrypted, p.ConnectionStringEncrypted, p.IsActive, p.Notes,
	)
	return translatePQError(err)
}

const pgDatabaseUserColumns = `id, vibe_user_id, database_name, pg_username,
	pg_password_encrypted, connection_string_encrypted, is_active, notes`

func scanPGDatabaseUser(row *sql.Row) (*PGDatabaseUser, error) {
	p := &PGDatabaseUser{}
	err := row.Scan(
		&p.ID, &p.VibeUserID, &p.DatabaseName, &p.PGUsername,
		&p.PGPasswordEncrypted, &p.ConnectionStringEncrypted, &p.IsActive, &p.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetPGDatabaseUser finds the native role materialized for userID on
// databaseName.
func (s *Store) GetPGDatabaseUser(userID, databaseName string) (*PGDatabaseUser, error) {
	row := s.db.QueryRow(
		`SELECT `+pgDatabaseUserColumns+` FROM pg_database_users WHERE vibe_user_id = $1 AND database_name = $2`,
		userID, databaseName,
	)
	return scanPGDatabaseUser(row)
}

// ListPGDatabaseUsersForUser returns every native role materialized for a
// user, across every database. The Lifecycle Coordinator iterates this
// list to drop orphaned native roles on every target cluster, not only the
// one named in the originating request.
func (s *Store) ListPGDatabaseUsersForUser(userID string) ([]*PGDatabaseUser, error) {
	rows, err := s.db.Query(`SELECT `+pgDatabaseUserColumns+` FROM pg_database_users WHERE vibe_user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PGDatabaseUser
	for rows.Next() {
		p := &PGDatabaseUser{}
		if err := rows.Scan(
			&p.ID, &p.VibeUserID, &p.DatabaseName, &p.PGUsername,
			&p.PGPasswordEncrypted, &p.ConnectionStringEncrypted, &p.IsActive, &p.Notes,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePGDatabaseUserCredentials replaces the stored ciphertexts after a
// password rotation on the target.
func (s *Store) UpdatePGDatabaseUserCredentials(id, pgPasswordEncrypted, connectionStringEncrypted string) error {
	_, err := s.db.Exec(
		`UPDATE pg_database_users SET pg_password_encrypted = $1, connection_string_encrypted = $2 WHERE id = $3`,
		pgPasswordEncrypted, connectionStringEncrypted, id,
	)
	return err
}

// DeletePGDatabaseUser removes the catalog record of a materialized native
// role. It does not itself drop the native role; callers coordinate that
// through internal/pgrole first.
func (s *Store) DeletePGDatabaseUser(id string) error {
	_, err := s.db.Exec(`DELETE FROM pg_database_users WHERE id = $1`, id)
	return err
}

// UpsertSchemaGrant creates or updates a user's schema-level permission.
func (s *Store) UpsertSchemaGrant(g *SchemaGrant) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO schema_permissions (id, user_id, database_name, schema_name, permission)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, database_name, schema_name)
		DO UPDATE SET permission = EXCLUDED.permission`,
		g.ID, g.UserID, g.DatabaseName, g.SchemaName, g.Permission,
	)
	return err
}

// ListSchemaGrantsForUser returns every schema grant for a user, optionally
// filtered to one database.
func (s *Store) ListSchemaGrantsForUser(userID, databaseName string) ([]*SchemaGrant, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, database_name, schema_name, permission
		FROM schema_permissions WHERE user_id = $1 AND ($2 = '' OR database_name = $2)`,
		userID, databaseName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SchemaGrant
	for rows.Next() {
		g := &SchemaGrant{}
		if err := rows.Scan(&g.ID, &g.UserID, &g.DatabaseName, &g.SchemaName, &g.Permission); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteSchemaGrant removes a single schema grant.
func (s *Store) DeleteSchemaGrant(userID, databaseName, schemaName string) error {
	_, err := s.db.Exec(
		`DELETE FROM schema_permissions WHERE user_id = $1 AND database_name = $2 AND schema_name = $3`,
		userID, databaseName, schemaName,
	)
	return err
}

// DeleteSchemaGrantsForUser removes every schema grant for a user and
// reports the row count removed.
func (s *Store) DeleteSchemaGrantsForUser(userID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM schema_permissions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UpsertTableGrant creates or updates a user's table/column-level
// permission. ColumnPermissions is stored as jsonb.
func (s *Store) UpsertTableGrant(g *TableGrant) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	colJSON, err := marshalColumnPermissions(g.ColumnPermissions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO table_permissions (id, vibe_user_id, database_name, schema_name,
			table_name, can_select, can_insert, can_update, can_delete,
			can_truncate, can_references, can_trigger, column_permissions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (vibe_user_id, database_name, schema_name, table_name)
		DO UPDATE SET can_select = EXCLUDED.can_select, can_insert = EXCLUDED.can_insert,
			can_update = EXCLUDED.can_update, can_delete = EXCLUDED.can_delete,
			can_truncate = EXCLUDED.can_truncate, can_references = EXCLUDED.can_references,
			can_trigger = EXCLUDED.can_trigger, column_permissions = EXCLUDED.column_permissions`,
		g.ID, g.VibeUserID, g.DatabaseName, g.SchemaName, g.TableName,
		g.CanSelect, g.CanInsert, g.CanUpdate, g.CanDelete,
		g.CanTruncate, g.CanReferences, g.CanTrigger, colJSON,
	)
	return err
}

// ListTableGrantsForUser returns every table grant for a user, optionally
// filtered to one database and schema.
func (s *Store) ListTableGrantsForUser(userID, databaseName, schemaName string) ([]*TableGrant, error) {
	rows, err := s.db.Query(
		`SELECT id, vibe_user_id, database_name, schema_name, table_name,
			can_select, can_insert, can_update, can_delete, can_truncate,
			can_references, can_trigger, column_permissions
		FROM table_permissions
		WHERE vibe_user_id = $1 AND ($2 = '' OR database_name = $2) AND ($3 = '' OR schema_name = $3)`,
		userID, databaseName, schemaName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TableGrant
	for rows.Next() {
		g := &TableGrant{}
		var colJSON []byte
		if err := rows.Scan(
			&g.ID, &g.VibeUserID, &g.DatabaseName, &g.SchemaName, &g.TableName,
			&g.CanSelect, &g.CanInsert, &g.CanUpdate, &g.CanDelete, &g.CanTruncate,
			&g.CanReferences, &g.CanTrigger, &colJSON,
		); err != nil {
			return nil, err
		}
		g.ColumnPermissions, err = unmarshalColumnPermissions(colJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteTableGrant removes a single table/column-level grant.
func (s *Store) DeleteTableGrant(userID, databaseName, schemaName, tableName string) error {
	_, err := s.db.Exec(
		`DELETE FROM table_permissions WHERE vibe_user_id = $1 AND database_name = $2 AND schema_name = $3 AND table_name = $4`,
		userID, databaseName, schemaName, tableName,
	)
	return err
}

// DeleteTableGrantsForUser removes every table grant for a user and reports
// the row count removed.
func (s *Store) DeleteTableGrantsForUser(userID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM table_permissions WHERE vibe_user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateRLSPolicy records a catalog-side mirror of a policy materialized on
// the target cluster.
func (s *Store) CreateRLSPolicy(p *RLSPolicy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO rls_policies (id, vibe_user_id, database_name, schema_name,
			table_name, policy_name, policy_type, command_type,
			using_expression, with_check_expression, is_active, template_used, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.VibeUserID, p.DatabaseName, p.SchemaName, p.TableName,
		p.PolicyName, p.PolicyType, p.CommandType, p.UsingExpression,
		nullableString(p.WithCheckExpression), p.IsActive,
		nullableString(p.TemplateUsed), p.Notes,
	)
	return translatePQError(err)
}

// ListRLSPoliciesForUser returns every policy recorded for a user, optionally
// filtered to one table.
func (s *Store) ListRLSPoliciesForUser(userID, databaseName, schemaName, tableName string) ([]*RLSPolicy, error) {
	rows, err := s.db.Query(
		`SELECT id, vibe_user_id, database_name, schema_name, table_name,
			policy_name, policy_type, command_type, using_expression,
			with_check_expression, is_active, template_used, notes
		FROM rls_policies
		WHERE vibe_user_id = $1 AND ($2 = '' OR database_name = $2)
			AND ($3 = '' OR schema_name = $3) AND ($4 = '' OR table_name = $4)`,
		userID, databaseName, schemaName, tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RLSPolicy
	for rows.Next() {
		p := &RLSPolicy{}
		var withCheck, templateUsed sql.NullString
		if err := rows.Scan(
			&p.ID, &p.VibeUserID, &p.DatabaseName, &p.SchemaName, &p.TableName,
			&p.PolicyName, &p.PolicyType, &p.CommandType, &p.UsingExpression,
			&withCheck, &p.IsActive, &templateUsed, &p.Notes,
		); err != nil {
			return nil, err
		}
		p.WithCheckExpression = withCheck.String
		p.TemplateUsed = templateUsed.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeactivateRLSPolicy marks a policy inactive in the catalog after it has
// been dropped on the target cluster.
func (s *Store) DeactivateRLSPolicy(id string) error {
	_, err := s.db.Exec(`UPDATE rls_policies SET is_active = false WHERE id = $1`, id)
	return err
}

// DeleteRLSPoliciesForUser removes every policy row for a user and reports
// the row count removed.
func (s *Store) DeleteRLSPoliciesForUser(userID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM rls_policies WHERE vibe_user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListRLSPolicyTemplates returns the read-only catalog of RLS building
// blocks administrators can apply by name.
func (s *Store) ListRLSPolicyTemplates() ([]*RLSPolicyTemplate, error) {
	rows, err := s.db.Query(
		`SELECT id, template_name, description, policy_type,
			using_expression_template, with_check_expression_template,
			required_columns, example_usage, is_active
		FROM rls_policy_templates WHERE is_active = true ORDER BY template_name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RLSPolicyTemplate
	for rows.Next() {
		t := &RLSPolicyTemplate{}
		var withCheck sql.NullString
		if err := rows.Scan(
			&t.ID, &t.TemplateName, &t.Description, &t.PolicyType,
			&t.UsingExpressionTemplate, &withCheck,
			pq.Array(&t.RequiredColumns), &t.ExampleUsage, &t.IsActive,
		); err != nil {
			return nil, err
		}
		t.WithCheckExpressionTemplate = withCheck.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertAuditLog appends one row to the operation log. Callers dispatch
// this asynchronously (internal/audit); a failure here is logged but never
// propagated back to the original request.
func (s *Store) InsertAuditLog(e *AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, user_id, api_key_id, endpoint, method,
			database, schema, "table", operation, request_body,
			response_status, error_message, execution_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, nullableString(e.UserID), nullableString(e.APIKeyID), e.Endpoint, e.Method,
		nullableString(e.Database), nullableString(e.Schema), nullableString(e.Table),
		e.Operation, nullableString(e.RequestBody), e.ResponseStatus,
		nullableString(e.ErrorMessage), e.ExecutionTimeMs, e.CreatedAt,
	)
	return err
}

// DeleteAuditLogForUser removes every audit row referencing a user and
// reports the row count removed.
func (s *Store) DeleteAuditLogForUser(userID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// InsertPasswordResetToken records a freshly issued reset token.
func (s *Store) InsertPasswordResetToken(t *PasswordResetToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO password_reset_tokens (id, user_id, token_hash, email,
			expires_at, used_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.TokenHash, t.Email, t.ExpiresAt, t.UsedAt,
		nullableString(t.IPAddress), nullableString(t.UserAgent),
	)
	return translatePQError(err)
}

// GetPasswordResetTokenByHash resolves a reset flow's token during consume.
func (s *Store) GetPasswordResetTokenByHash(hash string) (*PasswordResetToken, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, token_hash, email, expires_at, used_at, ip_address, user_agent
		FROM password_reset_tokens WHERE token_hash = $1`,
		hash,
	)
	t := &PasswordResetToken{}
	var ip, ua sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Email, &t.ExpiresAt, &t.UsedAt, &ip, &ua)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.IPAddress = ip.String
	t.UserAgent = ua.String
	return t, nil
}

// MarkPasswordResetTokenUsed consumes a token so it cannot be replayed.
func (s *Store) MarkPasswordResetTokenUsed(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE password_reset_tokens SET used_at = $1 WHERE id = $2`, at, id)
	return err
}

// InsertPasswordHistory appends one entry, used to reject password reuse.
func (s *Store) InsertPasswordHistory(userID, passwordHash string) error {
	_, err := s.db.Exec(
		`INSERT INTO password_history (id, user_id, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), userID, passwordHash, time.Now().UTC(),
	)
	return err
}

// ListRecentPasswordHistory returns the most recent PasswordHistoryDepth
// password hashes for a user, newest first.
func (s *Store) ListRecentPasswordHistory(userID string) ([]*PasswordHistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, password_hash, created_at FROM password_history
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, PasswordHistoryDepth,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PasswordHistoryEntry
	for rows.Next() {
		e := &PasswordHistoryEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.PasswordHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertUserCleanupAudit records the outcome of a Lifecycle Coordinator
// cascade.
func (s *Store) InsertUserCleanupAudit(a *UserCleanupAudit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	countersJSON, err := marshalCounters(a.Counters)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO user_cleanup_audit (id, user_id, user_email, cleanup_type,
			performed_by, counters, cleanup_details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UserID, a.UserEmail, a.CleanupType, a.PerformedBy,
		countersJSON, nullableString(a.CleanupDetails), a.CreatedAt,
	)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
