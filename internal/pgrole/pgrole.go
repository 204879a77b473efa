// Package pgrole materializes and removes native PostgreSQL roles on
// target clusters on behalf of catalog users.
package pgrole

import (
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/lib/pq"

	"github.com/collation-ai/vibe-access-plane/internal/identifier"
)

const (
	pqErrUniqueViolation  = "23505"
	pqErrDuplicateContent = "42710"
	pqErrInternalError    = "XX000"
)

const maxCreateRetries = 10

// Manager issues CREATE ROLE / DROP ROLE statements against a target
// cluster's admin connection. One Manager wraps one *sql.DB already opened
// against a specific database by internal/poolreg.
type Manager struct {
	db     *sql.DB
	logger lager.Logger
}

// New wraps an admin connection already opened against a target database.
func New(db *sql.DB, logger lager.Logger) *Manager {
	return &Manager{db: db, logger: logger.Session("pgrole")}
}

// CreateRole creates a LOGIN role with the given password, retrying on
// transient conflict codes: concurrent materialization attempts for
// overlapping names can collide inside PostgreSQL's catalog before the
// transaction commits.
func (m *Manager) CreateRole(username, password string) error {
	var lastErr error
	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		err := m.createRoleOnce(username, password)
		if err == nil {
			return nil
		}
		lastErr = err

		var pqErr *pq.Error
		if isPQError(err, &pqErr) && isRetryableCode(pqErr.Code) {
			time.Sleep(time.Duration(rand.Intn(1500)) * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

func isPQError(err error, out **pq.Error) bool {
	pqErr, ok := err.(*pq.Error)
	if ok {
		*out = pqErr
	}
	return ok
}

func isRetryableCode(code pq.ErrorCode) bool {
	return code == pqErrInternalError || code == pqErrDuplicateContent || code == pqErrUniqueViolation
}

func (m *Manager) createRoleOnce(username, password string) error {
	tx, err := m.db.Begin()
	if err != nil {
		m.logger.Error("begin.sql-error", err)
		return err
	}

	statement := fmt.Sprintf(`CREATE ROLE %s WITH LOGIN PASSWORD %s`,
		pq.QuoteIdentifier(username), pq.QuoteLiteral(password))
	m.logger.Debug("create-role", lager.Data{"username": username})
	if _, err := tx.Exec(statement); err != nil {
		m.logger.Error("create-role.sql-error", err)
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// excIgnoreWrapper swallows any error raised by the inner statement so an
// unexpectedly owned object never blocks the rest of role teardown.
const excIgnoreWrapper = `DO $$
BEGIN
	%s;
EXCEPTION
	WHEN OTHERS THEN
		RAISE WARNING 'swallowed error during role teardown';
END;
$$`

// DropRole reassigns any objects the role owns to the connecting admin
// role, drops remaining owned privileges, then drops the role itself. It
// reports whether the role existed at all, so callers can distinguish
// "already gone" from "removal failed".
func (m *Manager) DropRole(username string) (existed bool, err error) {
	tx, err := m.db.Begin()
	if err != nil {
		m.logger.Error("begin.sql-error", err)
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var found bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM pg_roles WHERE rolname = $1)`, username).Scan(&found); err != nil {
		m.logger.Error("role-check.sql-error", err)
		return false, err
	}
	if !found {
		return false, nil
	}

	reassign := fmt.Sprintf(excIgnoreWrapper, fmt.Sprintf(`REASSIGN OWNED BY %s TO CURRENT_USER`, pq.QuoteIdentifier(username)))
	m.logger.Debug("reassign-owned", lager.Data{"username": username})
	if _, err := tx.Exec(reassign); err != nil {
		m.logger.Error("reassign-owned.sql-error", err)
		return false, err
	}

	dropOwned := fmt.Sprintf(excIgnoreWrapper, fmt.Sprintf(`DROP OWNED BY %s RESTRICT`, pq.QuoteIdentifier(username)))
	m.logger.Debug("drop-owned", lager.Data{"username": username})
	if _, err := tx.Exec(dropOwned); err != nil {
		m.logger.Error("drop-owned.sql-error", err)
		return false, err
	}

	dropRole := fmt.Sprintf(`DROP ROLE %s`, pq.QuoteIdentifier(username))
	m.logger.Debug("drop-role", lager.Data{"username": username})
	if _, err := tx.Exec(dropRole); err != nil {
		m.logger.Error("drop-role.sql-error", err)
		return false, err
	}

	if err := tx.Commit(); err != nil {
		m.logger.Error("commit.sql-error", err)
		return false, err
	}
	committed = true
	return true, nil
}

// ResetPassword rotates the login password for an existing role, used by
// the password-expiry sweep and manual credential rotation alike.
func (m *Manager) ResetPassword(username, newPassword string) error {
	statement := fmt.Sprintf(`ALTER ROLE %s WITH PASSWORD %s`,
		pq.QuoteIdentifier(username), pq.QuoteLiteral(newPassword))
	m.logger.Debug("reset-password", lager.Data{"username": username})
	_, err := m.db.Exec(statement)
	if err != nil {
		m.logger.Error("reset-password.sql-error", err)
	}
	return err
}

// GrantConnect allows username to open a connection to databaseName, run
// right after CreateRole so the freshly created role can actually log in
// to the target database.
func (m *Manager) GrantConnect(databaseName, username string) error {
	if err := identifier.ValidateStrict(databaseName); err != nil {
		return err
	}
	statement := fmt.Sprintf(`GRANT CONNECT ON DATABASE %s TO %s`,
		pq.QuoteIdentifier(databaseName), pq.QuoteIdentifier(username))
	m.logger.Debug("grant-connect", lager.Data{"database": databaseName, "username": username})
	_, err := m.db.Exec(statement)
	if err != nil {
		m.logger.Error("grant-connect.sql-error", err)
	}
	return err
}

// RevokeDatabasePrivileges strips every privilege username holds on
// databaseName, run before DropRole during teardown so a role with
// lingering database-level grants can still be dropped.
func (m *Manager) RevokeDatabasePrivileges(databaseName, username string) error {
	if err := identifier.ValidateStrict(databaseName); err != nil {
		return err
	}
	statement := fmt.Sprintf(`REVOKE ALL PRIVILEGES ON DATABASE %s FROM %s`,
		pq.QuoteIdentifier(databaseName), pq.QuoteIdentifier(username))
	m.logger.Debug("revoke-database-privileges", lager.Data{"database": databaseName, "username": username})
	_, err := m.db.Exec(statement)
	if err != nil {
		m.logger.Error("revoke-database-privileges.sql-error", err)
	}
	return err
}
