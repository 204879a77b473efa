// Package poolreg manages *sql.DB connection pools to target PostgreSQL
// clusters, one pool per (server, database) pair.
package poolreg

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/lib/pq"
)

// ErrLoginFailed reports that a target cluster rejected the supplied
// credentials, distinct from any other connection failure so callers can
// map it to an authentication-layer response.
var ErrLoginFailed = fmt.Errorf("poolreg: login failed")

const pqErrInvalidPassword = "28P01"

// Registry owns one pool per (userId, database) pair, reused across
// requests instead of opening a connection per call. Admin-credential
// connections are deliberately not pooled here: they are opened ad hoc by
// their callers and closed after a single operation.
type Registry struct {
	mu          sync.Mutex
	pools       map[string]*sql.DB
	minPoolSize int
	maxPoolSize int
	logger      lager.Logger
}

// New builds an empty registry. minPoolSize/maxPoolSize apply to every pool
// it opens, mirroring config.Config's pool-size fields.
func New(minPoolSize, maxPoolSize int, logger lager.Logger) *Registry {
	return &Registry{
		pools:       make(map[string]*sql.DB),
		minPoolSize: minPoolSize,
		maxPoolSize: maxPoolSize,
		logger:      logger.Session("poolreg"),
	}
}

// ConnectionString builds a postgres:// URI with sslmode spelled out
// explicitly, since every target connection crosses a network boundary.
func ConnectionString(host string, port int, dbname, username, password, sslMode string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		username, password, host, port, dbname, sslMode)
}

// userKey builds the (userId, database) cache key for the user/database
// pool class.
func userKey(userID, database string) string {
	return "user:" + userID + "/" + database
}

// GetForUser returns the pool for (userID, database), opening it from an
// already-decrypted connection string on first use and pinging it so a
// dead target is detected before the pool is cached. This is the entry
// point the SQL Dispatcher calls.
func (r *Registry) GetForUser(userID, database, connectionString string) (*sql.DB, error) {
	key := userKey(userID, database)

	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[key]; ok {
		return db, nil
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(r.maxPoolSize)
	db.SetMaxIdleConns(r.minPoolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqErrInvalidPassword {
			return nil, ErrLoginFailed
		}
		return nil, err
	}

	r.pools[key] = db
	return db, nil
}

// EvictForUser closes and forgets the (userID, database) pool, used after
// the user's native role password is rotated so the next GetForUser
// reopens with fresh credentials instead of reusing a pool authenticated
// under the old ones.
func (r *Registry) EvictForUser(userID, database string) {
	key := userKey(userID, database)

	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[key]; ok {
		db.Close()
		delete(r.pools, key)
	}
}

// CloseAll closes every pool the registry has opened, called during process
// shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, db := range r.pools {
		db.Close()
		delete(r.pools, key)
	}
}
