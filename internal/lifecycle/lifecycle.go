// Package lifecycle implements the lifecycle coordinator: the user-removal
// cascade across every catalog table plus native-role cleanup. Each step
// is best-effort, logged, and never aborts the rest of the cascade.
package lifecycle

import (
	"context"
	"sync"

	"code.cloudfoundry.org/lager"
	"golang.org/x/sync/errgroup"

	"github.com/collation-ai/vibe-access-plane/internal/catalog"
)

// Store is the subset of internal/catalog.Store the coordinator needs.
type Store interface {
	ListPGDatabaseUsersForUser(userID string) ([]*catalog.PGDatabaseUser, error)
	GetDatabaseServerByName(name string) (*catalog.DatabaseServer, error)
	DeleteTableGrantsForUser(userID string) (int, error)
	DeleteSchemaGrantsForUser(userID string) (int, error)
	DeleteDatabaseAssignmentsForUser(userID string) (int, error)
	DeleteAuditLogForUser(userID string) (int, error)
	DeleteAPIKeysForUser(userID string) (int, error)
	DeletePGDatabaseUser(id string) error
	DeleteRLSPoliciesForUser(userID string) (int, error)
	DeleteUser(userID string) error
	GetUserByID(userID string) (*catalog.User, error)
	InsertUserCleanupAudit(a *catalog.UserCleanupAudit) error
}

// RoleDropper drops a native PostgreSQL role on a target cluster. Callers
// supply a factory (below) because each (user, database) pair may live on
// a different server with its own admin connection.
type RoleDropper interface {
	DropRole(username string) (existed bool, err error)
}

// RoleDropperFactory builds a RoleDropper for a given PGDatabaseUser,
// typically by resolving its DatabaseServer and opening an admin
// connection through internal/poolreg.
type RoleDropperFactory func(p *catalog.PGDatabaseUser) (RoleDropper, error)

// Coordinator runs the removeUser cascade.
type Coordinator struct {
	store      Store
	dropperFor RoleDropperFactory
	logger     lager.Logger
}

// New builds a Coordinator over a catalog store and a way to resolve a
// role dropper for each native role it finds.
func New(store Store, dropperFor RoleDropperFactory, logger lager.Logger) *Coordinator {
	return &Coordinator{store: store, dropperFor: dropperFor, logger: logger.Session("lifecycle")}
}

// RemoveUser executes the removal cascade for userID. Every step is
// logged and continues past failure rather than aborting; the final
// cleanup audit row records how many rows were actually removed at each
// step, including how many native roles were dropped. Native roles are
// dropped for every (user, database) pair the catalog still knows about,
// not only the one named by the caller, so a removal leaves no orphaned
// roles behind.
func (c *Coordinator) RemoveUser(ctx context.Context, userID, performedBy string) (*catalog.Counters, error) {
	logger := c.logger.Session("remove-user", lager.Data{"user_id": userID})

	user, err := c.store.GetUserByID(userID)
	if err != nil {
		return nil, err
	}

	counters := &catalog.Counters{}

	if n, err := c.store.DeleteTableGrantsForUser(userID); err != nil {
		logger.Error("delete-table-grants.failed", err)
	} else {
		counters.TablePermissions = n
	}

	if n, err := c.store.DeleteSchemaGrantsForUser(userID); err != nil {
		logger.Error("delete-schema-grants.failed", err)
	} else {
		counters.SchemaPermissions = n
	}

	if n, err := c.store.DeleteDatabaseAssignmentsForUser(userID); err != nil {
		logger.Error("delete-assignments.failed", err)
	} else {
		counters.DatabaseAssignments = n
	}

	if n, err := c.store.DeleteAuditLogForUser(userID); err != nil {
		logger.Error("delete-audit-log.failed", err)
	} else {
		counters.AuditLogRows = n
	}

	if n, err := c.store.DeleteAPIKeysForUser(userID); err != nil {
		logger.Error("delete-api-keys.failed", err)
	} else {
		counters.APIKeys = n
	}

	counters.NativeRolesDropped = c.dropNativeRoles(ctx, userID, logger)

	pgUsers, err := c.store.ListPGDatabaseUsersForUser(userID)
	if err != nil {
		logger.Error("list-pg-database-users.failed", err)
	}
	for _, p := range pgUsers {
		if err := c.store.DeletePGDatabaseUser(p.ID); err != nil {
			logger.Error("delete-pg-database-user.failed", err)
			continue
		}
		counters.PGDatabaseUsers++
	}

	if n, err := c.store.DeleteRLSPoliciesForUser(userID); err != nil {
		logger.Error("delete-rls-policies.failed", err)
	} else {
		counters.RLSPolicies = n
	}

	if err := c.store.DeleteUser(userID); err != nil {
		logger.Error("delete-user.failed", err)
	}

	audit := &catalog.UserCleanupAudit{
		UserID:      userID,
		UserEmail:   user.Email,
		CleanupType: "full_delete",
		PerformedBy: performedBy,
		Counters:    *counters,
	}
	if err := c.store.InsertUserCleanupAudit(audit); err != nil {
		logger.Error("insert-cleanup-audit.failed", err)
	}

	return counters, nil
}

// dropNativeRoles iterates every PGDatabaseUser row for userID and drops
// its corresponding native role concurrently, since each lives on an
// independent target connection and a slow or unreachable cluster should
// not hold up cleanup of the others.
func (c *Coordinator) dropNativeRoles(ctx context.Context, userID string, logger lager.Logger) int {
	pgUsers, err := c.store.ListPGDatabaseUsersForUser(userID)
	if err != nil {
		logger.Error("list-pg-database-users.failed", err)
		return 0
	}

	var dropped int32Counter
	group, _ := errgroup.WithContext(ctx)
	for _, p := range pgUsers {
		p := p
		group.Go(func() error {
			dropper, err := c.dropperFor(p)
			if err != nil {
				logger.Error("resolve-dropper.failed", err, lager.Data{"database": p.DatabaseName})
				return nil
			}
			existed, err := dropper.DropRole(p.PGUsername)
			if err != nil {
				logger.Error("drop-role.failed", err, lager.Data{"database": p.DatabaseName, "pg_username": p.PGUsername})
				return nil
			}
			if existed {
				dropped.add(1)
			}
			return nil
		})
	}
	_ = group.Wait()
	return dropped.value()
}

// int32Counter is a tiny concurrency-safe counter for the errgroup fan-out
// above; it exists only because counting successes across goroutines needs
// synchronization and a plain int would race.
type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) add(delta int) {
	c.mu.Lock()
	c.n += delta
	c.mu.Unlock()
}

func (c *int32Counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
