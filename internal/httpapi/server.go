package httpapi

import (
	"net/http"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/collation-ai/vibe-access-plane/internal/admin"
	"github.com/collation-ai/vibe-access-plane/internal/audit"
	"github.com/collation-ai/vibe-access-plane/internal/auth"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/config"
	"github.com/collation-ai/vibe-access-plane/internal/poolreg"
	"github.com/collation-ai/vibe-access-plane/internal/pwlifecycle"
	"github.com/collation-ai/vibe-access-plane/internal/vault"
)

// Store is the subset of internal/catalog.Store the HTTP surface reads
// directly, independent of what internal/admin.Directory already wraps.
type Store interface {
	GetUserByID(id string) (*catalog.User, error)
	ListDatabaseAssignmentsForUser(userID string) ([]*catalog.DatabaseAssignment, error)
	GetDatabaseAssignment(userID, databaseName string) (*catalog.DatabaseAssignment, error)
	ListSchemaGrantsForUser(userID, databaseName string) ([]*catalog.SchemaGrant, error)
	Ping() error
}

// Server holds every component the HTTP surface dispatches into, built
// once at process startup (cmd/accessplaned) and threaded through every
// handler instead of living behind package-level globals.
type Server struct {
	cfg           *config.Config
	store         Store
	vault         *vault.Vault
	authenticator *auth.Authenticator
	admin         *admin.Directory
	pools         *poolreg.Registry
	audit         *audit.Recorder
	pwlifecycle   *pwlifecycle.Lifecycle
	logger        lager.Logger
}

// New builds a Server over every already-constructed component.
func New(
	cfg *config.Config,
	store Store,
	v *vault.Vault,
	authenticator *auth.Authenticator,
	directory *admin.Directory,
	pools *poolreg.Registry,
	recorder *audit.Recorder,
	pwLifecycle *pwlifecycle.Lifecycle,
	logger lager.Logger,
) *Server {
	return &Server{
		cfg:           cfg,
		store:         store,
		vault:         v,
		authenticator: authenticator,
		admin:         directory,
		pools:         pools,
		audit:         recorder,
		pwlifecycle:   pwLifecycle,
		logger:        logger.Session("httpapi"),
	}
}

// NewRouter builds the chi router this server answers on: process-wide
// middleware at the outer router, authenticated routes mounted under it.
// Every route except /health and the password-recovery pair requires an
// X-API-Key header.
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(stampRequestStart)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auditRequest)

		// The password-recovery pair is reachable without an API key: a
		// user who has lost access to their credential is exactly who
		// needs it, and it authenticates itself via the emailed token.
		r.Route("/auth", func(r chi.Router) {
			r.Post("/request-password-reset", s.handleRequestPasswordReset)
			r.Post("/reset-password", s.handleResetPassword)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.auditRequest)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/validate", s.handleAuthValidate)
			r.Get("/permissions", s.handleAuthPermissions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.handleAdminListUsers)
				r.Post("/", s.handleAdminCreateUser)
				r.Delete("/{userID}", s.handleAdminDeleteUser)
				r.Post("/{userID}/activate", s.handleAdminActivateUser(true))
				r.Post("/{userID}/deactivate", s.handleAdminActivateUser(false))
			})
			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", s.handleAdminListAPIKeys)
				r.Post("/", s.handleAdminCreateAPIKey)
				r.Delete("/{keyID}", s.handleAdminRevokeAPIKey)
				r.Post("/{keyID}/revoke", s.handleAdminRevokeAPIKey)
			})
			r.Route("/database-servers", func(r chi.Router) {
				r.Get("/", s.handleAdminListServers)
				r.Post("/", s.handleAdminCreateServer)
				r.Delete("/{serverName}", s.handleAdminDeleteServer)
			})
			r.Route("/database-assignments", func(r chi.Router) {
				r.Get("/", s.handleAdminListAssignments)
				r.Post("/", s.handleAdminCreateAssignment)
				r.Delete("/", s.handleAdminDeleteAssignment)
			})
			r.Route("/permissions", func(r chi.Router) {
				r.Get("/", s.handleAdminListSchemaGrants)
				r.Post("/", s.handleAdminCreateSchemaGrant)
				r.Delete("/", s.handleAdminRevokeSchemaGrant)
			})
			r.Route("/table-permissions", func(r chi.Router) {
				r.Get("/", s.handleAdminListTableGrants)
				r.Post("/", s.handleAdminCreateTableGrant)
				r.Delete("/", s.handleAdminRevokeTableGrant)
			})
			r.Route("/rls-policies", func(r chi.Router) {
				r.Get("/", s.handleAdminListRLSPolicies)
				r.Post("/", s.handleAdminCreateRLSPolicy)
				r.Delete("/{policyID}", s.handleAdminDeleteRLSPolicy)
			})
			r.Get("/rls-policy-templates", s.handleAdminListRLSPolicyTemplates)
			r.Route("/pg-users", func(r chi.Router) {
				r.Get("/", s.handleAdminListPGUsers)
				r.Post("/reset-password", s.handleAdminResetPGUserPassword)
				r.Delete("/{pgUserID}", s.handleAdminDeletePGUser)
			})
			r.Post("/remove-user", s.handleAdminRemoveUser)
		})

		r.Route("/tables", func(r chi.Router) {
			r.Get("/", s.handleListTables)
			r.Post("/", s.handleCreateTable)
			r.Get("/{table}", s.handleDescribeTable)
			r.Delete("/{table}", s.handleDropTable)
		})

		r.Route("/data/{schema}/{table}", func(r chi.Router) {
			r.Get("/", s.handleStructuredSelect)
			r.Post("/", s.handleStructuredInsert)
			r.Put("/", s.handleStructuredUpdate)
			r.Delete("/", s.handleStructuredDelete)
		})

		r.Post("/query", s.handleRawQuery)
	})

	return r
}
