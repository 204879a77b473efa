package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/collation-ai/vibe-access-plane/internal/admin"
	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/pwlifecycle"
)

func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apierr.New(apierr.CodeParameterInvalid, "invalid request body: %v", err)
	}
	return nil
}

// --- Users -------------------------------------------------------------------

type createUserBody struct {
	Email        string `json:"email"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body createUserBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}

	passwordHash, err := pwlifecycle.HashPassword(body.Password)
	if err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "password is required"))
		return
	}

	user, err := s.admin.CreateUser(admin.CreateUserRequest{
		Email: body.Email, Username: body.Username, PasswordHash: passwordHash, Organization: body.Organization,
	})
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, user, nil, nil)
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	users, err := s.admin.ListUsers()
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, users, nil, nil)
}

func (s *Server) handleAdminActivateUser(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := requestStart(r)
		userID := chi.URLParam(r, "userID")
		if err := s.admin.SetUserActive(userID, active); err != nil {
			writeError(w, r, started, err)
			return
		}
		writeSuccess(w, r, started, http.StatusOK, map[string]any{"userId": userID, "isActive": active}, nil, nil)
	}
}

type removeUserBody struct {
	UserID      string `json:"userId"`
	PerformedBy string `json:"performedBy"`
}

// handleAdminRemoveUser runs the full Lifecycle Coordinator cascade.
func (s *Server) handleAdminRemoveUser(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body removeUserBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.UserID == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "userId is required"))
		return
	}

	counters, err := s.admin.RemoveUser(r.Context(), body.UserID, body.PerformedBy)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, counters, nil, nil)
}

// handleAdminDeleteUser is the DELETE-verb spelling of remove-user: the
// same cascade, with the performing admin resolved from the caller's own
// credential instead of the request body.
func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	userID := chi.URLParam(r, "userID")

	performedBy := ""
	if identity, ok := identityFromContext(r.Context()); ok && identity.Owner != nil {
		performedBy = identity.Owner.Email
	}

	counters, err := s.admin.RemoveUser(r.Context(), userID, performedBy)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, counters, nil, nil)
}

// --- API keys ------------------------------------------------------------------

type createAPIKeyBody struct {
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

func (s *Server) handleAdminCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body createAPIKeyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}

	created, err := s.admin.CreateAPIKey(admin.CreateAPIKeyRequest{
		UserID: body.UserID, Name: body.Name, Environment: body.Environment,
	}, s.vault.NewAPIKey)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, map[string]any{
		"key":       created.Key,
		"plaintext": created.Plaintext,
	}, nil, nil)
}

func (s *Server) handleAdminListAPIKeys(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	userID := r.URL.Query().Get("userId")
	keys, err := s.admin.ListAPIKeys(userID)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, keys, nil, nil)
}

func (s *Server) handleAdminRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	keyID := chi.URLParam(r, "keyID")
	if err := s.admin.RevokeAPIKey(keyID); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"keyId": keyID, "isActive": false}, nil, nil)
}

// --- Database servers -----------------------------------------------------------

type createServerBody struct {
	ServerName    string `json:"serverName"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	AdminUsername string `json:"adminUsername"`
	AdminPassword string `json:"adminPassword"`
	SSLMode       string `json:"sslMode"`
}

func (s *Server) handleAdminCreateServer(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body createServerBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}

	srv, err := s.admin.CreateDatabaseServer(admin.CreateDatabaseServerRequest{
		ServerName: body.ServerName, Host: body.Host, Port: body.Port,
		AdminUsername: body.AdminUsername, AdminPassword: body.AdminPassword, SSLMode: body.SSLMode,
	})
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, srv, nil, nil)
}

func (s *Server) handleAdminDeleteServer(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	serverName := chi.URLParam(r, "serverName")
	if err := s.admin.DeleteDatabaseServer(serverName); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"serverName": serverName, "deleted": true}, nil, nil)
}

func (s *Server) handleAdminListServers(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	servers, err := s.admin.ListDatabaseServers()
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, servers, nil, nil)
}

// --- Database assignments --------------------------------------------------------

type createAssignmentBody struct {
	UserID       string `json:"userId"`
	ServerName   string `json:"serverName"`
	DatabaseName string `json:"databaseName"`
}

// handleAdminCreateAssignment rejects master_db at the API boundary before
// the request ever reaches the Permission Materializer's own guard.
func (s *Server) handleAdminCreateAssignment(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body createAssignmentBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if err := guardMasterDB(body.DatabaseName); err != nil {
		writeError(w, r, started, err)
		return
	}

	provisioned, err := s.admin.CreateAssignment(admin.CreateAssignmentRequest{
		UserID: body.UserID, ServerName: body.ServerName, DatabaseName: body.DatabaseName,
	})
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, provisioned, nil, nil)
}

type deleteAssignmentBody struct {
	UserID       string `json:"userId"`
	ServerName   string `json:"serverName"`
	DatabaseName string `json:"databaseName"`
}

// handleAdminDeleteAssignment drops the native role for (user, database)
// and removes the assignment, fully revoking the user's access to that
// database.
func (s *Server) handleAdminDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body deleteAssignmentBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.UserID == "" || body.ServerName == "" || body.DatabaseName == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "userId, serverName, and databaseName are required"))
		return
	}

	if err := s.admin.RemoveAssignment(body.UserID, body.ServerName, body.DatabaseName); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"status": "revoked"}, nil, nil)
}

func (s *Server) handleAdminListAssignments(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	userID := r.URL.Query().Get("userId")
	assignments, err := s.admin.ListAssignments(userID)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, assignments, nil, nil)
}

// --- Schema grants -----------------------------------------------------------------

type createSchemaGrantBody struct {
	UserID       string                   `json:"userId"`
	ServerName   string                   `json:"serverName"`
	DatabaseName string                   `json:"databaseName"`
	SchemaName   string                   `json:"schemaName"`
	Permission   catalog.SchemaPermission `json:"permission"`
}

func (s *Server) handleAdminCreateSchemaGrant(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body createSchemaGrantBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if err := guardMasterDB(body.DatabaseName); err != nil {
		writeError(w, r, started, err)
		return
	}

	if err := s.admin.CreateSchemaGrant(admin.SchemaGrantRequest{
		UserID: body.UserID, ServerName: body.ServerName, DatabaseName: body.DatabaseName,
		SchemaName: body.SchemaName, Permission: body.Permission,
	}); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, map[string]any{"status": "granted"}, nil, nil)
}

type revokeSchemaGrantBody struct {
	UserID       string `json:"userId"`
	ServerName   string `json:"serverName"`
	DatabaseName string `json:"databaseName"`
	SchemaName   string `json:"schemaName"`
}

func (s *Server) handleAdminRevokeSchemaGrant(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body revokeSchemaGrantBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.UserID == "" || body.ServerName == "" || body.DatabaseName == "" || body.SchemaName == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "userId, serverName, databaseName, and schemaName are required"))
		return
	}
	if err := guardMasterDB(body.DatabaseName); err != nil {
		writeError(w, r, started, err)
		return
	}

	if err := s.admin.RevokeSchemaGrant(body.UserID, body.ServerName, body.DatabaseName, body.SchemaName); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"status": "revoked"}, nil, nil)
}

func (s *Server) handleAdminListSchemaGrants(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	userID := r.URL.Query().Get("userId")
	databaseName := r.URL.Query().Get("databaseName")
	grants, err := s.admin.ListSchemaGrants(userID, databaseName)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, grants, nil, nil)
}

// --- Table grants -------------------------------------------------------------------

type createTableGrantBody struct {
	UserID       string             `json:"userId"`
	ServerName   string             `json:"serverName"`
	DatabaseName string             `json:"databaseName"`
	Grant        catalog.TableGrant `json:"grant"`
}

func (s *Server) handleAdminCreateTableGrant(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body createTableGrantBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if err := guardMasterDB(body.DatabaseName); err != nil {
		writeError(w, r, started, err)
		return
	}

	if err := s.admin.CreateTableGrant(admin.TableGrantRequest{
		UserID: body.UserID, ServerName: body.ServerName, DatabaseName: body.DatabaseName, Grant: body.Grant,
	}); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, map[string]any{"status": "granted"}, nil, nil)
}

type revokeTableGrantBody struct {
	UserID       string `json:"userId"`
	ServerName   string `json:"serverName"`
	DatabaseName string `json:"databaseName"`
	SchemaName   string `json:"schemaName"`
	TableName    string `json:"tableName"`
}

func (s *Server) handleAdminRevokeTableGrant(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body revokeTableGrantBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.UserID == "" || body.ServerName == "" || body.DatabaseName == "" || body.SchemaName == "" || body.TableName == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "userId, serverName, databaseName, schemaName, and tableName are required"))
		return
	}
	if err := guardMasterDB(body.DatabaseName); err != nil {
		writeError(w, r, started, err)
		return
	}

	if err := s.admin.RevokeTableGrant(body.UserID, body.ServerName, body.DatabaseName, body.SchemaName, body.TableName); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"status": "revoked"}, nil, nil)
}

func (s *Server) handleAdminListTableGrants(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	userID := r.URL.Query().Get("userId")
	databaseName := r.URL.Query().Get("databaseName")
	schemaName := r.URL.Query().Get("schemaName")
	grants, err := s.admin.ListTableGrants(userID, databaseName, schemaName)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, grants, nil, nil)
}

// --- RLS policies -------------------------------------------------------------------

type createRLSPolicyBody struct {
	ServerName   string            `json:"serverName"`
	DatabaseName string            `json:"databaseName"`
	Policy       catalog.RLSPolicy `json:"policy"`
}

func (s *Server) handleAdminCreateRLSPolicy(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body createRLSPolicyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if err := guardMasterDB(body.DatabaseName); err != nil {
		writeError(w, r, started, err)
		return
	}

	if err := s.admin.CreateRLSPolicy(admin.RLSPolicyRequest{
		ServerName: body.ServerName, DatabaseName: body.DatabaseName, Policy: body.Policy,
	}); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, map[string]any{"status": "created"}, nil, nil)
}

func (s *Server) handleAdminListRLSPolicies(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	userID := r.URL.Query().Get("userId")
	databaseName := r.URL.Query().Get("databaseName")
	schemaName := r.URL.Query().Get("schemaName")
	tableName := r.URL.Query().Get("tableName")
	policies, err := s.admin.ListRLSPolicies(userID, databaseName, schemaName, tableName)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, policies, nil, nil)
}

type deleteRLSPolicyBody struct {
	ServerName   string `json:"serverName"`
	DatabaseName string `json:"databaseName"`
	SchemaName   string `json:"schemaName"`
	TableName    string `json:"tableName"`
	PolicyName   string `json:"policyName"`
}

func (s *Server) handleAdminDeleteRLSPolicy(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	policyID := chi.URLParam(r, "policyID")
	var body deleteRLSPolicyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}

	if err := s.admin.DeactivateRLSPolicy(body.ServerName, body.DatabaseName, body.SchemaName, body.TableName, policyID, body.PolicyName); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"policyId": policyID, "isActive": false}, nil, nil)
}

func (s *Server) handleAdminListRLSPolicyTemplates(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	templates, err := s.admin.ListRLSPolicyTemplates()
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, templates, nil, nil)
}

// --- PG users -------------------------------------------------------------------------

func (s *Server) handleAdminListPGUsers(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	userID := r.URL.Query().Get("userId")
	users, err := s.admin.ListPGUsers(userID)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, users, nil, nil)
}

type deletePGUserBody struct {
	UserID       string `json:"userId"`
	DatabaseName string `json:"databaseName"`
	ServerName   string `json:"serverName"`
}

type resetPGUserPasswordBody struct {
	UserID       string `json:"userId"`
	ServerName   string `json:"serverName"`
	DatabaseName string `json:"databaseName"`
}

// handleAdminResetPGUserPassword rotates a native role's password and
// evicts any cached pool for the pair, so the next data-plane request
// reconnects under the fresh credentials.
func (s *Server) handleAdminResetPGUserPassword(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body resetPGUserPasswordBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.UserID == "" || body.ServerName == "" || body.DatabaseName == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "userId, serverName, and databaseName are required"))
		return
	}

	rotated, err := s.admin.ResetPGUserPassword(body.UserID, body.ServerName, body.DatabaseName)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	s.pools.EvictForUser(body.UserID, body.DatabaseName)

	writeSuccess(w, r, started, http.StatusOK, rotated, nil, nil)
}

func (s *Server) handleAdminDeletePGUser(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body deletePGUserBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}

	if err := s.admin.DeletePGUserFor(body.UserID, body.DatabaseName, body.ServerName); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"status": "dropped"}, nil, nil)
}
