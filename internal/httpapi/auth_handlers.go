package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/authz"
)

// handleAuthValidate returns the resolved identity and its permission set
// for the caller's own API key.
func (s *Server) handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())

	permissions, err := s.effectivePermissions(identity.EffectiveUserID)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	writeSuccess(w, r, started, http.StatusOK, map[string]any{
		"userId":    identity.EffectiveUserID,
		"delegated": identity.Delegated,
		"permissions": permissions,
	}, nil, nil)
}

// databasePermission is the per-(database, schema) shape GET
// /auth/permissions returns, including the implicit information_schema
// entry every assigned database carries.
type databasePermission struct {
	Database   string `json:"database"`
	Schema     string `json:"schema"`
	Permission string `json:"permission"`
}

func (s *Server) effectivePermissions(userID string) (map[string]any, error) {
	assignments, err := s.store.ListDatabaseAssignmentsForUser(userID)
	if err != nil {
		return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
	}

	databases := make([]string, 0, len(assignments))
	var permissions []databasePermission
	for _, a := range assignments {
		databases = append(databases, a.DatabaseName)

		grants, err := s.store.ListSchemaGrantsForUser(userID, a.DatabaseName)
		if err != nil {
			return nil, apierr.New(apierr.CodeCatalogError, "%v", err)
		}
		for _, g := range grants {
			permissions = append(permissions, databasePermission{
				Database: a.DatabaseName, Schema: g.SchemaName, Permission: string(g.Permission),
			})
		}
		permissions = append(permissions, databasePermission{
			Database: a.DatabaseName, Schema: authz.InformationSchemaName, Permission: string(readOnlyPermission),
		})
	}

	return map[string]any{"databases": databases, "permissions": permissions}, nil
}

const readOnlyPermission = "read_only"

// handleAuthPermissions is the GET sibling of handleAuthValidate.
func (s *Server) handleAuthPermissions(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())

	permissions, err := s.effectivePermissions(identity.EffectiveUserID)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, permissions, nil, nil)
}

type requestPasswordResetBody struct {
	Email string `json:"email"`
}

// handleRequestPasswordReset always reports generic success regardless of
// whether email matches an account, so the endpoint cannot be used to
// probe which addresses have accounts.
func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body requestPasswordResetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "invalid request body"))
		return
	}

	s.pwlifecycle.RequestPasswordReset(body.Email, clientIP(r), r.UserAgent())
	writeSuccess(w, r, started, http.StatusOK, map[string]any{
		"message": "if an account with that email exists, a reset link has been sent",
	}, nil, nil)
}

type resetPasswordBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// handleResetPassword consumes a plaintext reset token and rotates the
// account's password.
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	var body resetPasswordBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "invalid request body"))
		return
	}
	if body.Token == "" || body.NewPassword == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "token and newPassword are required"))
		return
	}

	if err := s.pwlifecycle.ResetPassword(body.Token, body.NewPassword); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"message": "password reset"}, nil, nil)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}
