package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/audit"
	"github.com/collation-ai/vibe-access-plane/internal/auth"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
)

type contextKey string

const (
	identityContextKey contextKey = "identity"
	startTimeContextKey contextKey = "start-time"
)

// identityFromContext retrieves the *auth.Result a prior call to
// requireAuth stashed on the request context.
func identityFromContext(ctx context.Context) (*auth.Result, bool) {
	identity, ok := ctx.Value(identityContextKey).(*auth.Result)
	return identity, ok
}

// stampRequestStart records the time the request entered the server, read
// back by requestStart so every handler's Metadata.ExecutionTimeMs is
// measured from the same point regardless of how much middleware ran
// before it.
func stampRequestStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), startTimeContextKey, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestStart(r *http.Request) time.Time {
	if t, ok := r.Context().Value(startTimeContextKey).(time.Time); ok {
		return t
	}
	return time.Now()
}

// requireAuth runs the Authenticator (C5) over the inbound X-API-Key and
// optional X-User-Id delegation header, rejecting the request before it
// reaches any handler if authentication fails. Every route this server
// registers except /health passes through it, satisfying the universal
// invariant that a 2xx response implies the Authenticator ran.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := requestStart(r)
		plaintext := r.Header.Get("X-API-Key")
		delegated := r.Header.Get("X-User-Id")

		identity, err := s.authenticator.Authenticate(plaintext, delegated)
		if err != nil {
			writeError(w, r, started, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusCapturingWriter records the status code a handler wrote so the
// audit middleware can report it without every handler threading the
// value back out.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// auditRequest wraps every route but /health with a best-effort audit
// write (C11), firing after the handler completes so it always has the
// final status code, including the 4xx/5xx responses writeError produces.
// It runs outside requireAuth so unauthenticated attempts (a missing or
// bad API key) are recorded too, matching the recorder's "append-only log
// for every request" contract.
func (s *Server) auditRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := requestStart(r)
		captured := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(captured, r)

		var userID, apiKeyID string
		if identity, ok := identityFromContext(r.Context()); ok {
			userID = identity.EffectiveUserID
			if identity.APIKey != nil {
				apiKeyID = identity.APIKey.ID
			}
		}
		s.audit.Log(audit.Event{
			UserID:          userID,
			APIKeyID:        apiKeyID,
			Endpoint:        r.URL.Path,
			Method:          r.Method,
			Schema:          chi.URLParam(r, "schema"),
			Table:           firstNonEmpty(chi.URLParam(r, "table"), chi.URLParam(r, "tableID")),
			Operation:       r.Method,
			ResponseStatus:  captured.status,
			ExecutionTimeMs: time.Since(started).Milliseconds(),
		})
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// guardMasterDB enforces the API-boundary half of the master_db invariant:
// any grant/assignment/PG-user request naming the catalog database is
// rejected with 403 before it reaches the Permission Materializer's own
// (second) guard.
func guardMasterDB(databaseName string) error {
	if strings.EqualFold(databaseName, catalog.MasterDatabaseName) {
		return apierr.New(apierr.CodeInvariantViolation, "database %q is the catalog database and cannot be assigned", databaseName)
	}
	return nil
}
