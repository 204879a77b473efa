// Package audit implements the audit recorder: a non-blocking,
// best-effort append-only write for every request, paired with a lager
// log line.
package audit

import (
	"time"

	"code.cloudfoundry.org/lager"

	"github.com/collation-ai/vibe-access-plane/internal/catalog"
)

// Store is the subset of internal/catalog.Store the recorder needs.
type Store interface {
	InsertAuditLog(e *catalog.AuditLogEntry) error
}

// Recorder writes audit entries asynchronously; a write failure is logged
// and otherwise invisible to the caller, so audit trouble never changes
// the outcome of the request that triggered it.
type Recorder struct {
	store  Store
	logger lager.Logger
}

// New builds a Recorder over a catalog store.
func New(store Store, logger lager.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.Session("audit")}
}

// Event is the information a request handler has on hand when it finishes,
// independent of the catalog's column layout.
type Event struct {
	UserID          string
	APIKeyID        string
	Endpoint        string
	Method          string
	Database        string
	Schema          string
	Table           string
	Operation       string
	RequestBody     string
	ResponseStatus  int
	ErrorMessage    string
	ExecutionTimeMs int64
}

// Log fires off the catalog write in its own goroutine so a slow or failed
// audit write never adds latency or an error to the request that
// triggered it. A cancelled request still attempts this best-effort
// write; callers should call Log synchronously relative to the handler's
// own lifetime, not pass in a context the handler is about to cancel.
func (r *Recorder) Log(e Event) {
	go r.write(e)
}

func (r *Recorder) write(e Event) {
	entry := &catalog.AuditLogEntry{
		UserID:          e.UserID,
		APIKeyID:        e.APIKeyID,
		Endpoint:        e.Endpoint,
		Method:          e.Method,
		Database:        e.Database,
		Schema:          e.Schema,
		Table:           e.Table,
		Operation:       e.Operation,
		RequestBody:     e.RequestBody,
		ResponseStatus:  e.ResponseStatus,
		ErrorMessage:    e.ErrorMessage,
		ExecutionTimeMs: e.ExecutionTimeMs,
		CreatedAt:       time.Now().UTC(),
	}

	r.logger.Debug("write", lager.Data{
		"endpoint": e.Endpoint,
		"method":   e.Method,
		"status":   e.ResponseStatus,
	})
	if err := r.store.InsertAuditLog(entry); err != nil {
		r.logger.Error("write.failed", err, lager.Data{"endpoint": e.Endpoint})
	}
}
