package audit_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/lager"
	"github.com/stretchr/testify/require"

	"github.com/collation-ai/vibe-access-plane/internal/audit"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []*catalog.AuditLogEntry
	failNext bool
}

func (f *fakeStore) InsertAuditLog(e *catalog.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("boom")
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestLogWritesEntryAsynchronously(t *testing.T) {
	store := &fakeStore{}
	rec := audit.New(store, lager.NewLogger("audit-test"))

	rec.Log(audit.Event{Endpoint: "/query", Method: "POST", ResponseStatus: 200, ExecutionTimeMs: 12})

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
}

func TestLogSwallowsStoreFailure(t *testing.T) {
	store := &fakeStore{failNext: true}
	rec := audit.New(store, lager.NewLogger("audit-test"))

	rec.Log(audit.Event{Endpoint: "/query", Method: "POST", ResponseStatus: 500})

	// The call must return immediately regardless of the eventual write
	// outcome; there is nothing further to assert from the caller's side.
}
