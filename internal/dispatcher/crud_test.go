package dispatcher_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/collation-ai/vibe-access-plane/internal/dispatcher"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	host := getEnvOrDefault("POSTGRESQL_HOSTNAME", "localhost")
	port := getEnvOrDefault("POSTGRESQL_PORT", "5432")
	user := getEnvOrDefault("POSTGRESQL_USERNAME", "postgres")
	password := getEnvOrDefault("POSTGRESQL_PASSWORD", "")
	dbname := getEnvOrDefault("POSTGRESQL_DBNAME", "postgres")

	db, err := sql.Open("postgres", fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStructuredCRUDRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS dispatcher_crud_test (id serial primary key, name text)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Exec(`DROP TABLE IF EXISTS dispatcher_crud_test`) })

	inserted, err := dispatcher.Insert(ctx, db, "public", "dispatcher_crud_test", map[string]any{"name": "alice"})
	require.NoError(t, err)
	require.Len(t, inserted.Rows, 1)
	id := inserted.Rows[0]["id"]

	selected, err := dispatcher.Select(ctx, db, "public", "dispatcher_crud_test", nil,
		[]dispatcher.Filter{{Column: "name", Op: "eq", Value: "alice"}}, 10, 0)
	require.NoError(t, err)
	require.Len(t, selected.Rows, 1)

	n, err := dispatcher.Update(ctx, db, "public", "dispatcher_crud_test",
		map[string]any{"name": "alice2"},
		[]dispatcher.Filter{{Column: "id", Op: "eq", Value: id}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = dispatcher.Delete(ctx, db, "public", "dispatcher_crud_test",
		[]dispatcher.Filter{{Column: "id", Op: "eq", Value: id}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestUpdateWithoutFiltersRejected(t *testing.T) {
	db := openTestDB(t)
	_, err := dispatcher.Update(context.Background(), db, "public", "dispatcher_crud_test", map[string]any{"name": "x"}, nil)
	require.Error(t, err)
}

func TestDeleteWithoutFiltersRejected(t *testing.T) {
	db := openTestDB(t)
	_, err := dispatcher.Delete(context.Background(), db, "public", "dispatcher_crud_test", nil)
	require.Error(t, err)
}
