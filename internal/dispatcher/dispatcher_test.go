package dispatcher_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/collation-ai/vibe-access-plane/internal/dispatcher"
)

func TestClassifyOperation(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                        "select",
		"  insert into t values (1)":      "insert",
		"UPDATE t SET x = 1":              "update",
		"delete from t":                   "delete",
		"CREATE TABLE t (id int)":         "create",
		"ALTER TABLE t ADD COLUMN y int":  "alter",
		"DROP TABLE t":                    "drop",
		"TRUNCATE t":                      "truncate",
		"????":                            "unknown",
		"VACUUM t":                        "unknown",
	}
	for query, want := range cases {
		assert.Equal(t, want, dispatcher.ClassifyOperation(query), "query=%q", query)
	}
}

func TestIsBlocked(t *testing.T) {
	blocked := []string{
		"DROP DATABASE analytics",
		"grant select on t to u",
		"  REVOKE all on t from u",
		"CREATE USER bob",
		"alter role bob with password 'x'",
	}
	for _, q := range blocked {
		assert.True(t, dispatcher.IsBlocked(q), "expected blocked: %q", q)
	}

	assert.False(t, dispatcher.IsBlocked("SELECT * FROM t"))
}

func TestExtractSchema(t *testing.T) {
	cases := map[string]string{
		"CREATE TABLE IF NOT EXISTS analytics.orders (id int)": "analytics",
		"SELECT * FROM analytics.orders":                        "analytics",
		"INSERT INTO billing.invoices VALUES (1)":                "billing",
		"DELETE FROM public.t WHERE id = 1":                      "public",
		"SELECT 1":                                               dispatcher.DefaultSchema,
	}
	for query, want := range cases {
		assert.Equal(t, want, dispatcher.ExtractSchema(query), "query=%q", query)
	}
}

func TestCoerceParameter(t *testing.T) {
	n, err := dispatcher.CoerceParameter(0, dispatcher.RawSQLParameter{Type: "int", Value: "42"})
	assert.NoError(t, err)
	assert.Equal(t, int64(42), n)

	b, err := dispatcher.CoerceParameter(0, dispatcher.RawSQLParameter{Type: "bool", Value: "yes"})
	assert.NoError(t, err)
	assert.Equal(t, true, b)

	f, err := dispatcher.CoerceParameter(0, dispatcher.RawSQLParameter{Type: "float", Value: "3.14"})
	assert.NoError(t, err)
	assert.Equal(t, 3.14, f)

	s, err := dispatcher.CoerceParameter(0, dispatcher.RawSQLParameter{Type: "unknown_type", Value: "raw"})
	assert.NoError(t, err)
	assert.Equal(t, "raw", s)

	_, err = dispatcher.CoerceParameter(2, dispatcher.RawSQLParameter{Type: "int", Value: "not-a-number"})
	assert.Error(t, err)
}

func TestCoerceParameterJSON(t *testing.T) {
	j, err := dispatcher.CoerceParameter(0, dispatcher.RawSQLParameter{Type: "json", Value: map[string]any{"a": float64(1)}})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, j.(string))

	passthrough, err := dispatcher.CoerceParameter(0, dispatcher.RawSQLParameter{Type: "json", Value: `{"b":2}`})
	assert.NoError(t, err)
	assert.Equal(t, `{"b":2}`, passthrough)
}
