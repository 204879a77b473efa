package httpapi

import (
	"database/sql"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/authz"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/dispatcher"
	"github.com/collation-ai/vibe-access-plane/internal/identifier"
)

// resolveTargetPool decrypts the caller's assignment connection string for
// databaseName and returns the (userID, database)-keyed pool from it, so
// SQL runs under the caller's own PostgreSQL identity rather than the
// admin-credential path internal/admin uses.
func (s *Server) resolveTargetPool(userID, databaseName string) (*sql.DB, error) {
	if err := identifier.Validate(databaseName); err != nil {
		return nil, apierr.New(apierr.CodeIdentifierInvalid, "%v", err)
	}
	assignment, err := s.store.GetDatabaseAssignment(userID, databaseName)
	if err != nil {
		return nil, apierr.New(apierr.CodeAuthzDenied, "no assignment for database %q", databaseName)
	}
	connString, err := s.vault.Decrypt(assignment.ConnectionStringEncrypted)
	if err != nil {
		return nil, apierr.New(apierr.CodeCredentialUnreadable, "%v", err)
	}
	db, err := s.pools.GetForUser(userID, databaseName, connString)
	if err != nil {
		return nil, apierr.New(apierr.CodeTargetError, "%v", err)
	}
	return db, nil
}

func decorateDatabase(database string) func(*Metadata) {
	return func(m *Metadata) { m.Database = database }
}

func decorateDatabaseSchemaTable(database, schema, table string) func(*Metadata) {
	return func(m *Metadata) {
		m.Database = database
		m.Schema = schema
		m.Table = table
	}
}

// authorizeSchema runs authz.May against this request's own schema grants,
// translating a denial into the 403 the HTTP surface returns.
func (s *Server) authorizeSchema(userID, database, schema, op string) error {
	grants, err := s.store.ListSchemaGrantsForUser(userID, database)
	if err != nil {
		return apierr.New(apierr.CodeCatalogError, "%v", err)
	}
	lookup := func(_, _, schemaName string) (catalog.SchemaPermission, bool) {
		for _, g := range grants {
			if g.SchemaName == schemaName {
				return g.Permission, true
			}
		}
		return "", false
	}
	if !authz.May(userID, database, schema, op, lookup) {
		return apierr.New(apierr.CodeAuthzDenied, "user is not authorized to %s on %s.%s", op, database, schema)
	}
	return nil
}

// --- DDL (/tables) -------------------------------------------------------------

// allowedColumnType bounds the free-text column-type string a caller can
// embed directly into CREATE TABLE, e.g. "integer" or "character varying(255)".
var allowedColumnType = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]{0,40}(\([0-9]+(,\s*[0-9]+)?\))?$`)

type columnDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	database := r.URL.Query().Get("database")
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = dispatcher.DefaultSchema
	}
	if database == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database is required"))
		return
	}
	if err := identifier.Validate(schema); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeIdentifierInvalid, "%v", err))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, database, schema, "list"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	result, err := dispatcher.ExecuteRawSQL(r.Context(), db,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name`,
		[]dispatcher.RawSQLParameter{{Type: "string", Value: schema}}, true, 30*time.Second)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	tables := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if name, ok := row["table_name"].(string); ok {
			tables = append(tables, name)
		}
	}
	writeSuccess(w, r, started, http.StatusOK, tables, decorateDatabase(database), nil)
}

type createTableBody struct {
	Database string      `json:"database"`
	Schema   string      `json:"schema"`
	Table    string      `json:"table"`
	Columns  []columnDef `json:"columns"`
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	var body createTableBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.Schema == "" {
		body.Schema = dispatcher.DefaultSchema
	}
	if body.Database == "" || body.Table == "" || len(body.Columns) == 0 {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database, table, and at least one column are required"))
		return
	}

	names := []string{body.Schema, body.Table}
	for _, c := range body.Columns {
		names = append(names, c.Name)
	}
	if err := identifier.ValidateAllStrict(names...); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeIdentifierInvalid, "%v", err))
		return
	}

	colDefs := make([]string, len(body.Columns))
	for i, c := range body.Columns {
		if !allowedColumnType.MatchString(c.Type) {
			writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "unsupported column type %q", c.Type))
			return
		}
		def := fmt.Sprintf("%q %s", c.Name, c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		if c.Default != "" {
			def += " DEFAULT " + c.Default
		}
		colDefs[i] = def
	}

	if err := s.authorizeSchema(identity.EffectiveUserID, body.Database, body.Schema, "create"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, body.Database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	ddl := fmt.Sprintf(`CREATE TABLE %q.%q (%s)`, body.Schema, body.Table, strings.Join(colDefs, ", "))
	if _, err := db.ExecContext(r.Context(), ddl); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeTargetError, "%v", err))
		return
	}
	writeSuccess(w, r, started, http.StatusCreated,
		map[string]any{"schema": body.Schema, "table": body.Table},
		decorateDatabaseSchemaTable(body.Database, body.Schema, body.Table), nil)
}

func (s *Server) handleDescribeTable(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	table := chi.URLParam(r, "table")
	database := r.URL.Query().Get("database")
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = dispatcher.DefaultSchema
	}
	if database == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database is required"))
		return
	}
	if err := identifier.ValidateAll(schema, table); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeIdentifierInvalid, "%v", err))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, database, schema, "describe"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	result, err := dispatcher.ExecuteRawSQL(r.Context(), db,
		`SELECT column_name, data_type, is_nullable, column_default FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`,
		[]dispatcher.RawSQLParameter{{Type: "string", Value: schema}, {Type: "string", Value: table}}, true, 30*time.Second)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	if len(result.Rows) == 0 {
		writeError(w, r, started, apierr.New(apierr.CodeNotFound, "table %q.%q not found", schema, table))
		return
	}
	writeSuccess(w, r, started, http.StatusOK, result.Rows, decorateDatabaseSchemaTable(database, schema, table), nil)
}

func (s *Server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	table := chi.URLParam(r, "table")
	database := r.URL.Query().Get("database")
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = dispatcher.DefaultSchema
	}
	if database == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database is required"))
		return
	}
	if err := identifier.ValidateAllStrict(schema, table); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeIdentifierInvalid, "%v", err))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, database, schema, "drop"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	ddl := fmt.Sprintf(`DROP TABLE %q.%q`, schema, table)
	if _, err := db.ExecContext(r.Context(), ddl); err != nil {
		writeError(w, r, started, apierr.New(apierr.CodeTargetError, "%v", err))
		return
	}
	writeSuccess(w, r, started, http.StatusOK,
		map[string]any{"schema": schema, "table": table, "dropped": true},
		decorateDatabaseSchemaTable(database, schema, table), nil)
}

// --- Structured CRUD (/data/{schema}/{table}) ------------------------------------

func parseFilters(r *http.Request) []dispatcher.Filter {
	var filters []dispatcher.Filter
	for _, raw := range r.URL.Query()["filter"] {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			continue
		}
		filters = append(filters, dispatcher.Filter{Column: parts[0], Op: parts[1], Value: parts[2]})
	}
	return filters
}

func (s *Server) handleStructuredSelect(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	schema := chi.URLParam(r, "schema")
	table := chi.URLParam(r, "table")
	database := r.URL.Query().Get("database")
	if database == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database is required"))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, database, schema, "select"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	var columns []string
	if raw := r.URL.Query().Get("columns"); raw != "" {
		columns = strings.Split(raw, ",")
	}
	limit := queryInt(r, "limit", s.cfg.DefaultPageSize)
	if limit > s.cfg.MaxRowsPerQuery {
		limit = s.cfg.MaxRowsPerQuery
	}
	offset := queryInt(r, "offset", 0)

	result, err := dispatcher.Select(r.Context(), db, schema, table, columns, parseFilters(r), limit, offset)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, result.Rows,
		decorateDatabaseSchemaTable(database, schema, table),
		&Pagination{Limit: limit, Offset: offset, Total: len(result.Rows)})
}

type structuredWriteBody struct {
	Database string         `json:"database"`
	Values   map[string]any `json:"values"`
	Filters  []struct {
		Column string `json:"column"`
		Op     string `json:"op"`
		Value  any    `json:"value"`
	} `json:"filters"`
}

func (b structuredWriteBody) toFilters() []dispatcher.Filter {
	out := make([]dispatcher.Filter, len(b.Filters))
	for i, f := range b.Filters {
		out[i] = dispatcher.Filter{Column: f.Column, Op: f.Op, Value: f.Value}
	}
	return out
}

func (s *Server) handleStructuredInsert(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	schema := chi.URLParam(r, "schema")
	table := chi.URLParam(r, "table")

	var body structuredWriteBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.Database == "" || len(body.Values) == 0 {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database and values are required"))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, body.Database, schema, "insert"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, body.Database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	result, err := dispatcher.Insert(r.Context(), db, schema, table, body.Values)
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusCreated, result.Rows, decorateDatabaseSchemaTable(body.Database, schema, table), nil)
}

func (s *Server) handleStructuredUpdate(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	schema := chi.URLParam(r, "schema")
	table := chi.URLParam(r, "table")

	var body structuredWriteBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.Database == "" || len(body.Values) == 0 {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database and values are required"))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, body.Database, schema, "update"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, body.Database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	affected, err := dispatcher.Update(r.Context(), db, schema, table, body.Values, body.toFilters())
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"rowsAffected": affected}, decorateDatabaseSchemaTable(body.Database, schema, table), nil)
}

func (s *Server) handleStructuredDelete(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())
	schema := chi.URLParam(r, "schema")
	table := chi.URLParam(r, "table")

	var body structuredWriteBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.Database == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database is required"))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, body.Database, schema, "delete"); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, body.Database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	affected, err := dispatcher.Delete(r.Context(), db, schema, table, body.toFilters())
	if err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"rowsAffected": affected}, decorateDatabaseSchemaTable(body.Database, schema, table), nil)
}

// --- Raw SQL (/query) ------------------------------------------------------------

type rawQueryParam struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type rawQueryBody struct {
	Database       string          `json:"database"`
	Query          string          `json:"query"`
	Params         []rawQueryParam `json:"params"`
	ReadOnly       bool            `json:"readOnly"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

func (s *Server) handleRawQuery(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	identity, _ := identityFromContext(r.Context())

	var body rawQueryBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, started, err)
		return
	}
	if body.Database == "" || body.Query == "" {
		writeError(w, r, started, apierr.New(apierr.CodeParameterInvalid, "database and query are required"))
		return
	}

	// The block list is checked before any grant lookup: a forbidden
	// statement is a 400 no matter who asks.
	if dispatcher.IsBlocked(body.Query) {
		writeError(w, r, started, apierr.New(apierr.CodeBlockedSQL, "statement is not permitted through the query endpoint"))
		return
	}

	schema := dispatcher.ExtractSchema(body.Query)
	op := dispatcher.ClassifyOperation(body.Query)
	if !authz.MayReadOnly(op, body.ReadOnly) {
		writeError(w, r, started, apierr.New(apierr.CodeNotReadOnly, "readOnly request must be a SELECT statement"))
		return
	}
	if err := s.authorizeSchema(identity.EffectiveUserID, body.Database, schema, op); err != nil {
		writeError(w, r, started, err)
		return
	}

	db, err := s.resolveTargetPool(identity.EffectiveUserID, body.Database)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	params := make([]dispatcher.RawSQLParameter, len(body.Params))
	for i, p := range body.Params {
		params[i] = dispatcher.RawSQLParameter{Type: p.Type, Value: p.Value}
	}
	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.MaxQueryTimeSeconds) * time.Second
	}

	result, err := dispatcher.ExecuteRawSQL(r.Context(), db, body.Query, params, body.ReadOnly, timeout)
	if err != nil {
		writeError(w, r, started, err)
		return
	}

	if len(result.Rows) > s.cfg.MaxRowsPerQuery {
		result.Rows = result.Rows[:s.cfg.MaxRowsPerQuery]
	}

	payload := map[string]any{"rowsAffected": result.RowsAffected}
	if result.Columns != nil {
		payload["columns"] = result.Columns
		payload["rows"] = result.Rows
	}
	writeSuccess(w, r, started, http.StatusOK, payload, decorateDatabaseSchemaTable(body.Database, schema, ""), nil)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
