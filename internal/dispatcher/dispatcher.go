// Package dispatcher implements the SQL dispatcher: structured CRUD, DDL,
// and raw-SQL request handling against a target database connection.
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/identifier"
)

// MaxQueryTimeout is the hard ceiling applied to every request-supplied
// timeout, regardless of what the caller asks for.
const MaxQueryTimeout = 60 * time.Second

// RawSQLParameter is the single shape every raw-SQL parameter takes: a
// value plus the caller's declared type, coerced before binding.
type RawSQLParameter struct {
	Type  string
	Value any
}

// CoerceParameter converts p.Value to the Go type implied by p.Type,
// falling back to string for any type name it does not recognize.
func CoerceParameter(index int, p RawSQLParameter) (any, error) {
	raw := fmt.Sprintf("%v", p.Value)

	switch strings.ToLower(p.Type) {
	case "int", "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, apierr.New(apierr.CodeParameterInvalid, "parameter %d: cannot convert %q to int", index, raw)
		}
		return n, nil
	case "float", "decimal", "numeric", "real", "double":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, apierr.New(apierr.CodeParameterInvalid, "parameter %d: cannot convert %q to float", index, raw)
		}
		return f, nil
	case "bool", "boolean":
		switch strings.ToLower(raw) {
		case "true", "1", "yes", "t", "y":
			return true, nil
		case "false", "0", "no", "f", "n":
			return false, nil
		default:
			return nil, apierr.New(apierr.CodeParameterInvalid, "parameter %d: cannot convert %q to bool", index, raw)
		}
	case "date", "datetime", "timestamp", "timestamptz":
		return raw, nil
	case "json":
		if s, ok := p.Value.(string); ok {
			return s, nil
		}
		encoded, err := json.Marshal(p.Value)
		if err != nil {
			return nil, apierr.New(apierr.CodeParameterInvalid, "parameter %d: cannot encode value as json", index)
		}
		return string(encoded), nil
	case "string", "text", "varchar", "char", "":
		return raw, nil
	default:
		return raw, nil
	}
}

// CoerceParameters applies CoerceParameter to every element, returning the
// first conversion error it encounters.
func CoerceParameters(params []RawSQLParameter) ([]any, error) {
	out := make([]any, len(params))
	for i, p := range params {
		v, err := CoerceParameter(i, p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// blockedStatementPattern matches statements that must never run through
// the raw-SQL path regardless of the caller's grants.
var blockedStatementPattern = regexp.MustCompile(`(?i)\b(DROP\s+DATABASE|CREATE\s+DATABASE|ALTER\s+DATABASE|GRANT|REVOKE|CREATE\s+USER|DROP\s+USER|ALTER\s+USER|CREATE\s+ROLE|DROP\s+ROLE|ALTER\s+ROLE)\b`)

// IsBlocked reports whether query contains a statement the block list
// forbids.
func IsBlocked(query string) bool {
	return blockedStatementPattern.MatchString(query)
}

var firstKeywordPattern = regexp.MustCompile(`(?i)^\s*([A-Za-z]+)`)

// ClassifyOperation extracts the first keyword of query and lower-cases it
// into one of the recognized operation names, or "unknown".
func ClassifyOperation(query string) string {
	match := firstKeywordPattern.FindStringSubmatch(query)
	if match == nil {
		return "unknown"
	}
	switch strings.ToLower(match[1]) {
	case "select", "insert", "update", "delete", "create", "alter", "drop", "truncate":
		return strings.ToLower(match[1])
	default:
		return "unknown"
	}
}

var schemaExtractionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([A-Za-z_][A-Za-z0-9_]*)\.`),
	regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE|DELETE\s+FROM|INSERT\s+INTO|DROP\s+TABLE|ALTER\s+TABLE)\s+([A-Za-z_][A-Za-z0-9_]*)\.`),
	regexp.MustCompile(`(?i)\bTABLE\s+([A-Za-z_][A-Za-z0-9_]*)\.`),
}

// DefaultSchema is used whenever a raw-SQL statement names no schema at
// all.
const DefaultSchema = "public"

// ExtractSchema finds the first schema-qualified table reference in query,
// defaulting to DefaultSchema when none is found.
func ExtractSchema(query string) string {
	for _, pattern := range schemaExtractionPatterns {
		if match := pattern.FindStringSubmatch(query); match != nil {
			return match[1]
		}
	}
	return DefaultSchema
}

// QueryResult is the normalized shape every dispatcher operation returns.
type QueryResult struct {
	Columns      []string
	Rows         []map[string]any
	RowsAffected int64
}

// boundedTimeout clamps a caller-requested timeout to MaxQueryTimeout.
func boundedTimeout(requested time.Duration) time.Duration {
	if requested <= 0 || requested > MaxQueryTimeout {
		return MaxQueryTimeout
	}
	return requested
}

// ExecuteRawSQL runs query against db after the block-list and
// authorization checks have already passed, returning rows for SELECT (or
// any statement with a RETURNING clause) and an affected-row count
// otherwise.
func ExecuteRawSQL(ctx context.Context, db *sql.DB, query string, params []RawSQLParameter, readOnly bool, timeout time.Duration) (*QueryResult, error) {
	if IsBlocked(query) {
		return nil, apierr.New(apierr.CodeBlockedSQL, "statement is not permitted through the query endpoint")
	}

	op := ClassifyOperation(query)
	if readOnly && op != "select" {
		return nil, apierr.New(apierr.CodeNotReadOnly, "readOnly request must be a SELECT statement")
	}

	values, err := CoerceParameters(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, boundedTimeout(timeout))
	defer cancel()

	returnsRows := op == "select" || strings.Contains(strings.ToUpper(query), "RETURNING")
	if returnsRows {
		result, err := queryRows(ctx, db, query, values...)
		if err != nil {
			return nil, wrapTargetError(err, query)
		}
		return result, nil
	}

	res, err := db.ExecContext(ctx, query, values...)
	if err != nil {
		return nil, wrapTargetError(err, query)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrapTargetError(err, query)
	}
	return &QueryResult{RowsAffected: n}, nil
}

const queryPreviewLength = 100

// wrapTargetError maps a driver failure to the taxonomy: a deadline
// expiry becomes QueryTimeout, anything else becomes TargetError carrying
// a truncated preview of the offending query.
func wrapTargetError(err error, query string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.New(apierr.CodeQueryTimeout, "query exceeded its time limit")
	}
	preview := query
	if len(preview) > queryPreviewLength {
		preview = preview[:queryPreviewLength]
	}
	return apierr.New(apierr.CodeTargetError, "%v", err).WithDetails(map[string]any{"query": preview})
}

func queryRows(ctx context.Context, db *sql.DB, query string, args ...any) (*QueryResult, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		scanTargets := make([]any, len(columns))
		scanValues := make([]any, len(columns))
		for i := range scanTargets {
			scanTargets[i] = &scanValues[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = scanValues[i]
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

// Filter is a single WHERE-clause predicate for the structured CRUD path,
// built only from caller-identified columns and values, never from raw
// caller SQL.
type Filter struct {
	Column string
	Op     string
	Value  any
}

var allowedFilterOps = map[string]string{
	"eq": "=", "neq": "!=", "gt": ">", "gte": ">=", "lt": "<", "lte": "<=",
}

func buildWhereClause(filters []Filter, paramOffset int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for i, f := range filters {
		if err := identifier.Validate(f.Column); err != nil {
			return "", nil, apierr.New(apierr.CodeIdentifierInvalid, "invalid filter column %q: %v", f.Column, err)
		}
		op, ok := allowedFilterOps[strings.ToLower(f.Op)]
		if !ok {
			return "", nil, apierr.New(apierr.CodeParameterInvalid, "unsupported filter operator %q", f.Op)
		}
		clauses = append(clauses, fmt.Sprintf("%q %s $%d", f.Column, op, paramOffset+i+1))
		args = append(args, f.Value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// Select runs a structured read against schema.table, applying filters and
// an optional limit/offset. Every column named in columns and filters is
// identifier-validated before being embedded into the statement.
func Select(ctx context.Context, db *sql.DB, schema, table string, columns []string, filters []Filter, limit, offset int) (*QueryResult, error) {
	if err := identifier.ValidateAll(append([]string{schema, table}, columns...)...); err != nil {
		return nil, apierr.New(apierr.CodeIdentifierInvalid, "%v", err)
	}

	selected := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = fmt.Sprintf("%q", c)
		}
		selected = strings.Join(quoted, ", ")
	}

	where, args, err := buildWhereClause(filters, 0)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %q.%q%s`, selected, schema, table, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}

	return queryRows(ctx, db, query, args...)
}

// Insert runs a structured create against schema.table with the given
// column/value pairs.
func Insert(ctx context.Context, db *sql.DB, schema, table string, values map[string]any) (*QueryResult, error) {
	columns := make([]string, 0, len(values))
	for c := range values {
		columns = append(columns, c)
	}
	if err := identifier.ValidateAll(append([]string{schema, table}, columns...)...); err != nil {
		return nil, apierr.New(apierr.CodeIdentifierInvalid, "%v", err)
	}

	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	quotedColumns := make([]string, len(columns))
	for i, c := range columns {
		quotedColumns[i] = fmt.Sprintf("%q", c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[c]
	}

	query := fmt.Sprintf(`INSERT INTO %q.%q (%s) VALUES (%s) RETURNING *`,
		schema, table, strings.Join(quotedColumns, ", "), strings.Join(placeholders, ", "))
	return queryRows(ctx, db, query, args...)
}

// Update runs a structured update against schema.table. filters must be
// non-empty; an unfiltered UPDATE is rejected rather than silently
// touching every row.
func Update(ctx context.Context, db *sql.DB, schema, table string, values map[string]any, filters []Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, apierr.New(apierr.CodeMissingWhereClause, "UPDATE requires at least one filter")
	}

	columns := make([]string, 0, len(values))
	for c := range values {
		columns = append(columns, c)
	}
	if err := identifier.ValidateAll(append([]string{schema, table}, columns...)...); err != nil {
		return 0, apierr.New(apierr.CodeIdentifierInvalid, "%v", err)
	}

	setClauses := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		setClauses[i] = fmt.Sprintf("%q = $%d", c, i+1)
		args[i] = values[c]
	}

	where, whereArgs, err := buildWhereClause(filters, len(columns))
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf(`UPDATE %q.%q SET %s%s`, schema, table, strings.Join(setClauses, ", "), where)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete runs a structured delete against schema.table. filters must be
// non-empty, the same unfiltered-mutation guard as Update.
func Delete(ctx context.Context, db *sql.DB, schema, table string, filters []Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, apierr.New(apierr.CodeMissingWhereClause, "DELETE requires at least one filter")
	}
	if err := identifier.ValidateAll(schema, table); err != nil {
		return 0, apierr.New(apierr.CodeIdentifierInvalid, "%v", err)
	}

	where, args, err := buildWhereClause(filters, 0)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`DELETE FROM %q.%q%s`, schema, table, where)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
