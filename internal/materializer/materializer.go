// Package materializer translates catalog grant and policy rows into
// GRANT/REVOKE/CREATE POLICY SQL run against a target cluster. Every
// identifier is validated and quoted, never interpolated raw.
package materializer

import (
	"database/sql"
	"fmt"
	"strings"

	"code.cloudfoundry.org/lager"
	"github.com/lib/pq"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
	"github.com/collation-ai/vibe-access-plane/internal/catalog"
	"github.com/collation-ai/vibe-access-plane/internal/identifier"
)

// Materializer issues DDL against one target database's admin connection.
type Materializer struct {
	db     *sql.DB
	logger lager.Logger
}

// New wraps an admin connection already opened against a target database.
func New(db *sql.DB, logger lager.Logger) *Materializer {
	return &Materializer{db: db, logger: logger.Session("materializer")}
}

// guardNotMasterDB enforces the master_db invariant a second time at the
// Materializer's own entry points, independent of whatever check the HTTP
// boundary already performed. Every exported method takes the target
// database name purely to re-check it.
func guardNotMasterDB(databaseName string) error {
	if strings.EqualFold(databaseName, catalog.MasterDatabaseName) {
		return apierr.New(apierr.CodeInvariantViolation, "database %q is the catalog database and cannot be granted", databaseName)
	}
	return nil
}

// quotedIdent validates then quotes a single identifier before it is
// embedded into any dynamic statement.
func quotedIdent(name string) (string, error) {
	if err := identifier.ValidateStrict(name); err != nil {
		return "", err
	}
	return pq.QuoteIdentifier(name), nil
}

// qualifiedTable validates schema and table and returns "schema"."table".
func qualifiedTable(schema, table string) (string, error) {
	qSchema, err := quotedIdent(schema)
	if err != nil {
		return "", err
	}
	qTable, err := quotedIdent(table)
	if err != nil {
		return "", err
	}
	return qSchema + "." + qTable, nil
}

func (m *Materializer) exec(statement string) error {
	m.logger.Debug("exec", lager.Data{"statement": statement})
	if _, err := m.db.Exec(statement); err != nil {
		m.logger.Error("exec.sql-error", err)
		return err
	}
	return nil
}

// SchemaGrantOptions is the full verb-and-toggle shape a schema grant
// request carries, richer than the catalog's stored read_only/read_write
// enum: the materializer needs the applyToExisting/applyToFuture/
// createTable toggles even though SchemaGrant only persists the
// compressed permission level.
type SchemaGrantOptions struct {
	CanSelect     bool
	CanInsert     bool
	CanUpdate     bool
	CanDelete     bool
	CanTruncate   bool
	CanReferences bool
	CanTrigger    bool

	// ApplyToExisting grants the verb set on every table already in the
	// schema.
	ApplyToExisting bool
	// ApplyToFuture registers the same verb set as a default privilege for
	// tables created after this call.
	ApplyToFuture bool
	// CreateTable additionally grants CREATE on the schema itself.
	CreateTable bool
}

// SchemaGrantOptionsFromPermission derives the verb set a plain
// read_only/read_write SchemaGrant row implies, applying the grant to both
// existing and future tables and never granting CREATE — the shape every
// caller that only has the catalog's compressed enum should use.
func SchemaGrantOptionsFromPermission(permission catalog.SchemaPermission) SchemaGrantOptions {
	opts := SchemaGrantOptions{ApplyToExisting: true, ApplyToFuture: true, CanSelect: true}
	if permission == catalog.PermissionReadWrite {
		opts.CanInsert = true
		opts.CanUpdate = true
		opts.CanDelete = true
	}
	return opts
}

func verbList(opts SchemaGrantOptions) []string {
	var verbs []string
	if opts.CanSelect {
		verbs = append(verbs, "SELECT")
	}
	if opts.CanInsert {
		verbs = append(verbs, "INSERT")
	}
	if opts.CanUpdate {
		verbs = append(verbs, "UPDATE")
	}
	if opts.CanDelete {
		verbs = append(verbs, "DELETE")
	}
	if opts.CanTruncate {
		verbs = append(verbs, "TRUNCATE")
	}
	if opts.CanReferences {
		verbs = append(verbs, "REFERENCES")
	}
	if opts.CanTrigger {
		verbs = append(verbs, "TRIGGER")
	}
	return verbs
}

// ApplySchemaGrant grants USAGE on the schema unconditionally, then the
// requested verb set on existing and/or future tables per opts, plus
// sequence usage whenever INSERT or UPDATE is requested (so SERIAL/
// IDENTITY columns keep working) and CREATE on the schema when
// opts.CreateTable is set.
func (m *Materializer) ApplySchemaGrant(databaseName, schema, pgUsername string, opts SchemaGrantOptions) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	qSchema, err := quotedIdent(schema)
	if err != nil {
		return err
	}
	qUser, err := quotedIdent(pgUsername)
	if err != nil {
		return err
	}

	verbs := strings.Join(verbList(opts), ", ")

	statements := []string{fmt.Sprintf(`GRANT USAGE ON SCHEMA %s TO %s`, qSchema, qUser)}
	if verbs != "" {
		if opts.ApplyToExisting {
			statements = append(statements, fmt.Sprintf(`GRANT %s ON ALL TABLES IN SCHEMA %s TO %s`, verbs, qSchema, qUser))
		}
		if opts.ApplyToFuture {
			statements = append(statements, fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT %s ON TABLES TO %s`, qSchema, verbs, qUser))
		}
	}
	if opts.CanInsert || opts.CanUpdate {
		if opts.ApplyToExisting {
			statements = append(statements, fmt.Sprintf(`GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA %s TO %s`, qSchema, qUser))
		}
		if opts.ApplyToFuture {
			statements = append(statements, fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT USAGE, SELECT ON SEQUENCES TO %s`, qSchema, qUser))
		}
	}
	if opts.CreateTable {
		statements = append(statements, fmt.Sprintf(`GRANT CREATE ON SCHEMA %s TO %s`, qSchema, qUser))
	}

	for _, statement := range statements {
		if err := m.exec(statement); err != nil {
			return err
		}
	}
	return nil
}

// RevokeSchemaGrant undoes ApplySchemaGrant in full, including default
// privilege entries (table and sequence) and the CREATE grant, so future
// tables and sequences stop inheriting access regardless of which toggles
// the original grant used.
func (m *Materializer) RevokeSchemaGrant(databaseName, schema, pgUsername string) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	qSchema, err := quotedIdent(schema)
	if err != nil {
		return err
	}
	qUser, err := quotedIdent(pgUsername)
	if err != nil {
		return err
	}

	statements := []string{
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s REVOKE ALL ON TABLES FROM %s`, qSchema, qUser),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s REVOKE ALL ON SEQUENCES FROM %s`, qSchema, qUser),
		fmt.Sprintf(`REVOKE ALL ON ALL TABLES IN SCHEMA %s FROM %s`, qSchema, qUser),
		fmt.Sprintf(`REVOKE ALL ON ALL SEQUENCES IN SCHEMA %s FROM %s`, qSchema, qUser),
		fmt.Sprintf(`REVOKE CREATE ON SCHEMA %s FROM %s`, qSchema, qUser),
		fmt.Sprintf(`REVOKE USAGE ON SCHEMA %s FROM %s`, qSchema, qUser),
	}
	for _, statement := range statements {
		if err := m.exec(statement); err != nil {
			return err
		}
	}
	return nil
}

func tableVerbs(g *catalog.TableGrant) []string {
	var verbs []string
	if g.CanSelect {
		verbs = append(verbs, "SELECT")
	}
	if g.CanInsert {
		verbs = append(verbs, "INSERT")
	}
	if g.CanUpdate {
		verbs = append(verbs, "UPDATE")
	}
	if g.CanDelete {
		verbs = append(verbs, "DELETE")
	}
	if g.CanTruncate {
		verbs = append(verbs, "TRUNCATE")
	}
	if g.CanReferences {
		verbs = append(verbs, "REFERENCES")
	}
	if g.CanTrigger {
		verbs = append(verbs, "TRIGGER")
	}
	return verbs
}

// ApplyTableGrant grants USAGE on the containing schema, then exactly the
// verbs set on g at table granularity, plus column-level GRANTs wherever
// ColumnPermissions names a subset of columns.
func (m *Materializer) ApplyTableGrant(databaseName, pgUsername string, g *catalog.TableGrant) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	qSchema, err := quotedIdent(g.SchemaName)
	if err != nil {
		return err
	}
	qTable, err := qualifiedTable(g.SchemaName, g.TableName)
	if err != nil {
		return err
	}
	qUser, err := quotedIdent(pgUsername)
	if err != nil {
		return err
	}

	if err := m.exec(fmt.Sprintf(`GRANT USAGE ON SCHEMA %s TO %s`, qSchema, qUser)); err != nil {
		return err
	}

	verbs := tableVerbs(g)
	if len(verbs) > 0 {
		statement := fmt.Sprintf(`GRANT %s ON %s TO %s`, strings.Join(verbs, ", "), qTable, qUser)
		if err := m.exec(statement); err != nil {
			return err
		}
	}

	for column, columnVerbs := range g.ColumnPermissions {
		qColumn, err := quotedIdent(column)
		if err != nil {
			return err
		}
		statement := fmt.Sprintf(`GRANT %s (%s) ON %s TO %s`,
			strings.ToUpper(strings.Join(columnVerbs, ", ")), qColumn, qTable, qUser)
		if err := m.exec(statement); err != nil {
			return err
		}
	}
	return nil
}

// RevokeTableGrant removes every privilege a user holds on a table,
// column-level included.
func (m *Materializer) RevokeTableGrant(databaseName, schema, table, pgUsername string) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	qTable, err := qualifiedTable(schema, table)
	if err != nil {
		return err
	}
	qUser, err := quotedIdent(pgUsername)
	if err != nil {
		return err
	}
	return m.exec(fmt.Sprintf(`REVOKE ALL ON %s FROM %s`, qTable, qUser))
}

// EnableRowLevelSecurity turns on RLS enforcement for a table. Policies
// created before this runs are inert, so callers call this once before
// creating their first policy.
func (m *Materializer) EnableRowLevelSecurity(databaseName, schema, table string) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	qTable, err := qualifiedTable(schema, table)
	if err != nil {
		return err
	}
	return m.exec(fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, qTable))
}

// CreatePolicy materializes a row-level-security policy scoped to
// pgUsername's role. Expressions are caller-supplied SQL fragments, not
// identifiers, so they are embedded verbatim inside parentheses rather
// than quoted as identifiers or literals; only an administrator can reach
// this path. WITH CHECK is only emitted for policy types that can write a
// row (INSERT, UPDATE, ALL); USING is always emitted.
func (m *Materializer) CreatePolicy(databaseName, pgUsername string, p *catalog.RLSPolicy) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}
	switch p.PolicyType {
	case catalog.PolicySelect, catalog.PolicyInsert, catalog.PolicyUpdate, catalog.PolicyDelete, catalog.PolicyAll:
	default:
		return apierr.New(apierr.CodeParameterInvalid, "policy type %q is not one of SELECT, INSERT, UPDATE, DELETE, ALL", p.PolicyType)
	}
	switch p.CommandType {
	case catalog.CommandPermissive, catalog.CommandRestrictive:
	default:
		return apierr.New(apierr.CodeParameterInvalid, "command type %q is not PERMISSIVE or RESTRICTIVE", p.CommandType)
	}

	qTable, err := qualifiedTable(p.SchemaName, p.TableName)
	if err != nil {
		return err
	}
	qPolicy, err := quotedIdent(p.PolicyName)
	if err != nil {
		return err
	}
	qUser, err := quotedIdent(pgUsername)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, `CREATE POLICY %s ON %s AS %s FOR %s`, qPolicy, qTable, p.CommandType, p.PolicyType)
	fmt.Fprintf(&b, ` TO %s`, qUser)
	fmt.Fprintf(&b, ` USING (%s)`, p.UsingExpression)

	writesRows := p.PolicyType == catalog.PolicyInsert || p.PolicyType == catalog.PolicyUpdate || p.PolicyType == catalog.PolicyAll
	if writesRows && p.WithCheckExpression != "" {
		fmt.Fprintf(&b, ` WITH CHECK (%s)`, p.WithCheckExpression)
	}
	return m.exec(b.String())
}

// DropPolicy removes a previously materialized policy using IF EXISTS, so
// a catalog row whose target policy was already dropped out of band does
// not turn a cleanup pass into a hard failure.
func (m *Materializer) DropPolicy(databaseName, schema, table, policyName string) error {
	if err := guardNotMasterDB(databaseName); err != nil {
		return err
	}

	qTable, err := qualifiedTable(schema, table)
	if err != nil {
		return err
	}
	qPolicy, err := quotedIdent(policyName)
	if err != nil {
		return err
	}
	return m.exec(fmt.Sprintf(`DROP POLICY IF EXISTS %s ON %s`, qPolicy, qTable))
}
