package catalog

import "code.cloudfoundry.org/lager"

// schemaStatements creates every catalog table idempotently, one CREATE
// TABLE IF NOT EXISTS per statement, executed inside a single transaction.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id uuid PRIMARY KEY,
		email varchar(255) UNIQUE NOT NULL,
		username varchar(255) UNIQUE NOT NULL,
		password_hash varchar(255) NOT NULL,
		organization varchar(255) NOT NULL DEFAULT '',
		is_active boolean NOT NULL DEFAULT true,
		password_changed_at timestamptz NOT NULL DEFAULT now(),
		password_expires_at timestamptz,
		password_reset_required boolean NOT NULL DEFAULT false,
		failed_login_attempts int NOT NULL DEFAULT 0,
		locked_until timestamptz,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id uuid PRIMARY KEY,
		user_id uuid NOT NULL REFERENCES users(id),
		key_hash varchar(128) UNIQUE NOT NULL,
		key_prefix varchar(32) NOT NULL,
		name varchar(255) NOT NULL DEFAULT '',
		is_active boolean NOT NULL DEFAULT true,
		expires_at timestamptz,
		last_used_at timestamptz,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS database_servers (
		id uuid PRIMARY KEY,
		server_name varchar(255) UNIQUE NOT NULL,
		host varchar(255) NOT NULL,
		port int NOT NULL,
		admin_username varchar(255) NOT NULL,
		admin_password_encrypted text NOT NULL,
		ssl_mode varchar(32) NOT NULL DEFAULT 'require',
		is_active boolean NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS database_assignments (
		id uuid PRIMARY KEY,
		user_id uuid NOT NULL REFERENCES users(id),
		database_name varchar(255) NOT NULL,
		connection_string_encrypted text NOT NULL,
		is_active boolean NOT NULL DEFAULT true,
		UNIQUE(user_id, database_name)
	)`,
	`CREATE TABLE IF NOT EXISTS pg_database_users (
		id uuid PRIMARY KEY,
		vibe_user_id uuid NOT NULL REFERENCES users(id),
		database_name varchar(255) NOT NULL,
		pg_username varchar(128) NOT NULL,
		pg_password_encrypted text NOT NULL,
		connection_string_encrypted text NOT NULL,
		is_active boolean NOT NULL DEFAULT true,
		notes text NOT NULL DEFAULT '',
		UNIQUE(vibe_user_id, database_name),
		UNIQUE(database_name, pg_username)
	)`,
	`CREATE TABLE IF NOT EXISTS schema_permissions (
		id uuid PRIMARY KEY,
		user_id uuid NOT NULL REFERENCES users(id),
		database_name varchar(255) NOT NULL,
		schema_name varchar(255) NOT NULL,
		permission varchar(32) NOT NULL,
		UNIQUE(user_id, database_name, schema_name)
	)`,
	`CREATE TABLE IF NOT EXISTS table_permissions (
		id uuid PRIMARY KEY,
		vibe_user_id uuid NOT NULL REFERENCES users(id),
		database_name varchar(255) NOT NULL,
		schema_name varchar(255) NOT NULL,
		table_name varchar(255) NOT NULL,
		can_select boolean NOT NULL DEFAULT false,
		can_insert boolean NOT NULL DEFAULT false,
		can_update boolean NOT NULL DEFAULT false,
		can_delete boolean NOT NULL DEFAULT false,
		can_truncate boolean NOT NULL DEFAULT false,
		can_references boolean NOT NULL DEFAULT false,
		can_trigger boolean NOT NULL DEFAULT false,
		column_permissions jsonb,
		UNIQUE(vibe_user_id, database_name, schema_name, table_name)
	)`,
	`CREATE TABLE IF NOT EXISTS rls_policies (
		id uuid PRIMARY KEY,
		vibe_user_id uuid NOT NULL REFERENCES users(id),
		database_name varchar(255) NOT NULL,
		schema_name varchar(255) NOT NULL,
		table_name varchar(255) NOT NULL,
		policy_name varchar(255) NOT NULL,
		policy_type varchar(16) NOT NULL,
		command_type varchar(16) NOT NULL,
		using_expression text NOT NULL,
		with_check_expression text,
		is_active boolean NOT NULL DEFAULT true,
		template_used varchar(255),
		notes text NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS rls_policy_templates (
		id uuid PRIMARY KEY,
		template_name varchar(255) UNIQUE NOT NULL,
		description text NOT NULL DEFAULT '',
		policy_type varchar(16) NOT NULL,
		using_expression_template text NOT NULL,
		with_check_expression_template text,
		required_columns text[] NOT NULL DEFAULT '{}',
		example_usage text NOT NULL DEFAULT '',
		is_active boolean NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id uuid PRIMARY KEY,
		user_id uuid,
		api_key_id uuid,
		endpoint varchar(255) NOT NULL,
		method varchar(16) NOT NULL,
		database varchar(255),
		schema varchar(255),
		"table" varchar(255),
		operation varchar(32) NOT NULL,
		request_body text,
		response_status int NOT NULL,
		error_message text,
		execution_time_ms bigint NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS password_reset_tokens (
		id uuid PRIMARY KEY,
		user_id uuid NOT NULL REFERENCES users(id),
		token_hash varchar(128) UNIQUE NOT NULL,
		email varchar(255) NOT NULL,
		expires_at timestamptz NOT NULL,
		used_at timestamptz,
		ip_address varchar(64),
		user_agent text
	)`,
	`CREATE TABLE IF NOT EXISTS password_history (
		id uuid PRIMARY KEY,
		user_id uuid NOT NULL REFERENCES users(id),
		password_hash varchar(255) NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_cleanup_audit (
		id uuid PRIMARY KEY,
		user_id uuid NOT NULL,
		user_email varchar(255) NOT NULL,
		cleanup_type varchar(64) NOT NULL,
		performed_by varchar(255) NOT NULL,
		counters jsonb NOT NULL,
		cleanup_details jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// InitSchema creates every catalog table idempotently inside one
// transaction, logging each statement at debug level before executing it.
func (s *Store) InitSchema() error {
	logger := s.logger.Session("init-schema")

	tx, err := s.db.Begin()
	if err != nil {
		logger.Error("begin.sql-error", err)
		return err
	}

	for _, statement := range schemaStatements {
		logger.Debug("create-table", lager.Data{"statement": statement})
		if _, err := tx.Exec(statement); err != nil {
			logger.Error("create-table.sql-error", err)
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		logger.Error("commit.sql-error", err)
		return err
	}
	return nil
}
