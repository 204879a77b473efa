// Package identifier implements the Identifier Validator component: the
// syntactic safety gate every dynamic SQL fragment must pass before a
// schema, table, column, or role name is embedded into a statement.
package identifier

import (
	"fmt"
	"regexp"
)

// relaxed accepts identifiers as they arrive from requests: the catalog
// itself (schema/table/column names as the caller spells them).
var relaxed = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,62}$`)

// strict additionally forbids hyphens. It is used by the Permission
// Materializer, where identifiers are concatenated directly into GRANT/
// ALTER/CREATE POLICY statements rather than passed as bound parameters.
var strict = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// Validate checks name against the relaxed identifier grammar
// (^[A-Za-z][A-Za-z0-9_-]{0,62}$), returning a descriptive error on failure.
func Validate(name string) error {
	if !relaxed.MatchString(name) {
		return fmt.Errorf("invalid identifier %q: must match %s", name, relaxed.String())
	}
	return nil
}

// ValidateStrict applies the no-hyphen grammar required before an
// identifier is concatenated into dynamic DDL.
func ValidateStrict(name string) error {
	if !strict.MatchString(name) {
		return fmt.Errorf("invalid identifier %q: must match %s", name, strict.String())
	}
	return nil
}

// ValidateAll runs Validate over every name and returns the first failure.
func ValidateAll(names ...string) error {
	for _, n := range names {
		if err := Validate(n); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAllStrict runs ValidateStrict over every name and returns the
// first failure.
func ValidateAllStrict(names ...string) error {
	for _, n := range names {
		if err := ValidateStrict(n); err != nil {
			return err
		}
	}
	return nil
}
