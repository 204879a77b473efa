package identifier_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/collation-ai/vibe-access-plane/internal/identifier"
)

func TestValidateAccepts(t *testing.T) {
	for _, name := range []string{"public", "my_table", "my-table", "Col1", "a"} {
		assert.NoError(t, identifier.Validate(name), name)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"",
		"1table",
		"table;DROP TABLE x",
		"table name",
		"table.name",
		strings.Repeat("a", 64),
	}
	for _, name := range cases {
		assert.Error(t, identifier.Validate(name), name)
	}
}

func TestValidateStrictRejectsHyphen(t *testing.T) {
	assert.NoError(t, identifier.Validate("my-table"))
	assert.Error(t, identifier.ValidateStrict("my-table"))
}

func TestValidateAllStopsAtFirstFailure(t *testing.T) {
	assert.NoError(t, identifier.ValidateAll("public", "users"))
	assert.Error(t, identifier.ValidateAll("public", "1bad"))
}
