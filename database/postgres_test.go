package database

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSQLStatements(t *testing.T) {
	content := `
-- comment only
CREATE TABLE a (
    id BIGSERIAL PRIMARY KEY
);

CREATE INDEX IF NOT EXISTS idx_a ON a(id);
SELECT 1`

	statements := parseSQLStatements(content)
	assert.Equal(t, []string{
		"CREATE TABLE a ( id BIGSERIAL PRIMARY KEY )",
		"CREATE INDEX IF NOT EXISTS idx_a ON a(id)",
		"SELECT 1",
	}, statements)
}

func TestSchemaCoversRequiredColumns(t *testing.T) {
	raw, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	statements := parseSQLStatements(string(raw))
	require.NotEmpty(t, statements)

	for table, columns := range requiredColumns {
		var create string
		for _, stmt := range statements {
			if strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				create = stmt
			}
		}
		require.NotEmpty(t, create, "no CREATE TABLE for %s", table)
		for _, column := range columns {
			assert.Contains(t, create, column+" ", "%s.%s", table, column)
		}
	}
}

func TestHealthCheckWithoutConnection(t *testing.T) {
	saved := DB
	DB = nil
	defer func() { DB = saved }()

	assert.Error(t, HealthCheck(t.Context()))
	assert.Error(t, Migrate("schema.sql"))
}
