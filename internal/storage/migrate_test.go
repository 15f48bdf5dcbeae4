package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	content := `
-- journal table
CREATE TABLE IF NOT EXISTS position_events (
    id UUID PRIMARY KEY
);

CREATE INDEX IF NOT EXISTS idx_owner ON position_events(owner);
`
	statements := splitStatements(content)

	assert.Len(t, statements, 2)
	assert.Contains(t, statements[0], "CREATE TABLE IF NOT EXISTS position_events")
	assert.NotContains(t, statements[0], "-- journal table")
	assert.NotContains(t, statements[0], ";")
	assert.Contains(t, statements[1], "CREATE INDEX IF NOT EXISTS idx_owner")
}

func TestSplitStatementsHandlesMissingTerminator(t *testing.T) {
	statements := splitStatements("SELECT 1")
	assert.Equal(t, []string{"SELECT 1"}, statements)

	assert.Empty(t, splitStatements("-- comment only\n\n"))
}
