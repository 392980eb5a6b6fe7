package db

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every up migration needs a matching down migration.
func TestMigrationsArePaired(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %s in migrations", n)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestMigrationsCreateLedgerTables(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	sort.Strings(names)

	var all strings.Builder
	for _, n := range names {
		if !strings.HasSuffix(n, ".up.sql") {
			continue
		}
		b, err := migrationFS.ReadFile("migrations/" + n)
		require.NoError(t, err)
		all.Write(b)
	}
	for _, table := range []string{"completion_claims", "completion_records", "user_balances", "withdrawal_transactions", "operation_leases"} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, all.String(), "PRIMARY KEY (job_id, user_id)")
}
