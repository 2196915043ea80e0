package ledger_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/ledger"
	"github.com/roach88/kioskfsm/internal/ledger/ledgertest"
)

// TestPostgres_Conformance runs against a live database when
// KIOSKFSM_TEST_POSTGRES_DSN is set.
func TestPostgres_Conformance(t *testing.T) {
	dsn := os.Getenv("KIOSKFSM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KIOSKFSM_TEST_POSTGRES_DSN not set")
	}

	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		ctx := context.Background()
		p, err := ledger.OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(p.Close)
		require.NoError(t, p.Truncate(ctx))
		return p
	})
}
