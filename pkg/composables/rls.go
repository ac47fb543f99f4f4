package composables

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

var rlsEnforced atomic.Bool

// SetRLSEnforced toggles setting app.current_tenant on every tenant transaction.
func SetRLSEnforced(enforced bool) {
	rlsEnforced.Store(enforced)
}

func ApplyTenantRLS(ctx context.Context, tx pgx.Tx) error {
	if !rlsEnforced.Load() {
		return nil
	}
	tenantID, err := UseTenantID(ctx)
	if err != nil {
		return fmt.Errorf("rls requires tenant in context: %w", err)
	}
	_, err = tx.Exec(ctx, "SELECT set_config('app.current_tenant', $1, true)", tenantID.String())
	if err != nil {
		return fmt.Errorf("failed to set rls tenant context: %w", err)
	}
	return nil
}
