package composables

import (
	"context"
)

// InTenantTx joins the transaction already carried by ctx, or opens a new one on the
// pool from ctx. Producers append outbox records through it so the record commits
// together with the domain write.
func InTenantTx(ctx context.Context, fn func(context.Context) error) error {
	if existing, ok := TryUseTx(ctx); ok {
		if err := ApplyTenantRLS(ctx, existing); err != nil {
			return err
		}
		return fn(ctx)
	}

	pool, err := UsePool(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	return runInTx(ctx, tx, fn)
}

func InTenantTxResult[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := InTenantTx(ctx, func(txCtx context.Context) error {
		var innerErr error
		out, innerErr = fn(txCtx)
		return innerErr
	})
	return out, err
}
