// Package postgres stores outbox records in PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iota-uz/outboxd/pkg/composables"
	"github.com/iota-uz/outboxd/pkg/outbox"
)

const columns = `id, tenant_id, event_type, payload, occurred_at, created_at, processed_at, status,
	last_error, retry_count, last_attempt_at, claimed_by, claimed_until`

// Store is an outbox.Store over one table. Append joins the transaction carried
// by the context (composables.WithTx) so records commit with the domain write.
type Store struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
	name  string
	label string
}

var (
	_ outbox.Store         = (*Store)(nil)
	_ outbox.TenantLister  = (*Store)(nil)
	_ outbox.RecordReader  = (*Store)(nil)
	_ outbox.FailedLister  = (*Store)(nil)
	_ outbox.ClaimReleaser = (*Store)(nil)
	_ outbox.StatsReader   = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool, table pgx.Identifier) (*Store, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	return &Store{
		pool:  pool,
		table: table,
		name:  table.Sanitize(),
		label: TableLabel(table),
	}, nil
}

func (s *Store) Table() string {
	return s.label
}

func (s *Store) querier(ctx context.Context) composables.Querier {
	if tx, ok := composables.TryUseTx(ctx); ok {
		return tx
	}
	return s.pool
}

func (s *Store) Append(ctx context.Context, rec *outbox.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Status != outbox.StatusPending {
		return fmt.Errorf("%w: appended records must be pending", outbox.ErrInvalidRecord)
	}

	var createdAt *time.Time
	if !rec.CreatedAt.IsZero() {
		createdAt = &rec.CreatedAt
	}
	q := fmt.Sprintf(
		`INSERT INTO %s (id, tenant_id, event_type, payload, occurred_at, created_at, status, retry_count)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), $7, $8)
		 RETURNING created_at`,
		s.name,
	)
	err := s.querier(ctx).QueryRow(ctx, q,
		rec.ID, rec.TenantID, rec.EventType, rec.Payload, rec.OccurredAt, createdAt, int16(rec.Status), rec.RetryCount,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert outbox record %s", rec.ID)
	}
	return nil
}

func (s *Store) FetchPending(ctx context.Context, opts outbox.FetchOptions) ([]*outbox.Record, error) {
	if opts.BatchSize <= 0 {
		return nil, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	q := fmt.Sprintf(
		`WITH candidates AS (
			SELECT id
			  FROM %s
			 WHERE status = 0
			   AND ($1::uuid IS NULL OR tenant_id = $1)
			   AND (claimed_until IS NULL OR claimed_until <= $2)
			 ORDER BY occurred_at, created_at, id
			 LIMIT $3
			 FOR UPDATE SKIP LOCKED
		)
		UPDATE %s o
		   SET claimed_by = $4,
		       claimed_until = $5
		  FROM candidates c
		 WHERE o.id = c.id
		RETURNING o.id, o.tenant_id, o.event_type, o.payload, o.occurred_at, o.created_at, o.processed_at, o.status,
		          o.last_error, o.retry_count, o.last_attempt_at, o.claimed_by, o.claimed_until`,
		s.name, s.name,
	)
	rows, err := s.querier(ctx).Query(ctx, q, opts.TenantID, now, opts.BatchSize, opts.WorkerID, now.Add(opts.LeaseTTL))
	if err != nil {
		return nil, errors.Wrap(err, "claim pending outbox records")
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, errors.Wrap(err, "scan claimed outbox records")
	}
	// RETURNING does not preserve the candidate order.
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return records, nil
}

func (s *Store) Update(ctx context.Context, rec *outbox.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	q := fmt.Sprintf(
		`UPDATE %s
		    SET status = $2,
		        processed_at = $3,
		        last_error = $4,
		        retry_count = $5,
		        last_attempt_at = $6,
		        claimed_by = NULL,
		        claimed_until = NULL
		  WHERE id = $1`,
		s.name,
	)
	tag, err := s.querier(ctx).Exec(ctx, q,
		rec.ID, int16(rec.Status), rec.ProcessedAt, rec.LastError, rec.RetryCount, rec.LastAttemptAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update outbox record %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, rec.ID)
	}
	rec.ClaimedBy = nil
	rec.ClaimedUntil = nil
	return nil
}

func (s *Store) CleanupProcessed(ctx context.Context, before time.Time) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE status = 1 AND processed_at < $1`, s.name)
	tag, err := s.querier(ctx).Exec(ctx, q, before)
	if err != nil {
		return 0, errors.Wrap(err, "delete processed outbox records")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.name)
	rows, err := s.querier(ctx).Query(ctx, q, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get outbox record %s", id)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "scan outbox record %s", id)
	}
	return rec, nil
}

func (s *Store) ListPendingTenants(ctx context.Context) ([]uuid.UUID, error) {
	q := fmt.Sprintf(
		`SELECT tenant_id
		   FROM %s
		  WHERE status = 0
		  GROUP BY tenant_id
		  ORDER BY min(occurred_at), tenant_id`,
		s.name,
	)
	rows, err := s.querier(ctx).Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "list pending tenants")
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, errors.Wrap(err, "scan pending tenants")
	}
	return tenants, nil
}

func (s *Store) ListFailed(ctx context.Context, fq outbox.FailedQuery) ([]*outbox.Record, error) {
	limit := fq.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(
		`SELECT %s
		   FROM %s
		  WHERE status = 2
		    AND ($1::uuid IS NULL OR tenant_id = $1)
		    AND ($2 <= 0 OR retry_count < $2)
		  ORDER BY last_attempt_at NULLS FIRST, id
		  LIMIT $3`,
		columns, s.name,
	)
	rows, err := s.querier(ctx).Query(ctx, q, fq.TenantID, fq.MaxRetryCount, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list failed outbox records")
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, errors.Wrap(err, "scan failed outbox records")
	}
	return records, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, workerID string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(
		`UPDATE %s
		    SET claimed_by = NULL,
		        claimed_until = NULL
		  WHERE claimed_by = $1
		    AND id = ANY($2)
		    AND status = 0`,
		s.name,
	)
	if _, err := s.querier(ctx).Exec(ctx, q, workerID, pgtype.FlatArray[uuid.UUID](ids)); err != nil {
		return errors.Wrap(err, "release outbox claims")
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context, tenantID *uuid.UUID) (map[outbox.Status]int64, error) {
	q := fmt.Sprintf(
		`SELECT status, count(*)
		   FROM %s
		  WHERE ($1::uuid IS NULL OR tenant_id = $1)
		  GROUP BY status`,
		s.name,
	)
	rows, err := s.querier(ctx).Query(ctx, q, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "count outbox records")
	}
	defer rows.Close()

	out := map[outbox.Status]int64{}
	for rows.Next() {
		var (
			status int16
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan outbox counts")
		}
		out[outbox.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate outbox counts")
	}
	return out, nil
}

func scanRecord(row pgx.CollectableRow) (*outbox.Record, error) {
	var (
		rec    outbox.Record
		status int16
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.EventType,
		&rec.Payload,
		&rec.OccurredAt,
		&rec.CreatedAt,
		&rec.ProcessedAt,
		&status,
		&rec.LastError,
		&rec.RetryCount,
		&rec.LastAttemptAt,
		&rec.ClaimedBy,
		&rec.ClaimedUntil,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = outbox.Status(status)
	return &rec, nil
}
