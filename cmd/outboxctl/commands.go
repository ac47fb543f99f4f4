package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iota-uz/outboxd/pkg/outbox"
	"github.com/iota-uz/outboxd/pkg/outbox/postgres"
)

func parseTenant(raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return nil, withCode(exitUsage, fmt.Errorf("invalid --tenant %q", raw))
	}
	return &id, nil
}

func newFlushCmd(open opener) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Run one dispatch cycle now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := parseTenant(tenant)
			if err != nil {
				return err
			}
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			var res outbox.Result
			if tenantID != nil {
				res, err = s.rt.Relay.FlushTenant(cmd.Context(), *tenantID)
			} else {
				res, err = s.rt.Relay.Flush(cmd.Context())
			}
			if err != nil {
				return withCode(exitDB, err)
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]int{
				"fetched":   res.Fetched,
				"processed": res.Processed,
				"failed":    res.Failed,
				"exhausted": res.Exhausted,
				"skipped":   res.Skipped,
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Only dispatch records of this tenant UUID")
	return cmd
}

func newRetryCmd(open opener) *cobra.Command {
	var rawID string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Reset a failed record to pending with its retry count zeroed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(strings.TrimSpace(rawID))
			if err != nil {
				return withCode(exitUsage, fmt.Errorf("invalid --id: %w", err))
			}
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			rec, err := outbox.Retry(cmd.Context(), s.rt.Store, id)
			if err != nil {
				if errors.Is(err, outbox.ErrRecordNotFound) {
					return withCode(exitValidation, err)
				}
				return withCode(exitDB, err)
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{
				"id":          rec.ID,
				"status":      rec.Status.String(),
				"retry_count": rec.RetryCount,
			})
		},
	}
	cmd.Flags().StringVar(&rawID, "id", "", "Record UUID (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newCleanupCmd(open opener) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed records older than the retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return withCode(exitUsage, fmt.Errorf("--older-than must not be negative"))
			}
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			var n int64
			if cmd.Flags().Changed("older-than") {
				n, err = s.rt.Cleaner.CleanBefore(cmd.Context(), time.Now().Add(-olderThan))
			} else {
				n, err = s.rt.Cleaner.CleanOnce(cmd.Context())
			}
			if err != nil {
				return withCode(exitDB, err)
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]int64{"deleted": n})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override the configured retention (e.g. 72h)")
	return cmd
}

func newStatsCmd(open opener) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print record counts per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := parseTenant(tenant)
			if err != nil {
				return err
			}
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			reader, ok := s.rt.Store.(outbox.StatsReader)
			if !ok {
				return withCode(exitUsage, outbox.ErrUnsupportedStore)
			}
			counts, err := reader.CountByStatus(cmd.Context(), tenantID)
			if err != nil {
				return withCode(exitDB, err)
			}
			out := map[string]int64{
				outbox.StatusPending.String():   counts[outbox.StatusPending],
				outbox.StatusProcessed.String(): counts[outbox.StatusProcessed],
				outbox.StatusFailed.String():    counts[outbox.StatusFailed],
			}
			return writeJSONLine(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Restrict counts to this tenant UUID")
	return cmd
}

func newMigrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded outbox schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			if s.pool == nil {
				return withCode(exitUsage, fmt.Errorf("migrate requires a Postgres store"))
			}
			table, err := postgres.ParseIdentifier(s.conf.Outbox.Table)
			if err != nil {
				return withCode(exitUsage, err)
			}
			if !postgres.IsMigratedTable(table) {
				return withCode(exitUsage, fmt.Errorf("migrations create %s, not %s", postgres.DefaultTable, s.conf.Outbox.Table))
			}

			if err := postgres.Migrate(cmd.Context(), s.pool, s.conf.Logger().WithField("component", "outboxctl")); err != nil {
				return withCode(exitDB, err)
			}
			v, err := postgres.MigrationVersion(cmd.Context(), s.pool)
			if err != nil {
				return withCode(exitDB, err)
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]int64{"version": v})
		},
	}
}
