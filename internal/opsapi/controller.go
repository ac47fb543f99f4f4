// Package opsapi exposes outbox operator endpoints: manual flushes, retries and queue stats.
package opsapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/pkg/httpapi"
	"github.com/iota-uz/outboxd/pkg/middleware"
	"github.com/iota-uz/outboxd/pkg/outbox"
)

type OutboxController struct {
	relay     *outbox.Relay
	store     outbox.Store
	cleaner   *outbox.Cleaner
	opsToken  string
	apiPrefix string
	logger    *logrus.Logger
}

type Options struct {
	Relay    *outbox.Relay
	Store    outbox.Store
	Cleaner  *outbox.Cleaner
	OpsToken string
	Logger   *logrus.Logger
}

func NewOutboxController(opts Options) *OutboxController {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OutboxController{
		relay:     opts.Relay,
		store:     opts.Store,
		cleaner:   opts.Cleaner,
		opsToken:  opts.OpsToken,
		apiPrefix: "/ops/outbox",
		logger:    logger,
	}
}

func (c *OutboxController) Key() string {
	return c.apiPrefix
}

func (c *OutboxController) Register(r *mux.Router) {
	r.HandleFunc("/health", c.Health).Methods(http.MethodGet)

	api := r.PathPrefix(c.apiPrefix).Subrouter()
	api.Use(middleware.OpsGuard(c.opsToken))

	api.HandleFunc("/flush", c.Flush).Methods(http.MethodPost)
	api.HandleFunc("/tenants/{tenant}/flush", c.FlushTenant).Methods(http.MethodPost)
	api.HandleFunc("/records/{id}", c.GetRecord).Methods(http.MethodGet)
	api.HandleFunc("/records/{id}/retry", c.RetryRecord).Methods(http.MethodPost)
	api.HandleFunc("/failed", c.ListFailed).Methods(http.MethodGet)
	api.HandleFunc("/cleanup", c.Cleanup).Methods(http.MethodPost)
	api.HandleFunc("/stats", c.Stats).Methods(http.MethodGet)
}

type resultResponse struct {
	Fetched   int `json:"fetched"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}

func toResultResponse(res outbox.Result) resultResponse {
	return resultResponse{
		Fetched:   res.Fetched,
		Processed: res.Processed,
		Failed:    res.Failed,
		Exhausted: res.Exhausted,
		Skipped:   res.Skipped,
	}
}

type recordResponse struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	EventType     string     `json:"event_type"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	OccurredAt    time.Time  `json:"occurred_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}

func toRecordResponse(rec *outbox.Record) recordResponse {
	return recordResponse{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		EventType:     rec.EventType,
		Status:        rec.Status.String(),
		RetryCount:    rec.RetryCount,
		OccurredAt:    rec.OccurredAt,
		CreatedAt:     rec.CreatedAt,
		ProcessedAt:   rec.ProcessedAt,
		LastAttemptAt: rec.LastAttemptAt,
		LastError:     rec.LastError,
	}
}

func (c *OutboxController) Health(w http.ResponseWriter, _ *http.Request) {
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *OutboxController) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := c.relay.Flush(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toResultResponse(res))
}

func (c *OutboxController) FlushTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(mux.Vars(r)["tenant"])
	if err != nil || tenantID == uuid.Nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "OUTBOX_INVALID_TENANT", "tenant must be a non-nil uuid", nil)
		return
	}
	res, err := c.relay.FlushTenant(r.Context(), tenantID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toResultResponse(res))
}

func (c *OutboxController) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordID(w, r)
	if !ok {
		return
	}
	reader, ok := c.store.(outbox.RecordReader)
	if !ok {
		c.writeError(w, r, outbox.ErrUnsupportedStore)
		return
	}
	rec, err := reader.Get(r.Context(), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (c *OutboxController) RetryRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRecordID(w, r)
	if !ok {
		return
	}
	rec, err := outbox.Retry(r.Context(), c.store, id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.logger.WithFields(logrus.Fields{
		"record_id":  rec.ID,
		"tenant_id":  rec.TenantID,
		"event_type": rec.EventType,
	}).Info("opsapi: record reset to pending")
	_ = httpapi.WriteJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (c *OutboxController) ListFailed(w http.ResponseWriter, r *http.Request) {
	lister, ok := c.store.(outbox.FailedLister)
	if !ok {
		c.writeError(w, r, outbox.ErrUnsupportedStore)
		return
	}
	q := outbox.FailedQuery{Limit: 100}
	if raw := strings.TrimSpace(r.URL.Query().Get("tenant")); raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			_ = httpapi.WriteError(w, http.StatusBadRequest, "OUTBOX_INVALID_TENANT", "tenant is invalid", nil)
			return
		}
		q.TenantID = &tenantID
	}
	recs, err := lister.ListFailed(r.Context(), q)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordResponse(rec))
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (c *OutboxController) Cleanup(w http.ResponseWriter, r *http.Request) {
	if c.cleaner == nil {
		c.writeError(w, r, outbox.ErrUnsupportedStore)
		return
	}
	var (
		n   int64
		err error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		age, perr := time.ParseDuration(raw)
		if perr != nil || age < 0 {
			_ = httpapi.WriteError(w, http.StatusBadRequest, "OUTBOX_INVALID_QUERY", "older_than must be a non-negative duration", nil)
			return
		}
		n, err = c.cleaner.CleanBefore(r.Context(), time.Now().UTC().Add(-age))
	} else {
		n, err = c.cleaner.CleanOnce(r.Context())
	}
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (c *OutboxController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, ok := c.store.(outbox.StatsReader)
	if !ok {
		c.writeError(w, r, outbox.ErrUnsupportedStore)
		return
	}
	var tenantID *uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("tenant")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			_ = httpapi.WriteError(w, http.StatusBadRequest, "OUTBOX_INVALID_TENANT", "tenant is invalid", nil)
			return
		}
		tenantID = &id
	}
	counts, err := stats.CountByStatus(r.Context(), tenantID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	out := map[string]int64{
		outbox.StatusPending.String():   0,
		outbox.StatusProcessed.String(): 0,
		outbox.StatusFailed.String():    0,
	}
	for status, n := range counts {
		out[status.String()] = n
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, map[string]any{"counts": out})
}

func parseRecordID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "OUTBOX_INVALID_ID", "id must be a uuid", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (c *OutboxController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, outbox.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, outbox.ErrInvalidConfig), errors.Is(err, outbox.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, outbox.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, outbox.ErrUnsupportedStore):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		c.logger.WithError(err).WithField("path", r.URL.Path).Error("opsapi: request failed")
	}
	_ = httpapi.WriteServiceError(w, status, err)
}
