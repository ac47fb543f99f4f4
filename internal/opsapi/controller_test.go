package opsapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/outboxd/internal/opsapi"
	"github.com/iota-uz/outboxd/pkg/eventbus"
	"github.com/iota-uz/outboxd/pkg/outbox"
	"github.com/iota-uz/outboxd/pkg/outbox/memory"
)

type invoicePaid struct {
	InvoiceID string `json:"invoiceId"`
}

type harness struct {
	store  *memory.Store
	router *mux.Router
	seen   []string
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	h := &harness{store: memory.New()}

	types := outbox.NewTypeRegistry()
	require.NoError(t, outbox.Register[invoicePaid](types, "Billing.InvoicePaid"))
	bus := eventbus.New(nil)
	eventbus.On(bus, func(_ context.Context, _ *outbox.Meta, e *invoicePaid) error {
		h.seen = append(h.seen, e.InvoiceID)
		return nil
	})

	engine, err := outbox.NewEngine(h.store, types, bus, outbox.EngineOptions{})
	require.NoError(t, err)
	relay, err := outbox.NewRelay(engine, outbox.RelayOptions{})
	require.NoError(t, err)
	cleaner, err := outbox.NewCleaner(h.store, outbox.CleanerOptions{})
	require.NoError(t, err)

	h.router = mux.NewRouter()
	opsapi.NewOutboxController(opsapi.Options{
		Relay:    relay,
		Store:    h.store,
		Cleaner:  cleaner,
		OpsToken: token,
	}).Register(h.router)
	return h
}

func (h *harness) appendRecord(t *testing.T, tenantID uuid.UUID, payload string) *outbox.Record {
	t.Helper()
	rec, err := outbox.NewRecord(tenantID, "Billing.InvoicePaid", []byte(payload), time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.Append(context.Background(), rec))
	return rec
}

func (h *harness) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("X-Ops-Token", token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, jsoniter.NewDecoder(strings.NewReader(rec.Body.String())).Decode(v))
}

func TestOutboxController_Health(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "secret")
	rec := h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
}

func TestOutboxController_RequiresToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "secret")
	rec := h.do(http.MethodPost, "/ops/outbox/flush", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "OPS_UNAUTHORIZED")
}

func TestOutboxController_Flush(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "secret")
	h.appendRecord(t, uuid.New(), `{"invoiceId":"inv-1"}`)
	h.appendRecord(t, uuid.New(), `{"invoiceId":"inv-2"}`)

	rec := h.do(http.MethodPost, "/ops/outbox/flush", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Fetched   int `json:"fetched"`
		Processed int `json:"processed"`
		Failed    int `json:"failed"`
	}
	decode(t, rec, &body)
	require.Equal(t, 2, body.Fetched)
	require.Equal(t, 2, body.Processed)
	require.Zero(t, body.Failed)
	require.ElementsMatch(t, []string{"inv-1", "inv-2"}, h.seen)
}

func TestOutboxController_FlushTenant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	tenantA, tenantB := uuid.New(), uuid.New()
	h.appendRecord(t, tenantA, `{"invoiceId":"a"}`)
	h.appendRecord(t, tenantB, `{"invoiceId":"b"}`)

	rec := h.do(http.MethodPost, "/ops/outbox/tenants/"+tenantA.String()+"/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"a"}, h.seen)

	rec = h.do(http.MethodPost, "/ops/outbox/tenants/not-a-uuid/flush", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/ops/outbox/tenants/"+uuid.Nil.String()+"/flush", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutboxController_RetryRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	stored := h.appendRecord(t, uuid.New(), `{"invoiceId":"inv-9"}`)

	failed := stored.Clone()
	require.NoError(t, failed.MarkFailed(time.Now(), "smtp down"))
	failed.RetryCount = 5
	require.NoError(t, h.store.Update(context.Background(), failed))

	rec := h.do(http.MethodPost, "/ops/outbox/records/"+stored.ID.String()+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status     string `json:"status"`
		RetryCount int    `json:"retry_count"`
	}
	decode(t, rec, &body)
	require.Equal(t, outbox.StatusPending.String(), body.Status)
	require.Zero(t, body.RetryCount)

	got, err := h.store.Get(context.Background(), stored.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, got.Status)

	rec = h.do(http.MethodPost, "/ops/outbox/records/"+uuid.NewString()+"/retry", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "OUTBOX_RECORD_NOT_FOUND")

	rec = h.do(http.MethodPost, "/ops/outbox/records/nope/retry", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutboxController_GetRecordAndListFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	tenantID := uuid.New()
	stored := h.appendRecord(t, tenantID, `{"invoiceId":"x"}`)
	failed := stored.Clone()
	require.NoError(t, failed.MarkFailed(time.Now(), "boom"))
	require.NoError(t, h.store.Update(context.Background(), failed))

	rec := h.do(http.MethodGet, "/ops/outbox/records/"+stored.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"last_error":"boom"`)

	rec = h.do(http.MethodGet, "/ops/outbox/failed?tenant="+tenantID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records []struct {
			ID uuid.UUID `json:"id"`
		} `json:"records"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Records, 1)
	require.Equal(t, stored.ID, body.Records[0].ID)
}

func TestOutboxController_StatsAndCleanup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "")
	h.appendRecord(t, uuid.New(), `{"invoiceId":"1"}`)
	h.appendRecord(t, uuid.New(), `{"invoiceId":"2"}`)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/ops/outbox/flush", "").Code)
	h.appendRecord(t, uuid.New(), `{"invoiceId":"3"}`)

	rec := h.do(http.MethodGet, "/ops/outbox/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Counts map[string]int64 `json:"counts"`
	}
	decode(t, rec, &stats)
	require.Equal(t, int64(1), stats.Counts[outbox.StatusPending.String()])
	require.Equal(t, int64(2), stats.Counts[outbox.StatusProcessed.String()])
	require.Equal(t, int64(0), stats.Counts[outbox.StatusFailed.String()])

	rec = h.do(http.MethodPost, "/ops/outbox/cleanup?older_than=0s", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cleaned struct {
		Deleted int64 `json:"deleted"`
	}
	decode(t, rec, &cleaned)
	require.Equal(t, int64(2), cleaned.Deleted)
	require.Equal(t, 1, h.store.Len())

	rec = h.do(http.MethodPost, "/ops/outbox/cleanup?older_than=soon", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
