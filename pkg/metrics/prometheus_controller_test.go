package metrics

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type failingCollector struct {
	desc *prometheus.Desc
}

func (c failingCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c failingCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.NewInvalidMetric(c.desc, errors.New("pending count unavailable"))
}

func scrape(t *testing.T, c *PrometheusController) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	c.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.Key(), nil))
	return rec
}

func TestPrometheusController_ServesDefaultRegistry(t *testing.T) {
	t.Parallel()

	c := NewPrometheusController("", nil)
	require.Equal(t, "/debug/prometheus", c.Key())

	rec := scrape(t, c)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestPrometheusController_ContinuesPastFailingCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	served := prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_test_appended_total"})
	served.Add(3)
	reg.MustRegister(served, failingCollector{
		desc: prometheus.NewDesc("outbox_test_pending", "pending records", nil, nil),
	})

	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetFormatter(&logrus.JSONFormatter{})
	c := NewPrometheusController("/metrics", logger)
	c.gatherer = reg

	rec := scrape(t, c)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "outbox_test_appended_total 3")
	require.NotContains(t, rec.Body.String(), "go_goroutines")
	require.Contains(t, logs.String(), "pending count unavailable")
	require.Contains(t, logs.String(), `"component":"metrics"`)
}
