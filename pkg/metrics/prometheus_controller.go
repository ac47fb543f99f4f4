package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPath = "/debug/prometheus"

// PrometheusController exposes the process registry, which holds the outbox_*
// collectors registered by pkg/outbox.
type PrometheusController struct {
	path     string
	logger   *logrus.Logger
	gatherer prometheus.Gatherer
}

func NewPrometheusController(path string, logger *logrus.Logger) *PrometheusController {
	if path == "" {
		path = defaultPath
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PrometheusController{path: path, logger: logger, gatherer: prometheus.DefaultGatherer}
}

func (c *PrometheusController) Key() string {
	return c.path
}

func (c *PrometheusController) Register(r *mux.Router) {
	r.Handle(c.path, c.handler()).Methods(http.MethodGet)
}

// handler serves the collectors that succeeded and logs the ones that failed.
func (c *PrometheusController) handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{
		ErrorLog:      c.logger.WithField("component", "metrics"),
		ErrorHandling: promhttp.ContinueOnError,
	})
}
