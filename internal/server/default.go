package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/internal/opsapi"
	"github.com/iota-uz/outboxd/pkg/configuration"
	"github.com/iota-uz/outboxd/pkg/httpapi"
	"github.com/iota-uz/outboxd/pkg/metrics"
	"github.com/iota-uz/outboxd/pkg/middleware"
	"github.com/iota-uz/outboxd/pkg/server"
)

type DefaultOptions struct {
	Logger        *logrus.Logger
	Configuration *configuration.Configuration
	Runtime       *Runtime
}

// Default builds the ops HTTP server: outbox operator endpoints plus metrics.
func Default(options *DefaultOptions) *server.HTTPServer {
	conf := options.Configuration
	middlewares := []mux.MiddlewareFunc{
		middleware.WithLogger(options.Logger),
	}

	controllers := []server.Controller{
		opsapi.NewOutboxController(opsapi.Options{
			Relay:    options.Runtime.Relay,
			Store:    options.Runtime.Store,
			Cleaner:  options.Runtime.Cleaner,
			OpsToken: conf.OpsToken,
			Logger:   options.Logger,
		}),
	}
	if conf.Prometheus.Enabled {
		controllers = append(controllers, metrics.NewPrometheusController(conf.Prometheus.Path, options.Logger))
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	})
	return server.NewHTTPServer(controllers, middlewares, notFound)
}
