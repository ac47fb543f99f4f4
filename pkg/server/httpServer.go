package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
)

// Controller registers its routes on the shared router.
type Controller interface {
	Key() string
	Register(r *mux.Router)
}

func NewHTTPServer(controllers []Controller, middlewares []mux.MiddlewareFunc, notFoundHandler http.Handler) *HTTPServer {
	return &HTTPServer{
		Controllers:     controllers,
		Middlewares:     middlewares,
		NotFoundHandler: notFoundHandler,
	}
}

type HTTPServer struct {
	Controllers     []Controller
	Middlewares     []mux.MiddlewareFunc
	NotFoundHandler http.Handler
}

func (s *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.Middlewares...)
	for _, controller := range s.Controllers {
		controller.Register(r)
	}

	if s.NotFoundHandler != nil {
		notFoundHandler := s.NotFoundHandler
		for i := len(s.Middlewares) - 1; i >= 0; i-- {
			notFoundHandler = s.Middlewares[i](notFoundHandler)
		}
		r.NotFoundHandler = notFoundHandler
	}
	return r
}

func (s *HTTPServer) Handler() http.Handler {
	return gziphandler.GzipHandler(s.Router())
}

// Serve listens on socketAddress until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Serve(ctx context.Context, socketAddress string) error {
	srv := &http.Server{
		Addr:              socketAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
