// Package httpapi exposes the Lifecycle Coordinator over a thin REST
// surface: one struct holding every collaborator, one constructor wiring
// every route onto a chi router for path-parameter and middleware
// ergonomics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/infinibay/hyperctl/internal/coordinator"
	"github.com/infinibay/hyperctl/internal/eventbus"
	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("httpapi")

// Server is the control HTTP API over a Coordinator.
type Server struct {
	coord *coordinator.Coordinator
	bus   eventbus.Bus
	srv   *http.Server
}

// New builds a Server listening on addr once Run is called.
func New(coord *coordinator.Coordinator, bus eventbus.Bus, addr string) *Server {
	if bus == nil {
		bus = eventbus.NoOp()
	}
	s := &Server{coord: coord, bus: bus}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/vms", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetStatus)
			r.Delete("/", s.handleDestroy)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)
			r.Post("/suspend", s.handleSuspend)
			r.Post("/resume", s.handleResume)
			r.Post("/reset", s.handleReset)
			r.Get("/events", s.handleEvents)
		})
	})

	r.Post("/reconcile", s.handleReconcile)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
