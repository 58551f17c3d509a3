package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"oss.nandlabs.io/golly/lifecycle"
	"oss.nandlabs.io/golly/turbo"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore"
	"github.com/hexdrift/dspy-jobsvc/internal/jobstore/artifacts"
	"github.com/hexdrift/dspy-jobsvc/internal/logging"
	"github.com/hexdrift/dspy-jobsvc/internal/metrics"
	"github.com/hexdrift/dspy-jobsvc/internal/workerpool"
)

// Options configures the HTTP control surface.
type Options struct {
	ListenHost string
	ListenPort int16
}

// Server is the HTTP control surface described by spec.md §4.5, exposed as
// a lifecycle.Component so it starts and stops in step with the Job Store
// and worker pool.
type Server struct {
	*lifecycle.SimpleComponent

	router     *turbo.Router
	httpServer *http.Server
	listener   net.Listener

	store        jobstore.Store
	pool         *workerpool.Pool
	artifacts    *artifacts.Store
	metrics      *metrics.Collector
	log          *logging.Logger
	registry     *executor.Registry
	executorName string

	stopRefresh chan struct{}
}

// New builds a Server and registers every route from spec.md §4.5.
// registry and executorName let intake reject a semantically invalid
// payload with 400 before it is ever persisted, the same Executor-level
// Validate/ValidateGrid the worker pool runs again as its own safety net.
func New(opts Options, store jobstore.Store, pool *workerpool.Pool, artifactStore *artifacts.Store, collector *metrics.Collector, log *logging.Logger, registry *executor.Registry, executorName string) *Server {
	router := turbo.NewRouter()

	s := &Server{
		router:       router,
		store:        store,
		pool:         pool,
		artifacts:    artifactStore,
		metrics:      collector,
		log:          log,
		registry:     registry,
		executorName: executorName,
		stopRefresh:  make(chan struct{}),
	}

	s.registerRoutes()

	addr := net.JoinHostPort(opts.ListenHost, strconv.Itoa(int(opts.ListenPort)))
	s.httpServer = &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.ErrorF("HTTP handler panicked: %v", rec)
					serverError(w, fmt.Sprintf("internal error: %v", rec))
				}
			}()
			router.ServeHTTP(w, r)
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.SimpleComponent = &lifecycle.SimpleComponent{
		CompId: "http-control-surface",
		StartFunc: func() error {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			s.listener = listener
			return nil
		},
		AfterStart: func(err error) {
			if err != nil {
				return
			}
			go s.refreshMetrics()
			go func() {
				log.InfoF("accepting HTTP requests on %s", addr)
				if serveErr := s.httpServer.Serve(s.listener); serveErr != nil && serveErr != http.ErrServerClosed {
					log.ErrorF("HTTP server stopped: %v", serveErr)
				}
			}()
		},
		StopFunc: func() error {
			close(s.stopRefresh)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.httpServer.Shutdown(ctx)
		},
	}

	return s
}

func (s *Server) refreshMetrics() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopRefresh:
			return
		case <-ticker.C:
			st := s.pool.GetStatus()
			s.metrics.UpdateQueueStats(st.PendingJobs, st.ActiveJobs, st.WorkerThreads)
		}
	}
}
