// Package web exposes the coordinator over HTTP: invocations, invocation
// history, schedules, a websocket event stream and Prometheus metrics.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/config"
	"github.com/sipwise/ngcp-taskagent/internal/scheduler"
	"github.com/sipwise/ngcp-taskagent/internal/store"
	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

// Invoker runs one task broadcast. *taskagent.Coordinator implements it.
type Invoker interface {
	Invoke(ctx context.Context, req taskagent.Request, opts ...taskagent.InvokeOption) (*taskagent.Result, error)
}

type Server struct {
	store     *store.Store
	invoker   Invoker
	scheduler *scheduler.Scheduler
	metrics   http.Handler
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

// NewServer wires the API. sched and metrics may be nil when the scheduler
// or metrics are disabled.
func NewServer(s *store.Store, inv Invoker, sched *scheduler.Scheduler, metrics http.Handler, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		invoker:   inv,
		scheduler: sched,
		metrics:   metrics,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Hub returns the websocket hub, which also observes invocations.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Token != "" && !s.authorized(r) {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorized accepts a bearer token, or a token query parameter for
// browser websocket clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok && r.URL.Path == "/api/ws" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}
