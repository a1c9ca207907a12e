package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ernie/mcgate/internal/domain"
)

// StatusSource provides the latest status snapshot and applied label
type StatusSource interface {
	Snapshot() (*domain.ServerStatus, string)
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux    *http.ServeMux
	status StatusSource
	feed   *Feed
	logger *slog.Logger
}

// NewRouter creates a new HTTP router
func NewRouter(status StatusSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		status: status,
		feed:   NewFeed(status, logger),
		logger: logger,
	}

	r.mux.HandleFunc("GET /api/status", r.handleGetStatus)

	// Event stream, ?events= filters by type
	r.mux.HandleFunc("GET /ws", r.handleEvents)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Read-only surface, so any origin may poll it
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// Feed returns the event stream served on /ws
func (r *Router) Feed() *Feed { return r.feed }

// ListenAndServe serves h on addr until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
