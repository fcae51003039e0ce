// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/archive"
	"github.com/fruitsalade/workbench/internal/errs"
	"github.com/fruitsalade/workbench/internal/events"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/internal/metrics"
	"github.com/fruitsalade/workbench/internal/quota"
	"github.com/fruitsalade/workbench/internal/runner"
	"github.com/fruitsalade/workbench/internal/workspace"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// maxJSONBody caps save and execute request bodies.
const maxJSONBody = 64 << 20

// HistoryStore serves the command history endpoint.
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]protocol.CommandResult, error)
}

// Deps bundles the components behind the API.
type Deps struct {
	Workspace   *workspace.Workspace
	Expander    *archive.Expander
	Runner      *runner.Runner
	Broadcaster *events.Broadcaster

	// Optional.
	History     HistoryStore
	RateLimiter *quota.RateLimiter

	MaxUploadSize int64
}

// Server is the HTTP server.
type Server struct {
	workspace     *workspace.Workspace
	expander      *archive.Expander
	runner        *runner.Runner
	broadcaster   *events.Broadcaster
	history       HistoryStore
	rateLimiter   *quota.RateLimiter
	maxUploadSize int64
	upgrader      websocket.Upgrader
}

// NewServer creates a new server.
func NewServer(d Deps) *Server {
	return &Server{
		workspace:     d.Workspace,
		expander:      d.Expander,
		runner:        d.Runner,
		broadcaster:   d.Broadcaster,
		history:       d.History,
		rateLimiter:   d.RateLimiter,
		maxUploadSize: d.MaxUploadSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // the API itself is served to any origin
			},
		},
	}
}

// Handler returns the HTTP handler with logging, metrics and recovery
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	limited := quota.RateLimitMiddleware(s.rateLimiter)

	mux.HandleFunc("GET /health", s.handleHealth)

	// Tree
	mux.HandleFunc("GET /api/files", s.handleTree)
	mux.HandleFunc("GET /api/files/{path...}", s.handleReadFile)
	mux.Handle("POST /api/files/save", limited(http.HandlerFunc(s.handleSave)))
	mux.Handle("DELETE /api/files/{path...}", limited(http.HandlerFunc(s.handleDelete)))
	mux.Handle("POST /api/upload", limited(http.HandlerFunc(s.handleUpload)))

	// Commands
	mux.Handle("POST /api/execute", limited(http.HandlerFunc(s.handleExecute)))
	mux.HandleFunc("GET /api/history", s.handleHistory)

	// Push channels
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return logging.Middleware(metrics.Middleware(recoverer(mux)))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:      "ok",
		Subscribers: s.broadcaster.Count(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// recoverer turns a handler panic into a 500 response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.WithContext(r.Context()).Error("handler panic",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{
				Error: "internal error",
				Code:  http.StatusInternalServerError,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.E(errs.TooLarge, "Request body too large", err)
		}
		return errs.E(errs.BadRequest, "Invalid JSON body", err)
	}
	return nil
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sendError writes err as an ErrorResponse with the status of its kind.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.KindOf(err).Status()
	log := logging.WithContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", code), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Int("status", code), zap.Error(err))
	}
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: errs.Message(err),
		Code:  code,
	})
}
