package logging

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(Replace(zap.New(core)))
	return logs
}

func TestMiddlewareRequestID(t *testing.T) {
	logs := observe(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files/{path...}", func(w http.ResponseWriter, r *http.Request) {
		WithContext(r.Context()).Info("reading", Path(r.PathValue("path")))
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/a/b.txt", nil))

	id := rec.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected generated uuid, got %q", id)
	}

	handlerLogs := logs.FilterMessage("reading").All()
	if len(handlerLogs) != 1 || handlerLogs[0].ContextMap()["request_id"] != id {
		t.Errorf("handler log not tagged with request id: %+v", handlerLogs)
	}

	done := logs.FilterMessage("request completed").All()
	if len(done) != 1 {
		t.Fatalf("expected one completion log, got %d", len(done))
	}
	fields := done[0].ContextMap()
	if fields["route"] != "GET /api/files/{path...}" {
		t.Errorf("unexpected route %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusNotFound) {
		t.Errorf("unexpected status %v", fields["status"])
	}
	if done[0].Level != zapcore.InfoLevel {
		t.Errorf("expected info level, got %v", done[0].Level)
	}
}

func TestMiddlewareKeepsClientRequestID(t *testing.T) {
	observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("X-Request-ID", "client-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "client-42" {
		t.Errorf("expected client request id, got %q", got)
	}
}

func TestMiddlewareHealthAtDebug(t *testing.T) {
	logs := observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	done := logs.FilterMessage("request completed").All()
	if len(done) != 1 || done[0].Level != zapcore.DebugLevel {
		t.Errorf("expected one debug completion log, got %+v", done)
	}
}

func TestReplaceRestores(t *testing.T) {
	first := observe(t)

	restore := Replace(zap.NewNop())
	Info("dropped")
	restore()
	Info("kept")

	if first.FilterMessage("dropped").Len() != 0 || first.FilterMessage("kept").Len() != 1 {
		t.Errorf("unexpected logs %+v", first.All())
	}
}

func TestLevelHandler(t *testing.T) {
	t.Cleanup(func() { level.SetLevel(zapcore.InfoLevel) })

	req := httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"debug"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	LevelHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status %d: %s", rec.Code, rec.Body.String())
	}
	if level.Level() != zapcore.DebugLevel {
		t.Errorf("level not changed, got %v", level.Level())
	}

	rec = httptest.NewRecorder()
	LevelHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/loglevel", nil))
	if !strings.Contains(rec.Body.String(), `"debug"`) {
		t.Errorf("unexpected GET body %q", rec.Body.String())
	}
}

func TestInitRejectsBadLevel(t *testing.T) {
	t.Cleanup(Replace(zap.NewNop()))
	if err := Init(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
