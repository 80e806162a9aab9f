package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
)

// Server wraps http.Server with context-driven graceful shutdown.
type Server struct {
	Addr string
	Mux  http.Handler
	Log  *zap.Logger
}

func NewServer(addr string, mux http.Handler, log *zap.Logger) *Server {
	return &Server{Addr: addr, Mux: mux, Log: log}
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Info("http server listening", zap.String("addr", s.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// NewRouter applies the shared middleware stack.
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := bizerr.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		writeJSON(w, status, errBody{Code: string(code), Message: "internal error"})
		return
	}
	var be *bizerr.Error
	msg := err.Error()
	if errors.As(err, &be) {
		msg = be.Message
	}
	writeJSON(w, status, errBody{Code: string(code), Message: msg})
}

func statusOf(code bizerr.Code) int {
	switch code {
	case bizerr.CodeInvalidParam:
		return http.StatusBadRequest
	case bizerr.CodeNotFound:
		return http.StatusNotFound
	case bizerr.CodeStateInvalid, bizerr.CodeConflict, bizerr.CodeInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
