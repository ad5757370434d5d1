// internal/handler/dispatch_handler.go
package handler

import (
	"context"
	"expvar"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/mailpacer/internal/controller"
	"github.com/unclebandit/mailpacer/internal/service"
)

// Dispatcher runs one scheduler pass.
type Dispatcher interface {
	RunPass(ctx context.Context) (*service.PassResult, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DispatchHandler holds the dependencies for the dispatch and health endpoints
type DispatchHandler struct {
	Scheduler Dispatcher
	DB        Pinger
	Log       *zap.Logger
}

func NewDispatchHandler(s Dispatcher, db Pinger, log *zap.Logger) *DispatchHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &DispatchHandler{Scheduler: s, DB: db, Log: log}
}

// Dispatch runs a pass and returns both policy summaries. A pass skipped
// because another one holds the lock answers 409.
func (h *DispatchHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	h.Log.Info("📥 Dispatch requested", zap.String("remote", r.RemoteAddr))

	res, err := h.Scheduler.RunPass(r.Context())
	if err != nil {
		controller.WriteError(w, h.Log, err)
		return
	}
	if res.Skipped {
		controller.WriteJSON(w, http.StatusConflict, res)
		return
	}
	controller.WriteJSON(w, http.StatusOK, res)
}

func (h *DispatchHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			controller.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewRouter builds the admin API.
func NewRouter(messages *controller.MessageController, dispatch *DispatchHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", dispatch.Health)
	r.Post("/dispatch", dispatch.Dispatch)
	r.Handle("/debug/vars", expvar.Handler())
	messages.Routes(r)
	return r
}
