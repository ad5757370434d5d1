package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/mailpacer/internal/service"
)

type MessageController struct {
	Admin *service.AdminService
	Log   *zap.Logger
}

func NewMessageController(admin *service.AdminService, log *zap.Logger) *MessageController {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageController{Admin: admin, Log: log}
}

// Routes mounts the message endpoints on r.
func (c *MessageController) Routes(r chi.Router) {
	r.Get("/messages", c.ListMessages)
	r.Post("/messages/reset", c.ResetByEmail)
	r.Get("/messages/{id}", c.GetMessage)
	r.Post("/messages/{id}/reset", c.ResetByID)
	r.Get("/stats", c.Stats)
	r.Get("/quota", c.Quota)
}

func (c *MessageController) ListMessages(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters; bad numbers fall back to the defaults
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	result, err := c.Admin.ListMessages(r.Context(), page, pageSize, status)
	if err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":       result.Messages,
		"pagination": result.Pagination,
	})
}

func (c *MessageController) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	msg, err := c.Admin.GetMessage(r.Context(), id)
	if err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, msg)
}

func (c *MessageController) ResetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := c.Admin.ResetByID(r.Context(), id); err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "status": "pending"})
}

func (c *MessageController) ResetByEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	n, err := c.Admin.ResetByEmail(r.Context(), body.Email)
	if err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"email": body.Email, "reset": n})
}

func (c *MessageController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.Admin.Stats(r.Context())
	if err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (c *MessageController) Quota(w http.ResponseWriter, r *http.Request) {
	q, err := c.Admin.Quota(r.Context())
	if err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, q)
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
		return 0, false
	}
	return id, true
}
