package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	. "chatrelay/internal/logging"
	"chatrelay/internal/gateway"
	"chatrelay/internal/meter"
	"chatrelay/internal/router"
	"chatrelay/internal/store"
)

// maxFileContext bounds how much attached-file text is folded into a prompt.
const maxFileContext = 256 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type chatBody struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversationId"`
	Hints          []string `json:"hints"`
}

// handleChat runs one chat turn as an SSE stream.
// POST /chat?model=<logicalModelId>
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	u := getUserFromContext(r)

	req := gateway.ChatRequest{Model: r.URL.Query().Get("model")}
	if err := parseChatRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sink, err := NewSSESink(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.gateway.ChatTurn(r.Context(), u, req, sink); err != nil {
		if sink.Started() {
			// The stream already carried an in-band error; nothing to add.
			L_debug("http: chat error after stream start", "error", err)
			return
		}
		status, msg := chatErrorStatus(err)
		writeError(w, status, msg)
	}
}

func parseChatRequest(r *http.Request, req *gateway.ChatRequest) error {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxFileContext); err != nil {
			return errors.New("malformed multipart body")
		}
		req.Message = r.FormValue("message")
		req.ConversationID = r.FormValue("conversationId")
		if hints := r.FormValue("hints"); hints != "" {
			req.ExtraHints = strings.Split(hints, "\n")
		}
		file, _, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			data, err := io.ReadAll(io.LimitReader(file, maxFileContext))
			if err != nil {
				return errors.New("failed to read attached file")
			}
			req.FileContext = string(data)
		}
		return nil
	}

	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return errors.New("malformed JSON body")
	}
	req.Message = body.Message
	req.ConversationID = body.ConversationID
	req.ExtraHints = body.Hints
	return nil
}

// chatErrorStatus maps pre-stream chat failures to HTTP responses.
func chatErrorStatus(err error) (int, string) {
	var insufficient *meter.ErrInsufficientBudget
	var unknown *router.ErrUnknownModel
	var exhausted *router.ErrExhausted

	switch {
	case errors.Is(err, gateway.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &unknown):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.As(err, &insufficient):
		return http.StatusForbidden, err.Error()
	case errors.As(err, &exhausted):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, context.Canceled):
		// Client is gone; the response will never be read anyway
		return http.StatusBadGateway, "request canceled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

type modelView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	BaseCost    int    `json:"baseCost"`
	Disabled    bool   `json:"disabled"`
}

// GET /models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	models := s.gateway.Router().Models()
	out := make([]modelView, 0, len(models))
	for _, m := range models {
		out = append(out, modelView{ID: m.ID, DisplayName: m.DisplayName, BaseCost: m.BaseCost, Disabled: m.Disabled})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

type conversationView struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	LastMessageAt int64  `json:"lastMessageAt"`
	CreatedAt     int64  `json:"createdAt"`
}

// GET /conversations
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	u := getUserFromContext(r)
	convs, err := s.store.ListConversations(r.Context(), u.ID)
	if err != nil {
		L_error("http: conversation list failed", "user", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationView{
			ID:            c.ID,
			Title:         c.Title,
			LastMessageAt: c.LastMessageAt.Unix(),
			CreatedAt:     c.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

type exchangeView struct {
	UserText  string `json:"userText"`
	BotText   string `json:"botText"`
	Model     string `json:"model"`
	CreatedAt int64  `json:"createdAt"`
}

// GET /conversations/{id}
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	u := getUserFromContext(r)
	id := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	// History is private: confirm the conversation belongs to the caller
	convs, err := s.store.ListConversations(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	owned := false
	for _, c := range convs {
		if c.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	hist, err := s.store.History(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]exchangeView, 0, len(hist))
	for _, ex := range hist {
		out = append(out, exchangeView{
			UserText:  ex.UserText,
			BotText:   ex.BotText,
			Model:     ex.Model,
			CreatedAt: ex.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "exchanges": out})
}

type memoryView struct {
	ID        string `json:"id"`
	Fact      string `json:"fact"`
	Category  string `json:"category"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// GET /memories
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	u := getUserFromContext(r)
	items, err := s.store.ListMemories(r.Context(), u.ID, time.Now())
	if err != nil {
		L_error("http: memory list failed", "user", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]memoryView, 0, len(items))
	for _, it := range items {
		v := memoryView{ID: it.ID, Fact: it.Fact, Category: it.Category, CreatedAt: it.CreatedAt.Unix()}
		if !it.ExpiresAt.IsZero() {
			v.ExpiresAt = it.ExpiresAt.Unix()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

// DELETE /memories/{id}
func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "DELETE required")
		return
	}
	u := getUserFromContext(r)
	id := strings.TrimPrefix(r.URL.Path, "/memories/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.store.DeleteMemory(r.Context(), u.ID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "memory not found")
			return
		}
		L_error("http: memory delete failed", "user", u.ID, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// GET /balance?model=<logicalModelId>
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	u := getUserFromContext(r)
	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "model query parameter required")
		return
	}

	balance, err := s.store.GetBalance(r.Context(), u.ID, model)
	if err != nil {
		L_error("http: balance lookup failed", "user", u.ID, "model", model, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":    model,
		"balance":  balance,
		"entitled": u.HasEntitlement(time.Now()),
	})
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
