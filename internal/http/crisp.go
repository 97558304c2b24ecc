package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/crisprelay/internal/channels"
	crispchan "github.com/nextlevelbuilder/crisprelay/internal/channels/crisp"
	"github.com/nextlevelbuilder/crisprelay/internal/crisp"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

// Ingester accepts raw Crisp message events.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (crispchan.IngestResult, error)
}

// MessageSender posts messages into Crisp conversations.
type MessageSender interface {
	SendMessage(ctx context.Context, websiteID, sessionID string, msg crisp.MessageData) error
}

// CrispHandler serves the Crisp ingest and send-message endpoints.
type CrispHandler struct {
	ingester Ingester
	sender   MessageSender
	token    string
	limiter  *channels.WebhookRateLimiter // nil = unlimited
}

// NewCrispHandler creates the handler. An empty token leaves the routes open.
func NewCrispHandler(ingester Ingester, sender MessageSender, token string, limiter *channels.WebhookRateLimiter) *CrispHandler {
	return &CrispHandler{ingester: ingester, sender: sender, token: token, limiter: limiter}
}

// RegisterRoutes registers the Crisp routes on the given mux.
func (h *CrispHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.RouteRTMIngest, h.auth(h.handleIngest))
	mux.HandleFunc("POST "+protocol.RouteSendMessage, h.auth(h.handleSendMessage))
}

func (h *CrispHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && !tokenMatches(extractBearerToken(r), h.token) {
			WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *CrispHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(remoteHost(r)) {
		slog.Warn("security.rate_limited", "route", protocol.RouteRTMIngest, "remote", remoteHost(r))
		WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	res, err := h.ingester.Ingest(r.Context(), raw)
	if err != nil {
		slog.Debug("crisp ingest rejected", "error", err)
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if res == crispchan.IngestQueueFull {
		w.Header().Set("Retry-After", "1")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"accepted": false,
			"reason":   res.Reason(),
		})
		return
	}

	body := map[string]interface{}{"accepted": res.Relayed()}
	if res == crispchan.IngestDuplicate {
		body["duplicate"] = true
	}
	if reason := res.Reason(); reason != "" {
		body["reason"] = reason
	}
	WriteJSON(w, http.StatusAccepted, body)
}

type sendMessageRequest struct {
	WebsiteID string `json:"website_id"`
	SessionID string `json:"session_id"`
	Message   *struct {
		Type    string `json:"type"`
		From    string `json:"from"`
		Origin  string `json:"origin"`
		Content string `json:"content"`
	} `json:"message"`
}

func (h *CrispHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.WebsiteID == "" || req.SessionID == "" || req.Message == nil {
		WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "Missing required fields",
			"required": []string{"website_id", "session_id", "message"},
		})
		return
	}

	data := crisp.MessageData{
		Type:    req.Message.Type,
		From:    req.Message.From,
		Origin:  req.Message.Origin,
		Content: req.Message.Content,
	}
	if data.Type == "" {
		data.Type = protocol.KindText
	}
	if data.From == "" {
		data.From = protocol.FromOperator
	}
	if data.Origin == "" {
		data.Origin = protocol.OriginChat
	}

	slog.Info("sending message to conversation", "website_id", req.WebsiteID, "session_id", req.SessionID)
	if err := h.sender.SendMessage(r.Context(), req.WebsiteID, req.SessionID, data); err != nil {
		status := http.StatusInternalServerError
		var apiErr *crisp.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.Status
		}
		slog.Error("send message failed", "session_id", req.SessionID, "status", status, "error", err)
		WriteJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Message sent successfully",
		"timestamp": Timestamp(),
	})
}
