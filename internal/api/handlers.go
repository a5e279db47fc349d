package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// webhookPayload is the generic inbound webhook body. Gateways that cannot
// set an Authorization header may carry the credential in the payload.
type webhookPayload struct {
	SenderID     string `json:"sender_id"`
	Text         string `json:"text"`
	MessageID    string `json:"message_id"`
	TimestampUTC string `json:"timestamp_utc"`
	AuthHeader   string `json:"auth_header,omitempty"`
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messageHandler: processing webhook request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var p webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid JSON format"))
		return
	}

	msg := models.InboundMessage{
		MessageID:  p.MessageID,
		SenderID:   p.SenderID,
		Text:       p.Text,
		AuthHeader: p.AuthHeader,
	}
	if msg.AuthHeader == "" {
		msg.AuthHeader = r.Header.Get("Authorization")
	}
	msg.Timestamp = parseTimestamp(p.TimestampUTC)

	out, err := s.orch.Process(r.Context(), msg)
	switch {
	case errors.Is(err, models.ErrAuth):
		writeJSONResponse(w, http.StatusUnauthorized, errorResponse("Unauthorized"))
		return
	case errors.Is(err, models.ErrEmptySender):
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("sender_id is required"))
		return
	case err != nil:
		slog.Error("Server.messageHandler: pipeline failed",
			"senderID", models.RedactPhone(msg.SenderID), "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Internal server error"))
		return
	case out == nil:
		// Duplicate delivery: acknowledged, no reply produced.
		writeJSONResponse(w, http.StatusOK, successResponse("Duplicate message ignored", nil))
		return
	}

	writeJSONResponse(w, http.StatusOK, successResponse("Message processed", replyBody{
		Text:     out.Text,
		Category: string(out.Category),
	}))
}

type replyBody struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

type healthBody struct {
	Status   string            `json:"status"`
	Breakers map[string]string `json:"breakers"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body := healthBody{Status: "ok", Breakers: map[string]string{}}
	for _, stage := range []string{"preprocess", "state_machine", "postprocess"} {
		if status, ok := s.orch.BreakerStatus(stage); ok {
			body.Breakers[stage] = string(status)
		}
	}
	writeJSONResponse(w, http.StatusOK, body)
}
