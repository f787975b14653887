package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/engine"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

// restInput builds the normalised input for a gateway request.
func restInput(r *http.Request, req protocol.MessageRequest) transport.ParsedInput {
	platform := req.Platform
	if platform == "" {
		platform = "rest"
	}
	return transport.ParsedInput{
		Platform:  platform,
		Text:      req.Text,
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		RequestID: req.RequestID,
		EventID:   uuid.NewString(),
		Reply: session.ReplyContext{
			Platform: platform,
			ChatID:   req.ChatID,
		},
		Meta: transport.Metadata{
			REST: &transport.RESTMeta{
				RemoteAddr: r.RemoteAddr,
				UserAgent:  r.UserAgent(),
			},
		},
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req protocol.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	input := restInput(r, req)
	queued, err := s.core.ReceiveMessage(r.Context(), input)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, protocol.MessageResponse{
		Queued:  queued,
		EventID: input.EventID,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req protocol.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	content, err := s.core.HandleSync(r.Context(), restInput(r, req))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.SyncResponse{Content: content})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	key, ok := queryKey(w, r)
	if !ok {
		return
	}
	snap, err := s.core.BatchState(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		key, ok := queryKey(w, r)
		if !ok {
			return
		}
		meta, err := s.core.Metadata(r.Context(), key)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, meta)

	case http.MethodPut, http.MethodPost:
		var req protocol.MetadataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		key := session.NewKey("rest", req.UserID, req.ChatID)
		if err := s.core.SetMetadata(r.Context(), key, req.Key, req.Value); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or PUT required")
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req protocol.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	input := restInput(r, protocol.MessageRequest{UserID: req.UserID, ChatID: req.ChatID})
	if err := s.core.ReceiveCallback(r.Context(), input, req.Data); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req protocol.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	platform := req.Platform
	if platform == "" {
		platform = "rest"
	}
	key := session.NewKey(platform, req.UserID, req.ChatID)
	if err := s.core.ClearHistory(r.Context(), key); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	key, ok := queryKey(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.core.DebugReport(r.Context(), key)))
}

// queryKey reads the session identity from query parameters.
func queryKey(w http.ResponseWriter, r *http.Request) (session.Key, bool) {
	q := r.URL.Query()
	platform := q.Get("platform")
	if platform == "" {
		platform = "rest"
	}
	userID, chatID := q.Get("user_id"), q.Get("chat_id")
	if userID == "" || chatID == "" {
		writeError(w, http.StatusBadRequest, "user_id and chat_id are required")
		return session.Key{}, false
	}
	return session.NewKey(platform, userID, chatID), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
