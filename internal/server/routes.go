package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/valet-ai/valet/internal/bus"
	"github.com/valet-ai/valet/internal/domain"
)

// deviceIDHeader names the voice device making the request. It doubles
// as the conversation id so a device keeps its context across prompts.
const deviceIDHeader = "x-device-id"

const voiceRequesterName = "Amazon Alexa"

type promptRequest struct {
	Query string `json:"query"`
}

type promptResponse struct {
	Response string `json:"response"`
}

// handlePrompt runs one voice turn synchronously: it emits a web query
// and holds the request open until the pipeline resolves it.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		http.Error(w, "missing query", http.StatusBadRequest)
		return
	}

	deviceID := r.Header.Get(deviceIDHeader)
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	AddLogField(r.Context(), "device_id", deviceID)

	ch := make(chan replyOutcome, 1)
	s.bus.Emit(r.Context(), bus.WebQuery(bus.Query{
		Data: bus.RequestData{
			ID:    deviceID,
			Name:  voiceRequesterName,
			Input: req.Query,
		},
		Source:    domain.SourceVoice,
		ReplyKind: bus.KindHTTPReply,
		ErrorKind: bus.KindHTTPError,
		Metadata:  map[string]any{metadataReplyChannel: ch},
		Cache: bus.CacheOverride{
			TTLSeconds: s.cfg.VoiceCacheTTL,
			BaseKey:    s.cfg.VoiceCacheBaseKey,
		},
	}))

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			AddError(r.Context(), outcome.err)
			http.Error(w, "upstream failure", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(promptResponse{Response: outcome.result.Response})
	case <-r.Context().Done():
		http.Error(w, "timed out waiting for a reply", http.StatusGatewayTimeout)
	}
}

type reminder struct {
	TargetID    string `json:"targetId"`
	UserName    string `json:"userName"`
	Prompt      string `json:"prompt"`
	Description string `json:"description"`
}

// handleReminders accepts a batch of triggered reminders and fans each
// out as a fire-and-forget assistant query. The scheduler only needs the
// 201; replies route to the reminder's chat target.
func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	var reminders []reminder
	if err := json.NewDecoder(r.Body).Decode(&reminders); err != nil {
		http.Error(w, "malformed reminder batch", http.StatusBadRequest)
		return
	}

	for _, rem := range reminders {
		input := fmt.Sprintf(`
  [METADATA]
  TargetId: %s
  Name: %s

  **REMINDER TRIGGERED**
  [TRIGGER PROMPT]
  %s

  [DESCRIPTION]
  %s`, rem.TargetID, rem.UserName, rem.Prompt, rem.Description)

		// Fire-and-forget: the turn must outlive this request.
		s.bus.Emit(context.WithoutCancel(r.Context()), bus.AssistantQuery(bus.Query{
			Data: bus.RequestData{
				ID:    rem.TargetID,
				Name:  rem.UserName,
				Input: input,
			},
			Source:    domain.SourceChat,
			ReplyKind: bus.KindChatReply,
			ErrorKind: bus.KindChatError,
			Metadata:  map[string]any{"target_id": rem.TargetID},
		}))
	}

	w.WriteHeader(http.StatusCreated)
}
