package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-sous/internal/ai"
	"github.com/loqalabs/loqa-sous/internal/coordinator"
	"github.com/loqalabs/loqa-sous/internal/eventstore"
	"github.com/loqalabs/loqa-sous/internal/history"
	"github.com/loqalabs/loqa-sous/internal/protocol"
	"github.com/loqalabs/loqa-sous/internal/session"
)

const maxImageBytes = 10 << 20

type api struct {
	coord    *coordinator.Coordinator
	timeline *eventstore.Store
	logger   *slog.Logger
}

func newAPI(coord *coordinator.Coordinator, timeline *eventstore.Store, logger *slog.Logger) *api {
	return &api{
		coord:    coord,
		timeline: timeline,
		logger:   logger.With(slog.String("component", "http-api")),
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", a.handleChat)
	mux.HandleFunc("POST /v1/recipes/analyze", a.handleAnalyze)
	mux.HandleFunc("POST /v1/greet", a.handleGreet)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
	mux.HandleFunc("DELETE /v1/history", a.handleClearHistory)
	mux.HandleFunc("POST /v1/voice/start", a.handleVoiceStart)
	mux.HandleFunc("POST /v1/voice/stop", a.handleVoiceStop)
	mux.HandleFunc("POST /v1/voice/reset", a.handleVoiceReset)
	mux.HandleFunc("GET /v1/voice/status", a.handleVoiceStatus)
	mux.HandleFunc("GET /v1/timeline", a.handleTimeline)
}

type historyResponse struct {
	ConversationID string         `json:"conversation_id"`
	Turns          []history.Turn `json:"turns"`
}

type voiceStartRequest struct {
	Text string `json:"text"`
}

type voiceResponse struct {
	Outcome string `json:"outcome,omitempty"`
	State   string `json:"state"`
}

func (a *api) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	image, err := ai.DecodeImage(req.ImageMIME, req.ImageBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reply, err := a.coord.Ask(r.Context(), req.Text, image)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ChatResponse{Reply: reply, ConversationID: a.coord.ConversationID()})
}

// handleAnalyze accepts a multipart upload with the photo in the "image" field.
func (a *api) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("expected multipart form with an image field"))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("image field missing"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mime := header.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}

	reply, err := a.coord.AnalyzeImage(r.Context(), ai.Image{MIMEType: mime, Data: data})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recipes": reply})
}

func (a *api) handleGreet(w http.ResponseWriter, r *http.Request) {
	speak, _ := strconv.ParseBool(r.URL.Query().Get("speak"))
	greeted, err := a.coord.Greet(r.Context(), speak)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"greeted": greeted})
}

func (a *api) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, historyResponse{
		ConversationID: a.coord.ConversationID(),
		Turns:          a.coord.HistorySnapshot(),
	})
}

func (a *api) handleClearHistory(w http.ResponseWriter, _ *http.Request) {
	a.coord.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	var req voiceStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := a.coord.StartVoice(r.Context(), req.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, voiceResponse{Outcome: outcome.String(), State: a.coord.State().String()})
}

func (a *api) handleVoiceStop(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.StopVoice(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, voiceResponse{State: a.coord.State().String()})
}

func (a *api) handleVoiceReset(w http.ResponseWriter, _ *http.Request) {
	if err := a.coord.ResetVoice(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, voiceResponse{State: a.coord.State().String()})
}

func (a *api) handleVoiceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.Status())
}

// handleTimeline lists recorded conversations, or the entries of one when
// conversation_id is given.
func (a *api) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if a.timeline == nil || !a.timeline.Enabled() {
		writeError(w, http.StatusNotFound, errors.New("timeline disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	id := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if id == "" {
		convs, err := a.timeline.Conversations(r.Context(), limit)
		if err != nil {
			a.logger.Warn("timeline query failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
		return
	}
	entries, err := a.timeline.List(r.Context(), id, limit)
	if err != nil {
		a.logger.Warn("timeline query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "entries": entries})
}

func statusFor(err error) int {
	var illegal *session.IllegalTransitionError
	var acquisition *session.AcquisitionError
	switch {
	case errors.Is(err, coordinator.ErrEmptyMessage), errors.Is(err, coordinator.ErrNoImage), errors.Is(err, ai.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.As(err, &illegal):
		return http.StatusConflict
	case errors.As(err, &acquisition), errors.Is(err, ai.ErrChatFailed), errors.Is(err, ai.ErrAnalysisFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxImageBytes*2))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
