package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jerryagenyi/streamorchestratorgo/internal/diagnosis"
	"github.com/jerryagenyi/streamorchestratorgo/internal/orcherr"
	"github.com/jerryagenyi/streamorchestratorgo/internal/streammanager"
)

// StreamHandlers implements the stream-oriented Admin HTTP API routes
// and the public listener-facing status route.
type StreamHandlers struct {
	Manager *streammanager.Manager
	Log     *slog.Logger
}

type createStreamRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DeviceID      string `json:"deviceId"`
	InputFilePath string `json:"inputFilePath"`
	BitrateKbps   int    `json:"bitrateKbps"`
	Format        string `json:"format"`
	SampleRate    int    `json:"sampleRate"`
	Channels      int    `json:"channels"`
}

// streamDTO is the admin-API JSON representation of a Stream: explicit
// json tags for the lowercase keys spec.md §9 mandates, and the
// IntentionallyStopped/NeedsRestart bookkeeping fields dropped, per
// spec.md §9's resolved Open Question that those are internal and never
// surfaced to the API.
type streamDTO struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Position      int                  `json:"position"`
	DeviceID      string               `json:"deviceId,omitempty"`
	InputFilePath string               `json:"inputFilePath,omitempty"`
	BitrateKbps   int                  `json:"bitrateKbps"`
	Format        string               `json:"format"`
	SampleRate    int                  `json:"sampleRate"`
	Channels      int                  `json:"channels"`
	CreatedAt     time.Time            `json:"createdAt"`
	Status        streammanager.Status `json:"status"`
	StartedAt     time.Time            `json:"startedAt,omitempty"`
	LastError     *diagnosis.Diagnosis `json:"lastError,omitempty"`
}

func toStreamDTO(s streammanager.Stream) streamDTO {
	return streamDTO{
		ID:            s.ID,
		Name:          s.Name,
		Position:      s.Position,
		DeviceID:      s.DeviceID,
		InputFilePath: s.InputFilePath,
		BitrateKbps:   s.BitrateKbps,
		Format:        s.Format,
		SampleRate:    s.SampleRate,
		Channels:      s.Channels,
		CreatedAt:     s.CreatedAt,
		Status:        s.Status,
		StartedAt:     s.StartedAt,
		LastError:     s.LastExitDiagnosis,
	}
}

func (h *StreamHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, orcherr.Validation("malformed-body", "request body is not valid JSON", err))
		return
	}

	stream, err := h.Manager.CreateStream(req.ID, streammanager.CreateSpec{
		Name:          req.Name,
		DeviceID:      req.DeviceID,
		InputFilePath: req.InputFilePath,
		BitrateKbps:   req.BitrateKbps,
		Format:        req.Format,
		SampleRate:    req.SampleRate,
		Channels:      req.Channels,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	// spec.md §8 Scenario A documents a 200 response for stream creation.
	writeOK(w, toStreamDTO(*stream))
}

type updateStreamRequest struct {
	Name          string `json:"name"`
	DeviceID      string `json:"deviceId"`
	InputFilePath string `json:"inputFilePath"`
	BitrateKbps   int    `json:"bitrateKbps"`
	Format        string `json:"format"`
	SampleRate    int    `json:"sampleRate"`
	Channels      int    `json:"channels"`
}

func (h *StreamHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, orcherr.Validation("malformed-body", "request body is not valid JSON", err))
		return
	}

	if err := h.Manager.UpdateStream(r.Context(), id, streammanager.UpdateSpec{
		Name:          req.Name,
		DeviceID:      req.DeviceID,
		InputFilePath: req.InputFilePath,
		BitrateKbps:   req.BitrateKbps,
		Format:        req.Format,
		SampleRate:    req.SampleRate,
		Channels:      req.Channels,
	}); err != nil {
		writeError(w, h.Log, err)
		return
	}

	stream, _ := h.Manager.Get(id)
	writeOK(w, toStreamDTO(stream))
}

func (h *StreamHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.DeleteStream(r.Context(), id); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeOK(w, map[string]string{"id": id})
}

func (h *StreamHandlers) Start(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.StartStream(r.Context(), id); err != nil {
		writeError(w, h.Log, err)
		return
	}
	stream, _ := h.Manager.Get(id)
	writeOK(w, toStreamDTO(stream))
}

func (h *StreamHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.StopStream(r.Context(), id); err != nil {
		writeError(w, h.Log, err)
		return
	}
	stream, _ := h.Manager.Get(id)
	writeOK(w, toStreamDTO(stream))
}

func (h *StreamHandlers) Restart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.RestartStream(r.Context(), id); err != nil {
		writeError(w, h.Log, err)
		return
	}
	stream, _ := h.Manager.Get(id)
	writeOK(w, toStreamDTO(stream))
}

func (h *StreamHandlers) StartAll(w http.ResponseWriter, r *http.Request) {
	writeOK(w, errorsToStrings(h.Manager.StartAllStopped(r.Context())))
}

func (h *StreamHandlers) StopAll(w http.ResponseWriter, r *http.Request) {
	writeOK(w, errorsToStrings(h.Manager.StopAll(r.Context())))
}

func errorsToStrings(errs map[string]error) map[string]string {
	out := make(map[string]string, len(errs))
	for id, err := range errs {
		if err != nil {
			out[id] = err.Error()
		}
	}
	return out
}

type reorderRequest struct {
	Order []string `json:"order"`
}

func (h *StreamHandlers) Reorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, orcherr.Validation("malformed-body", "request body is not valid JSON", err))
		return
	}
	if err := h.Manager.Reorder(req.Order); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeOK(w, h.Manager.GetStats())
}

func (h *StreamHandlers) List(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.Manager.GetStats())
}

// Metrics reports the live resource usage (FDs, memory, threads, uptime)
// of the stream's encoder subprocess, when one is running.
func (h *StreamHandlers) Metrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	metrics, err := h.Manager.StreamMetrics(id)
	if err != nil {
		writeError(w, h.Log, orcherr.NotFound("stream-metrics-unavailable", err.Error()))
		return
	}
	writeOK(w, metrics)
}

// publicStat is the LAN-visible subset of a Stream's status (spec.md
// §6: "public subset: id, name, status, position").
type publicStat struct {
	ID       string               `json:"id"`
	Name     string               `json:"name"`
	Status   streammanager.Status `json:"status"`
	Position int                  `json:"position"`
}

func (h *StreamHandlers) PublicStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.Manager.GetStats()
	public := make([]publicStat, 0, len(stats))
	for _, s := range stats {
		public = append(public, publicStat{ID: s.ID, Name: s.Name, Status: s.Status, Position: s.Position})
	}
	writeOK(w, public)
}
