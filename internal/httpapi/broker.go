package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jerryagenyi/streamorchestratorgo/internal/broker"
	"github.com/jerryagenyi/streamorchestratorgo/internal/healthprobe"
	"github.com/jerryagenyi/streamorchestratorgo/internal/orcherr"
)

// BrokerHandlers implements the broker-oriented Admin HTTP API routes.
type BrokerHandlers struct {
	Broker *broker.Supervisor
	Probe  *healthprobe.Probe
	Log    *slog.Logger
}

func (h *BrokerHandlers) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.Broker.Start(r.Context(), true); err != nil {
		writeError(w, h.Log, orcherr.External("broker-unavailable", "failed to start the broker", err))
		return
	}
	writeOK(w, brokerStatus(h.Broker))
}

func (h *BrokerHandlers) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.Broker.Stop(r.Context(), true); err != nil {
		writeError(w, h.Log, orcherr.External("broker-unavailable", "failed to stop the broker", err))
		return
	}
	writeOK(w, brokerStatus(h.Broker))
}

func (h *BrokerHandlers) Restart(w http.ResponseWriter, r *http.Request) {
	if err := h.Broker.Restart(r.Context(), true); err != nil {
		writeError(w, h.Log, orcherr.External("broker-unavailable", "failed to restart the broker", err))
		return
	}
	writeOK(w, brokerStatus(h.Broker))
}

type configurePatchRequest struct {
	Hostname       string `json:"hostname,omitempty"`
	Port           int    `json:"port,omitempty"`
	SourcePassword string `json:"sourcePassword,omitempty"`
	AdminPassword  string `json:"adminPassword,omitempty"`
	MaxListeners   int    `json:"maxListeners,omitempty"`
	MaxSources     int    `json:"maxSources,omitempty"`
}

func (h *BrokerHandlers) Configure(w http.ResponseWriter, r *http.Request) {
	var req configurePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, orcherr.Validation("malformed-body", "request body is not valid JSON", err))
		return
	}

	cfg, err := h.Broker.Configure(r.Context(), broker.Config{
		Hostname:       req.Hostname,
		Port:           req.Port,
		SourcePassword: req.SourcePassword,
		AdminPassword:  req.AdminPassword,
		MaxListeners:   req.MaxListeners,
		MaxSources:     req.MaxSources,
	})
	if err != nil {
		writeError(w, h.Log, orcherr.External("broker-unavailable", "failed to apply broker configuration", err))
		return
	}
	writeOK(w, cfg)
}

func (h *BrokerHandlers) Status(w http.ResponseWriter, r *http.Request) {
	writeOK(w, brokerStatus(h.Broker))
}

func (h *BrokerHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.Probe.Reconcile(r.Context()))
}

type brokerStatusResponse struct {
	State  string         `json:"state"`
	Config *broker.Config `json:"config,omitempty"`
}

func brokerStatus(sup *broker.Supervisor) brokerStatusResponse {
	return brokerStatusResponse{State: sup.State().String(), Config: sup.Config()}
}
