package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/jerryagenyi/streamorchestratorgo/internal/adminguard"
	"github.com/jerryagenyi/streamorchestratorgo/internal/healthprobe"
	"github.com/jerryagenyi/streamorchestratorgo/internal/orcherr"
)

// SystemHandlers implements the remaining listener-facing and
// cross-cutting Admin HTTP API routes: public config, health, login,
// and the static listener page.
type SystemHandlers struct {
	Port             int
	Probe            *healthprobe.Probe
	Tokens           *adminguard.TokenIssuer
	ListenerPageHTML []byte
	Log              *slog.Logger
}

type systemConfigResponse struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Config returns the host/port clients should use to build listener
// URLs, preferring a private LAN IPv4 address over loopback (spec.md
// §6) so a listener on another device on the LAN gets a reachable host.
func (h *SystemHandlers) Config(w http.ResponseWriter, r *http.Request) {
	writeOK(w, systemConfigResponse{Host: preferredLANHost(), Port: h.Port})
}

func preferredLANHost() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		if isPrivateIPv4(ip4) {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

func isPrivateIPv4(ip net.IP) bool {
	return ip[0] == 10 ||
		(ip[0] == 172 && ip[1]&0xf0 == 16) ||
		(ip[0] == 192 && ip[1] == 168)
}

func (h *SystemHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.Probe.Reconcile(r.Context()))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *SystemHandlers) Login(w http.ResponseWriter, r *http.Request) {
	if h.Tokens == nil {
		writeError(w, h.Log, orcherr.Precondition("auth-disabled", "admin login is not configured", nil))
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, orcherr.Validation("malformed-body", "request body is not valid JSON", err))
		return
	}

	token, err := h.Tokens.Issue(req.Username, req.Password)
	if err != nil {
		writeError(w, h.Log, orcherr.Validation("invalid-credentials", "invalid admin credentials", err))
		return
	}
	writeOK(w, map[string]string{"token": token})
}

func (h *SystemHandlers) ListenerPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if len(h.ListenerPageHTML) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<!doctype html><title>Streams</title><p>No listener page configured.</p>"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.ListenerPageHTML)
}
