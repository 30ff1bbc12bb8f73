package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/jerryagenyi/streamorchestratorgo/internal/device"
	"github.com/jerryagenyi/streamorchestratorgo/internal/orcherr"
)

// DeviceHandlers implements GET /api/devices.
type DeviceHandlers struct {
	Devices *device.Service
	Log     *slog.Logger
}

func (h *DeviceHandlers) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		h.Devices.ClearCache()
	}

	devices, err := h.Devices.Enumerate(r.Context())
	if err != nil {
		writeError(w, h.Log, orcherr.External("device-enumeration-failed", "failed to enumerate audio devices", err))
		return
	}
	writeOK(w, devices)
}
