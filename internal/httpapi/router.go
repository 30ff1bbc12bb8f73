package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/jerryagenyi/streamorchestratorgo/internal/adminguard"
	"github.com/jerryagenyi/streamorchestratorgo/internal/listenerproxy"
)

// Server bundles the dependencies every admin/listener route needs.
type Server struct {
	Streams *StreamHandlers
	Broker  *BrokerHandlers
	Devices *DeviceHandlers
	System  *SystemHandlers
	Proxy   *listenerproxy.Proxy
	Guard   *adminguard.Guard
	Tokens  *adminguard.TokenIssuer
	Log     *slog.Logger
}

// Router builds the complete mux: the Admin HTTP API plus the Listener
// HTTP surface, wrapped by AdminGuard (spec.md §6).
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/streams", s.Streams.Create)
	mux.HandleFunc("GET /api/streams", s.Streams.List)
	mux.HandleFunc("PATCH /api/streams/{id}", s.Streams.Update)
	mux.HandleFunc("DELETE /api/streams/{id}", s.Streams.Delete)
	mux.HandleFunc("POST /api/streams/{id}/start", s.Streams.Start)
	mux.HandleFunc("POST /api/streams/{id}/stop", s.Streams.Stop)
	mux.HandleFunc("POST /api/streams/{id}/restart", s.Streams.Restart)
	mux.HandleFunc("POST /api/streams/start-all", s.Streams.StartAll)
	mux.HandleFunc("POST /api/streams/stop-all", s.Streams.StopAll)
	mux.HandleFunc("POST /api/streams/reorder", s.Streams.Reorder)
	mux.HandleFunc("GET /api/streams/status", s.Streams.PublicStatus)
	mux.HandleFunc("GET /api/streams/{id}/metrics", s.Streams.Metrics)

	mux.HandleFunc("POST /api/broker/start", s.Broker.Start)
	mux.HandleFunc("POST /api/broker/stop", s.Broker.Stop)
	mux.HandleFunc("POST /api/broker/restart", s.Broker.Restart)
	mux.HandleFunc("POST /api/broker/configure", s.Broker.Configure)
	mux.HandleFunc("GET /api/broker/status", s.Broker.Status)
	mux.HandleFunc("GET /api/broker/health", s.Broker.Health)

	mux.HandleFunc("GET /api/devices", s.Devices.List)

	mux.HandleFunc("GET /api/system/config", s.System.Config)
	mux.HandleFunc("GET /api/health", s.System.Health)
	mux.HandleFunc("POST /api/auth/login", s.System.Login)

	mux.HandleFunc("GET /streams", s.System.ListenerPage)
	mux.Handle("GET /listen/{streamId...}", s.Proxy)

	return s.Guard.Wrap(mux)
}
