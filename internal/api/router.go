package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aquafeed/aquafeed-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metricsCfg.Enabled && s.metricsHandler != nil {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		// WebSocket (auth via ticket, validated in handler)
		wsPath := s.wsCfg.Path
		if wsPath == "" {
			wsPath = "/ws"
		}
		r.Get(wsPath, s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/verify", s.handleVerify)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.With(requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.With(requirePermission(auth.PermDeviceRead)).Get("/state", s.handleGetDeviceState)

					r.Group(func(r chi.Router) {
						r.Use(requirePermission(auth.PermDeviceOperate))
						r.Post("/commands/{command}", s.handleDeviceCommand)
						r.Post("/alimentar", s.handleFeed)
					})
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Route("/users", func(r chi.Router) {
					r.Use(requirePermission(auth.PermUserManage))
					r.Get("/", s.handleListUsers)
					r.Post("/", s.handleCreateUser)
					r.Get("/{id}", s.handleGetUser)
					r.Delete("/{id}", s.handleDeleteUser)
				})
				r.With(requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAuditLogs)
			})
		})
	})

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Timestamp string        `json:"timestamp"`
	MQTT      string        `json:"mqtt"`
	Devices   int           `json:"devices"`
	WSClients int           `json:"ws_clients"`
	Ingest    *ingestHealth `json:"ingest,omitempty"`
}

type ingestHealth struct {
	Received       uint64 `json:"received"`
	Applied        uint64 `json:"applied"`
	DecodeFailures uint64 `json:"decode_failures"`
	Dropped        uint64 `json:"dropped"`
}

// handleHealth returns the server health status. The gateway reports "ok"
// while disconnected from the broker since reads still work; the mqtt field
// carries the connection state.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   s.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MQTT:      "unconfigured",
		Devices:   s.query.Count(),
		WSClients: s.hub.ClientCount(),
	}
	if s.broker != nil {
		resp.MQTT = s.broker.State().String()
	}
	if s.ingest != nil {
		st := s.ingest.Stats()
		resp.Ingest = &ingestHealth{
			Received:       st.Received,
			Applied:        st.Applied,
			DecodeFailures: st.DecodeFailures,
			Dropped:        st.Dropped,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
