// Package olympus is the management surface: an HTTP API over the broker
// covering enqueue, queue views, message surgery, clears, import/export
// and the live change-event feeds (SSE and WebSocket). The dashboard and
// the CLI are both clients of this API.
package olympus

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acheron-mq/acheron/pkg/acheron"
	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/hermes"
	"github.com/acheron-mq/acheron/pkg/hermes/audit"
	"github.com/acheron-mq/acheron/pkg/iris"
	"github.com/acheron-mq/acheron/pkg/lethe"
	"github.com/acheron-mq/acheron/pkg/minos"
	"github.com/acheron-mq/acheron/pkg/moirai"
)

// DefaultHeartbeat is the interval between SSE keep-alive comments.
const DefaultHeartbeat = 15 * time.Second

// Server binds the queue operations to their HTTP routes. Collaborator
// fields are exported and may be replaced after NewServer, before the
// first call to Handler.
type Server struct {
	Broker *acheron.Broker
	Query  *minos.Query
	Mover  *moirai.Mover
	Editor *moirai.Editor
	Purger *lethe.Purger
	Bus    iris.Bus
	Trail  *audit.Trail
	Logger hermes.Logger

	// APIKey guards every /api route. Empty means insecure mode: all
	// requests are allowed and a warning is logged once.
	APIKey string

	// RateLimit is the per-client request budget in requests per second.
	// Zero disables rate limiting.
	RateLimit int
	RateBurst int

	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration

	limiter *IPLimiter
}

// NewServer wires a Server over the broker, deriving the query, move,
// edit and purge collaborators from it.
func NewServer(broker *acheron.Broker, bus iris.Bus, logger hermes.Logger) *Server {
	if logger == nil {
		logger = hermes.NewNoopLogger()
	}
	return &Server{
		Broker:    broker,
		Query:     minos.NewQuery(broker, logger),
		Mover:     moirai.NewMover(broker, logger),
		Editor:    moirai.NewEditor(broker, logger),
		Purger:    lethe.NewPurger(broker, logger),
		Bus:       bus,
		Logger:    logger,
		Heartbeat: DefaultHeartbeat,
	}
}

// Handler builds the route table. Everything under /api sits behind the
// API-key and rate-limit middleware; the liveness and metrics endpoints
// stay open for probes and scrapers.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/queue/config", s.handleConfig)
	api.HandleFunc("GET /api/queue/status", s.handleStatus)
	api.HandleFunc("GET /api/queue/{type}/messages", s.handleMessages)
	api.HandleFunc("POST /api/queue/message", s.handleEnqueue)
	api.HandleFunc("PUT /api/queue/message/{id}", s.handleUpdate)
	api.HandleFunc("DELETE /api/queue/message/{id}", s.handleDelete)
	api.HandleFunc("POST /api/queue/messages/delete", s.handleDeleteBulk)
	api.HandleFunc("POST /api/queue/move", s.handleMove)
	api.HandleFunc("DELETE /api/queue/{type}/clear", s.handleClear)
	api.HandleFunc("DELETE /api/queue/clear", s.handleClearAll)
	api.HandleFunc("GET /api/queue/{type}/export", s.handleExport)
	api.HandleFunc("POST /api/queue/import", s.handleImport)
	api.HandleFunc("GET /api/queue/events", s.handleEvents)
	api.HandleFunc("GET /api/queue/events/ws", s.handleEventsWS)
	api.HandleFunc("GET /api/queue/health", s.handleHealth)
	api.HandleFunc("GET /api/queue/audit", s.handleAudit)

	if s.RateLimit > 0 && s.limiter == nil {
		s.limiter = NewIPLimiter(s.RateLimit, s.RateBurst)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleLiveness)
	root.Handle("GET /metrics", promhttp.Handler())
	root.Handle("/api/", s.throttle(s.requireKey(api)))
	return root
}

// Close releases middleware resources. The Handler remains usable for
// in-flight requests but rate limiting stops pruning idle clients.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON renders v with the given status. The status is committed
// before encoding, so encoding failures cannot be reported anymore.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeMessage renders the failure envelope used across the API.
func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"message": msg})
}

// failErr maps a domain error to its HTTP status and failure envelope.
func (s *Server) failErr(w http.ResponseWriter, err error) {
	httpErr := domain.ToHTTPError(err)
	s.writeMessage(w, httpErr.HTTPStatusCode(), httpErr.Message)
}
