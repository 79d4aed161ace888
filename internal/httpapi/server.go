// Package httpapi serves the shepherd's small HTTP surface: the Lens index
// page and static assets, the websocket bridge, and the agent status view.
package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/bus"
	"github.com/hongzhonglu/vivarium/internal/config"
	"github.com/hongzhonglu/vivarium/internal/gateway"
	"github.com/hongzhonglu/vivarium/internal/jsonx"
	"github.com/hongzhonglu/vivarium/internal/shepherd"
)

// Server bundles the HTTP handlers with their collaborators.
type Server struct {
	bus      *bus.Bus
	cache    *gateway.Cache
	producer gateway.Publisher
	sup      *shepherd.Supervisor
	topics   config.TopicsConfig
	public   string
	handler  ClientHandler
	logger   *zap.Logger
}

// NewServer wires the HTTP surface. handler decides what to do with inbound
// websocket client messages; nil selects the default handler.
func NewServer(
	b *bus.Bus,
	cache *gateway.Cache,
	producer gateway.Publisher,
	sup *shepherd.Supervisor,
	cfg *config.Config,
	handler ClientHandler,
	logger *zap.Logger,
) *Server {
	if handler == nil {
		handler = DefaultClientHandler
	}
	return &Server{
		bus:      b,
		cache:    cache,
		producer: producer,
		sup:      sup,
		topics:   cfg.Topics,
		public:   cfg.Service.PublicDir,
		handler:  handler,
		logger:   logger,
	}
}

// RegisterRoutes attaches all handlers to mux. The file server under "/"
// serves the index page and the rest of the public directory.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/", http.FileServer(http.Dir(s.public)))
}

// handleStatus reports every registry entry with its liveness at response
// time.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.sup.Status()
	view := make([]any, len(statuses))
	for i, st := range statuses {
		view[i] = map[string]any{
			"agent_id":     st.AgentID,
			"agent_type":   st.AgentType,
			"agent_config": st.AgentConfig,
			"alive":        st.Alive,
		}
	}
	body, err := jsonx.Marshal(view)
	if err != nil {
		s.logger.Error("Status serialization failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
