// Package server is the HTTP/WebSocket transport boundary: it accepts
// connections at /ws, wires each into a workspace.Session, and exposes
// the non-core health/workspace-info endpoints (§6).
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/scratchcollab/colabd/pkg/logger"
	"github.com/scratchcollab/colabd/pkg/ticket"
	"github.com/scratchcollab/colabd/pkg/workspace"
)

// Server is the main HTTP server: one route per concern, wired through
// gorilla/mux for the path-parameterized /workspace/{id} route.
type Server struct {
	registry  *workspace.Registry
	verifier  *ticket.Verifier
	startTime time.Time
	router    *mux.Router
}

// NewServer constructs a Server bound to a workspace registry and ticket
// verifier.
func NewServer(registry *workspace.Registry, verifier *ticket.Verifier) *Server {
	s := &Server{
		registry:  registry,
		verifier:  verifier,
		startTime: time.Now(),
		router:    mux.NewRouter(),
	}

	s.router.HandleFunc("/ws", s.handleSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/workspace/{id}", s.handleWorkspaceInfo).Methods(http.MethodGet)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleSocket upgrades to a WebSocket and runs the connection's
// dispatcher loop. Workspace identity and user identity are established
// later by the `auth` frame (§4.A), not by the upgrade path, so no
// document id is extracted here.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("websocket upgrade failed: %v", err)
		return
	}

	c := NewConnection(r.Context(), conn, s.registry, s.verifier)
	if err := c.Handle(r.Context()); err != nil {
		logger.Debug("connection closed: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status     string `json:"status"`
	Workspaces int    `json:"workspaces"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Workspaces: s.registry.Count(),
		Timestamp:  time.Now().Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// workspaceUserInfo is one entry of /workspace/:id's users list.
type workspaceUserInfo struct {
	UserID string                 `json:"userId"`
	Coords *workspace.CursorCoord `json:"coords,omitempty"`
}

type workspaceInfoResponse struct {
	WorkspaceID string              `json:"workspaceId"`
	Users       []workspaceUserInfo `json:"users"`
	UserCount   int                 `json:"userCount"`
}

func (s *Server) handleWorkspaceInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ws, ok := s.registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	members := ws.Members()
	users := make([]workspaceUserInfo, 0, len(members))
	for _, m := range members {
		users = append(users, workspaceUserInfo{UserID: m.UserID, Coords: m.Cursor})
	}

	resp := workspaceInfoResponse{
		WorkspaceID: id,
		Users:       users,
		UserCount:   len(users),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

// Shutdown is a graceful-shutdown hook; workspaces hold no external
// resources to release, so this only satisfies the standard server
// lifecycle shape used by cmd/colabd/main.go.
func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
