package server

import (
	"net/http"

	"github.com/kilupskalvis/shardkeep/internal/cluster"
)

// handleRegister adds the announcing node and returns the members this
// node knows, including itself.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := readJSON(r, s.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "node id and addr are required")
		return
	}
	if s.Membership.Join(req.Node) {
		s.logger.Info("node registered", "node", req.Node.ID, "addr", req.Node.Addr)
	}
	writeJSON(w, http.StatusOK, cluster.RegisterResponse{Nodes: s.Membership.State().Nodes()})
}

func (s *server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	state := s.Membership.State()
	writeJSON(w, http.StatusOK, cluster.NodesResponse{
		Local:   s.Membership.Local().ID,
		Version: state.Version,
		Nodes:   state.Nodes(),
	})
}
