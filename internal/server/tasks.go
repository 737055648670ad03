package server

import (
	"net/http"
	"strings"

	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
)

// Action names of the tasks the API itself registers.
const (
	actionCancel   = "cluster:admin/tasks/cancel"
	actionFinalize = "cluster:admin/snapshot/finalize"
	actionDelete   = "cluster:admin/snapshot/delete"
	actionMark     = "cluster:admin/snapshot/incompatible"
	actionVerify   = "cluster:admin/repository/verify"
	actionVerifyN  = "cluster:admin/repository/verify[n]"
	actionCleanup  = "cluster:admin/repository/cleanup"
)

// handleListTasks lists local tasks. ?actions= takes comma separated
// wildcard patterns.
func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	infos := s.Registry.Infos()
	if q := r.URL.Query().Get("actions"); q != "" {
		filter := cancel.Request{Actions: strings.Split(q, ",")}
		kept := infos[:0]
		for _, info := range infos {
			if filter.MatchesAction(info.Action) {
				kept = append(kept, info)
			}
		}
		infos = kept
	}
	writeJSON(w, http.StatusOK, api.TasksResponse{Node: s.Registry.NodeID(), Tasks: infos})
}

func (s *server) handleListBans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.BansResponse{Node: s.Registry.NodeID(), Bans: s.Registry.Bans()})
}

// handleCancel serves POST /_tasks/_cancel with a JSON cancel.Request body.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancel.Request
	if err := readJSON(r, s.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	s.cancel(w, r, req)
}

// handleCancelTask serves POST /_tasks/{task_id}/_cancel?reason=...
func (s *server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := tasks.ParseTaskID(r.PathValue("task_id"))
	if err != nil || !id.IsSet() {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid task id: "+r.PathValue("task_id"))
		return
	}
	s.cancel(w, r, cancel.Request{TaskID: id, Reason: r.URL.Query().Get("reason")})
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request, req cancel.Request) {
	task, err := s.Registry.Register(tasks.Request{Action: actionCancel, Description: describeCancel(req)})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer s.Registry.Unregister(task.ID)

	resp, err := s.Coordinator.CancelTasks(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func describeCancel(req cancel.Request) string {
	if req.TaskID.IsSet() {
		return "task " + req.TaskID.String()
	}
	var parts []string
	if len(req.Actions) > 0 {
		parts = append(parts, "actions["+strings.Join(req.Actions, ",")+"]")
	}
	if len(req.Nodes) > 0 {
		parts = append(parts, "nodes["+strings.Join(req.Nodes, ",")+"]")
	}
	if req.ParentTaskID.IsSet() {
		parts = append(parts, "parent["+req.ParentTaskID.String()+"]")
	}
	return strings.Join(parts, " ")
}
