package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/repository"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/kilupskalvis/shardkeep/internal/transport"
)

// maxVerifyFanout bounds concurrent verification requests to other nodes.
const maxVerifyFanout = 8

// startTask registers a cancellable task for the duration of a request and
// returns a context that is cancelled, with ErrTaskCancelled as the cause,
// when the task is. done must be called once the work is over.
func (s *server) startTask(ctx context.Context, req tasks.Request) (context.Context, *tasks.CancellableTask, func(), error) {
	ctx, cancelCtx := context.WithCancelCause(ctx)
	task, err := s.Registry.RegisterCancellable(req, func(reason string) {
		cancelCtx(fmt.Errorf("%w: %s", tasks.ErrTaskCancelled, reason))
	})
	if err != nil {
		cancelCtx(nil)
		return nil, nil, nil, err
	}
	done := func() {
		s.Registry.Unregister(task.ID)
		cancelCtx(nil)
	}
	return ctx, task, done, nil
}

// taskErr reports the cancellation cause instead of a bare context error.
func taskErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

func (s *server) repository(w http.ResponseWriter, r *http.Request) (*repository.Repository, bool) {
	repo, err := s.Repositories.Get(r.PathValue("repo"))
	if err != nil {
		s.writeErr(w, r, err)
		return nil, false
	}
	return repo, true
}

func (s *server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	resp := api.RepositoriesResponse{Repositories: []api.RepositoryInfo{}}
	for _, name := range s.Repositories.Names() {
		repo, err := s.Repositories.Get(name)
		if err != nil {
			continue
		}
		d, err := repo.Load(r.Context())
		if err != nil {
			s.writeErr(w, r, fmt.Errorf("[%s] %w", name, err))
			return
		}
		resp.Repositories = append(resp.Repositories, api.RepositoryInfo{Name: name, Generation: d.Generation()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repository(w, r)
	if !ok {
		return
	}
	d, err := repo.Load(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewLedgerResponse(repo.Name(), d))
}

// handleFinalize records a completed snapshot with the indices it covers.
// validNames answers 400 for the first name a ledger cannot store.
func validNames(w http.ResponseWriter, names ...string) bool {
	for _, name := range names {
		if err := repository.ValidateName(name); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return false
		}
	}
	return true
}

func (s *server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repository(w, r)
	if !ok {
		return
	}
	var req api.FinalizeRequest
	if err := readJSON(r, s.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	snapshot := r.PathValue("snapshot")
	if !validNames(w, append([]string{snapshot}, req.Indices...)...) {
		return
	}

	ctx, _, done, err := s.startTask(r.Context(), tasks.Request{
		Action:      actionFinalize,
		Description: fmt.Sprintf("[%s:%s]", repo.Name(), snapshot),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer done()

	id, d, err := repo.FinalizeSnapshot(ctx, snapshot, req.Indices)
	if err != nil {
		s.writeErr(w, r, taskErr(ctx, err))
		return
	}
	writeJSON(w, http.StatusOK, api.FinalizeResponse{Snapshot: id, Generation: d.Generation()})
}

func (s *server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repository(w, r)
	if !ok {
		return
	}
	snapshot := r.PathValue("snapshot")
	if !validNames(w, snapshot) {
		return
	}

	ctx, _, done, err := s.startTask(r.Context(), tasks.Request{
		Action:      actionDelete,
		Description: fmt.Sprintf("[%s:%s]", repo.Name(), snapshot),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer done()

	d, err := repo.DeleteSnapshot(ctx, snapshot)
	if err != nil {
		s.writeErr(w, r, taskErr(ctx, err))
		return
	}
	writeJSON(w, http.StatusOK, api.GenerationResponse{Repository: repo.Name(), Generation: d.Generation()})
}

func (s *server) handleMarkIncompatible(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repository(w, r)
	if !ok {
		return
	}
	var req api.IncompatibleRequest
	if err := readJSON(r, s.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if len(req.Snapshots) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "snapshots must not be empty")
		return
	}
	if !validNames(w, req.Snapshots...) {
		return
	}

	ctx, _, done, err := s.startTask(r.Context(), tasks.Request{
		Action:      actionMark,
		Description: fmt.Sprintf("[%s] %d snapshots", repo.Name(), len(req.Snapshots)),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer done()

	d, err := repo.MarkIncompatible(ctx, req.Snapshots)
	if err != nil {
		s.writeErr(w, r, taskErr(ctx, err))
		return
	}
	writeJSON(w, http.StatusOK, api.GenerationResponse{Repository: repo.Name(), Generation: d.Generation()})
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repository(w, r)
	if !ok {
		return
	}
	ctx, _, done, err := s.startTask(r.Context(), tasks.Request{
		Action:      actionCleanup,
		Description: "[" + repo.Name() + "]",
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer done()

	result, err := repo.Cleanup(ctx)
	if err != nil {
		s.writeErr(w, r, taskErr(ctx, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVerify verifies the repository on this node and on every other
// member. Each remote verification runs as a child of the local task, so
// cancelling the task bans and stops them.
func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.repository(w, r)
	if !ok {
		return
	}
	ctx, task, done, err := s.startTask(r.Context(), tasks.Request{
		Action:      actionVerify,
		Description: "[" + repo.Name() + "]",
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer done()

	local := s.Membership.Local()
	parent := tasks.TaskID{NodeID: local.ID, ID: task.ID}
	req := api.VerifyRequest{Repository: repo.Name(), Parent: parent}

	state := s.Membership.State()
	var nodes []api.NodeVerifyResult
	results := make(chan api.NodeVerifyResult, state.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxVerifyFanout)

	for _, node := range state.Nodes() {
		if node.ID == local.ID {
			continue
		}
		if err := s.Registry.RegisterChildNode(task, node.ID); err != nil {
			nodes = append(nodes, failedVerify(node.ID, taskErr(ctx, err)))
			continue
		}
		g.Go(func() error {
			var result api.NodeVerifyResult
			if err := s.Peers.Call(gctx, node, transport.PathVerify, req, &result); err != nil {
				result = failedVerify(node.ID, taskErr(ctx, err))
			}
			results <- result
			return nil
		})
	}

	nodes = append(nodes, s.verifyLocal(ctx, repo))
	g.Wait()
	close(results)
	for result := range results {
		nodes = append(nodes, result)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node < nodes[j].Node })

	if ctx.Err() != nil {
		s.writeErr(w, r, taskErr(ctx, ctx.Err()))
		return
	}
	writeJSON(w, http.StatusOK, api.VerifyResponse{Repository: repo.Name(), Nodes: nodes})
}

// handleVerifyShard serves PathVerify: the per-node half of a verification.
func (s *server) handleVerifyShard(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if err := transport.Decode(r.Body, &req); err != nil {
		transport.WriteError(w, http.StatusBadRequest, transport.CodeInvalidRequest, err.Error())
		return
	}

	ctx, _, done, err := s.startTask(r.Context(), tasks.Request{
		Action:      actionVerifyN,
		Description: "[" + req.Repository + "]",
		Parent:      req.Parent,
	})
	if err != nil {
		status, code := classify(err)
		transport.WriteError(w, status, code, err.Error())
		return
	}
	defer done()

	repo, err := s.Repositories.Get(req.Repository)
	if err != nil {
		transport.Write(w, http.StatusOK, failedVerify(s.Registry.NodeID(), err))
		return
	}
	transport.Write(w, http.StatusOK, s.verifyLocal(ctx, repo))
}

func (s *server) verifyLocal(ctx context.Context, repo *repository.Repository) api.NodeVerifyResult {
	result, err := repo.Verify(ctx)
	if err != nil {
		return failedVerify(s.Registry.NodeID(), taskErr(ctx, err))
	}
	return api.NodeVerifyResult{
		Node:       s.Registry.NodeID(),
		Verified:   true,
		Generation: result.Generation,
		Snapshots:  result.Snapshots,
	}
}

func failedVerify(nodeID string, err error) api.NodeVerifyResult {
	var re *transport.RemoteError
	if errors.As(err, &re) {
		return api.NodeVerifyResult{Node: nodeID, Error: re.Code, Message: re.Message}
	}
	_, code := classify(err)
	return api.NodeVerifyResult{Node: nodeID, Error: code, Message: err.Error()}
}
