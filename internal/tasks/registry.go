package tasks

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Request describes a task about to be registered.
type Request struct {
	Action      string
	Description string
	Parent      TaskID
}

// Ban is a standing refusal to start children of a cancelled parent task.
type Ban struct {
	Parent    TaskID    `json:"parent_task_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry tracks the tasks running on one node and the bans set on it by
// other nodes. A Registry is created at node startup and shared by handle.
type Registry struct {
	nodeID string
	logger *slog.Logger

	mu          sync.RWMutex
	tasks       map[int64]*Task
	cancellable map[int64]*CancellableTask

	bans   *xsync.MapOf[TaskID, Ban]
	lastID atomic.Int64
	now    func() time.Time
}

// NewRegistry creates an empty registry for the node with the given id.
func NewRegistry(nodeID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodeID:      nodeID,
		logger:      logger,
		tasks:       make(map[int64]*Task),
		cancellable: make(map[int64]*CancellableTask),
		bans:        xsync.NewMapOf[TaskID, Ban](),
		now:         time.Now,
	}
}

// NodeID returns the id of the node owning this registry.
func (r *Registry) NodeID() string {
	return r.nodeID
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

// Register starts tracking a non-cancellable task.
func (r *Registry) Register(req Request) (*Task, error) {
	if err := r.checkBan(req.Parent); err != nil {
		return nil, err
	}
	task := r.newTask(req, false)

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.mu.Unlock()

	r.logger.Debug("register task", "task_id", task.ID, "action", task.Action, "parent", req.Parent.String())
	return task, nil
}

// RegisterCancellable starts tracking a cancellable task. onCancelled, if
// non-nil, runs once when the task is cancelled; it must not block.
func (r *Registry) RegisterCancellable(req Request, onCancelled func(reason string)) (*CancellableTask, error) {
	if err := r.checkBan(req.Parent); err != nil {
		return nil, err
	}
	task := &CancellableTask{
		Task:        *r.newTask(req, true),
		children:    make(map[string]struct{}),
		onCancelled: onCancelled,
	}

	r.mu.Lock()
	r.cancellable[task.ID] = task
	r.mu.Unlock()

	// A ban may have landed between the check and the insert.
	if ban, ok := r.bans.Load(req.Parent); ok && req.Parent.IsSet() {
		task.cancel(ban.Reason, nil)
	}

	r.logger.Debug("register cancellable task", "task_id", task.ID, "action", task.Action, "parent", req.Parent.String())
	return task, nil
}

func (r *Registry) newTask(req Request, cancellable bool) *Task {
	return &Task{
		ID:          r.lastID.Add(1),
		Action:      req.Action,
		Description: req.Description,
		Parent:      req.Parent,
		StartTime:   r.now(),
		Cancellable: cancellable,
	}
}

func (r *Registry) checkBan(parent TaskID) error {
	if !parent.IsSet() {
		return nil
	}
	if ban, ok := r.bans.Load(parent); ok {
		return fmt.Errorf("parent %s banned (%s): %w", parent, ban.Reason, ErrParentBanned)
	}
	return nil
}

// Unregister stops tracking the task with the given local id. A cancelled
// task delivers its final child node set to the cancellation listener.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	ct, isCancellable := r.cancellable[id]
	delete(r.cancellable, id)
	delete(r.tasks, id)
	r.mu.Unlock()

	if isCancellable {
		ct.finish()
	}
	r.logger.Debug("unregister task", "task_id", id)
}

// GetTask returns any task, cancellable or not, with the given local id.
func (r *Registry) GetTask(id int64) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tasks[id]; ok {
		return t, true
	}
	if ct, ok := r.cancellable[id]; ok {
		return &ct.Task, true
	}
	return nil, false
}

// GetCancellableTask returns the cancellable task with the given local id.
func (r *Registry) GetCancellableTask(id int64) (*CancellableTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.cancellable[id]
	return ct, ok
}

// GetCancellableTasks returns a copy of the cancellable task table.
func (r *Registry) GetCancellableTasks() map[int64]*CancellableTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]*CancellableTask, len(r.cancellable))
	for id, ct := range r.cancellable {
		out[id] = ct
	}
	return out
}

// Resolve looks up a task for cancellation, distinguishing an unknown id
// from a task that exists but cannot be cancelled.
func (r *Registry) Resolve(id int64) (*CancellableTask, error) {
	if ct, ok := r.GetCancellableTask(id); ok {
		return ct, nil
	}
	if _, ok := r.GetTask(id); ok {
		return nil, fmt.Errorf("task [%s]: %w", TaskID{NodeID: r.nodeID, ID: id}, ErrNotCancellable)
	}
	return nil, fmt.Errorf("task [%s]: %w", TaskID{NodeID: r.nodeID, ID: id}, ErrTaskNotFound)
}

// Infos snapshots every running task, ordered by id.
func (r *Registry) Infos() []TaskInfo {
	now := r.now()
	r.mu.RLock()
	infos := make([]TaskInfo, 0, len(r.tasks)+len(r.cancellable))
	for _, t := range r.tasks {
		infos = append(infos, t.Info(r.nodeID, now))
	}
	cts := make([]*CancellableTask, 0, len(r.cancellable))
	for _, ct := range r.cancellable {
		cts = append(cts, ct)
	}
	r.mu.RUnlock()

	for _, ct := range cts {
		infos = append(infos, ct.Info(r.nodeID, now))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// RegisterChildNode records that a child of task runs on nodeID, so a later
// cancellation bans that node. Fails once the task is cancelled.
func (r *Registry) RegisterChildNode(task *CancellableTask, nodeID string) error {
	return task.addChildNode(nodeID)
}

// Cancel atomically marks task cancelled and returns the nodes hosting its
// children. ok is false if the task was already cancelled or is no longer
// running. onChildNodesResolved is called asynchronously with the final
// child set once the task finishes; that set is authoritative.
func (r *Registry) Cancel(task *CancellableTask, reason string, onChildNodesResolved func(nodes []string)) (nodes []string, ok bool) {
	r.mu.RLock()
	registered := r.cancellable[task.ID] == task
	r.mu.RUnlock()
	if !registered {
		return nil, false
	}

	nodes, ok = task.cancel(reason, onChildNodesResolved)
	if ok {
		r.logger.Debug("cancelled task", "task_id", task.ID, "reason", reason, "child_nodes", nodes)
	}
	return nodes, ok
}

// SetBan refuses new children of parent on this node and cancels any
// running local children of it.
func (r *Registry) SetBan(parent TaskID, reason string) {
	r.bans.Store(parent, Ban{Parent: parent, Reason: reason, CreatedAt: r.now()})

	for _, ct := range r.GetCancellableTasks() {
		if ct.Parent == parent {
			ct.cancel(reason, nil)
		}
	}
}

// RemoveBan lifts the ban on parent.
func (r *Registry) RemoveBan(parent TaskID) {
	r.bans.Delete(parent)
}

// IsBanned reports whether children of parent are refused.
func (r *Registry) IsBanned(parent TaskID) bool {
	_, ok := r.bans.Load(parent)
	return ok
}

// Bans lists the active bans ordered by parent id.
func (r *Registry) Bans() []Ban {
	var bans []Ban
	r.bans.Range(func(_ TaskID, b Ban) bool {
		bans = append(bans, b)
		return true
	})
	sort.Slice(bans, func(i, j int) bool {
		if bans[i].Parent.NodeID != bans[j].Parent.NodeID {
			return bans[i].Parent.NodeID < bans[j].Parent.NodeID
		}
		return bans[i].Parent.ID < bans[j].Parent.ID
	})
	return bans
}

// PruneBans drops bans whose parent node is no longer alive. A node that
// left the cluster can never send the matching ban removal.
func (r *Registry) PruneBans(alive func(nodeID string) bool) int {
	removed := 0
	r.bans.Range(func(parent TaskID, _ Ban) bool {
		if !alive(parent.NodeID) {
			r.bans.Delete(parent)
			removed++
		}
		return true
	})
	if removed > 0 {
		r.logger.Info("pruned bans from departed nodes", "count", removed)
	}
	return removed
}
