package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/cluster"
	"github.com/kilupskalvis/shardkeep/internal/metrics"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
)

// DefaultBanTimeout bounds a single ban-set delivery.
const DefaultBanTimeout = 30 * time.Second

// Transport delivers cancellation traffic to other nodes.
type Transport interface {
	// SendBan sets or removes a ban on node. A nil error is an acknowledgement.
	SendBan(ctx context.Context, node cluster.NodeInfo, req BanRequest) error
	// ForwardCancel asks node to cancel its matching local tasks.
	ForwardCancel(ctx context.Context, node cluster.NodeInfo, req Request) (*Response, error)
}

// Membership supplies the current view of the cluster.
type Membership interface {
	State() cluster.State
}

// Options tunes a Coordinator. Zero values select defaults.
type Options struct {
	BanTimeout time.Duration
	Logger     *slog.Logger
}

// Coordinator cancels tasks on the local node, bans their children on other
// nodes, and fans filtered cancel requests out to the rest of the cluster.
type Coordinator struct {
	registry   *tasks.Registry
	membership Membership
	transport  Transport
	banTimeout time.Duration
	logger     *slog.Logger
}

// NewCoordinator creates a coordinator for the node owning registry.
func NewCoordinator(registry *tasks.Registry, membership Membership, transport Transport, opts Options) *Coordinator {
	if opts.BanTimeout <= 0 {
		opts.BanTimeout = DefaultBanTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		registry:   registry,
		membership: membership,
		transport:  transport,
		banTimeout: opts.BanTimeout,
		logger:     opts.Logger,
	}
}

// CancelTasks is the cluster-wide entry point. A request naming one task is
// routed to the node owning it and its failures are returned as errors. A
// filter request runs on every selected node and failures are collected in
// the response.
func (c *Coordinator) CancelTasks(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	local := c.registry.NodeID()

	if req.TaskID.IsSet() {
		if req.TaskID.NodeID == local {
			return c.CancelLocal(ctx, req)
		}
		node, ok := c.membership.State().Node(req.TaskID.NodeID)
		if !ok {
			return nil, fmt.Errorf("task [%s]: node is not part of the cluster: %w", req.TaskID, tasks.ErrTaskNotFound)
		}
		return c.transport.ForwardCancel(ctx, node, req)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		resp = &Response{Tasks: []tasks.TaskInfo{}}
	)
	for _, node := range c.membership.State().Nodes() {
		if !req.MatchesNode(node.ID) {
			continue
		}
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			var (
				part *Response
				err  error
			)
			if node.ID == local {
				part, err = c.CancelLocal(ctx, req)
			} else {
				part, err = c.transport.ForwardCancel(ctx, node, req)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("cancel on node failed", "node_id", node.ID, "error", err)
				resp.NodeFailures = append(resp.NodeFailures, NodeFailure{NodeID: node.ID, Reason: err.Error()})
				return
			}
			resp.merge(part)
		}(node)
	}
	wg.Wait()
	resp.sort()
	return resp, nil
}

// CancelLocal cancels the matching tasks registered on this node.
func (c *Coordinator) CancelLocal(ctx context.Context, req Request) (*Response, error) {
	local := c.registry.NodeID()

	if req.TaskID.IsSet() {
		ct, err := c.registry.Resolve(req.TaskID.ID)
		if err != nil {
			metrics.CancelOutcomes.WithLabelValues(OutcomeOf(err).String()).Inc()
			return nil, err
		}
		if !req.Match(local, ct) {
			metrics.CancelOutcomes.WithLabelValues(RejectedNotCancellable.String()).Inc()
			return nil, fmt.Errorf("task [%s] doesn't match the request filters: %w", req.TaskID, tasks.ErrNotCancellable)
		}
		info, _, err := c.cancelTask(ctx, ct, req.reason())
		if err != nil {
			return nil, err
		}
		return &Response{Tasks: []tasks.TaskInfo{info}}, nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		resp = &Response{Tasks: []tasks.TaskInfo{}}
	)
	for _, ct := range c.registry.GetCancellableTasks() {
		if !req.Match(local, ct) {
			continue
		}
		wg.Add(1)
		go func(ct *tasks.CancellableTask) {
			defer wg.Done()
			info, outcome, err := c.cancelTask(ctx, ct, req.reason())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.TaskFailures = append(resp.TaskFailures, TaskFailure{
					NodeID: local,
					TaskID: ct.ID,
					Status: outcome,
					Reason: err.Error(),
				})
				return
			}
			resp.Tasks = append(resp.Tasks, info)
		}(ct)
	}
	wg.Wait()
	resp.sort()
	return resp, nil
}

// cancelTask cancels one local task and, if it has children elsewhere,
// waits until every node holding them has acknowledged the ban.
func (c *Coordinator) cancelTask(ctx context.Context, ct *tasks.CancellableTask, reason string) (tasks.TaskInfo, Outcome, error) {
	id := tasks.TaskID{NodeID: c.registry.NodeID(), ID: ct.ID}
	lock := newBanLock(func(nodes []string) {
		go c.removeBans(id, nodes)
	})

	childNodes, ok := c.registry.Cancel(ct, reason, lock.onTaskFinished)
	if !ok {
		metrics.CancelOutcomes.WithLabelValues(RejectedAlreadyCancelled.String()).Inc()
		return tasks.TaskInfo{}, RejectedAlreadyCancelled, fmt.Errorf("task [%s]: %w", id, tasks.ErrAlreadyCancelled)
	}

	info := ct.Info(c.registry.NodeID(), c.registry.Now())
	if len(childNodes) == 0 {
		c.logger.Debug("cancelled task without children", "task_id", id.String(), "reason", reason)
		metrics.CancelOutcomes.WithLabelValues(CancelledNoChildren.String()).Inc()
		return info, CancelledNoChildren, nil
	}

	start := time.Now()
	failures := c.setBans(ctx, id, childNodes, reason, lock)
	metrics.BanFanoutDuration.Observe(time.Since(start).Seconds())
	if len(failures) > 0 {
		metrics.CancelOutcomes.WithLabelValues(CancelledPartialFailure.String()).Inc()
		return info, CancelledPartialFailure, &ChildrenCancellationError{TaskID: id, Causes: failures}
	}
	metrics.CancelOutcomes.WithLabelValues(CancelledAcked.String()).Inc()
	return info, CancelledAcked, nil
}

// setBans delivers a ban-set request to every node in nodes concurrently and
// returns once each has answered. Nodes that already left the cluster count
// as acknowledged.
func (c *Coordinator) setBans(ctx context.Context, parent tasks.TaskID, nodes []string, reason string, lock *banLock) []error {
	state := c.membership.State()
	req := BanRequest{Parent: parent, Ban: true, Reason: reason}

	// The bans must reach the nodes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	var (
		mu       sync.Mutex
		failures []error
		wg       sync.WaitGroup
	)
	for _, nodeID := range nodes {
		node, ok := state.Node(nodeID)
		if !ok {
			c.logger.Debug("child node left the cluster, skipping ban", "node_id", nodeID, "parent", parent.String())
			lock.onBanSet()
			continue
		}
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			defer lock.onBanSet()

			err := c.sendBan(ctx, node, req)
			if err != nil {
				c.logger.Warn("failed to set ban", "node_id", node.ID, "parent", parent.String(), "error", err)
				mu.Lock()
				failures = append(failures, &BanError{NodeID: node.ID, Err: err})
				mu.Unlock()
			}
		}(node)
	}
	wg.Wait()
	return failures
}

// removeBans lifts the bans on nodes without waiting for acknowledgements.
func (c *Coordinator) removeBans(parent tasks.TaskID, nodes []string) {
	if len(nodes) == 0 {
		return
	}
	state := c.membership.State()
	req := BanRequest{Parent: parent, Ban: false}

	var wg sync.WaitGroup
	for _, nodeID := range nodes {
		node, ok := state.Node(nodeID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			if err := c.sendBan(context.Background(), node, req); err != nil {
				c.logger.Warn("failed to remove ban", "node_id", node.ID, "parent", parent.String(), "error", err)
			}
		}(node)
	}
	wg.Wait()
}

func (c *Coordinator) sendBan(ctx context.Context, node cluster.NodeInfo, req BanRequest) error {
	op := "remove"
	if req.Ban {
		op = "set"
	}

	var err error
	if node.ID == c.registry.NodeID() {
		c.ApplyBan(req)
	} else {
		ctx, cancel := context.WithTimeout(ctx, c.banTimeout)
		err = c.transport.SendBan(ctx, node, req)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no acknowledgement within %s: %w", c.banTimeout, err)
		}
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BanRequests.WithLabelValues(op, result).Inc()
	return err
}

// ApplyBan applies a ban request received from another node to the local
// registry.
func (c *Coordinator) ApplyBan(req BanRequest) {
	if req.Ban {
		c.logger.Debug("setting ban", "parent", req.Parent.String(), "reason", req.Reason)
		c.registry.SetBan(req.Parent, req.Reason)
		return
	}
	c.logger.Debug("removing ban", "parent", req.Parent.String())
	c.registry.RemoveBan(req.Parent)
}
