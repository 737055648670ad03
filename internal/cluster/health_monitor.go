package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Health status values reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth is the monitor's record for one node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically probes the members of a Membership and evicts
// nodes that fail maxFailures consecutive checks.
type HealthMonitor struct {
	membership  *Membership
	logger      *slog.Logger
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	interval    time.Duration
	maxFailures int

	mu    sync.RWMutex
	nodes map[string]*NodeHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor for membership. By default an
// unhealthy node is removed from the membership.
func NewHealthMonitor(membership *Membership, interval time.Duration, maxFailures int, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	h := &HealthMonitor{
		membership:  membership,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		interval:    interval,
		maxFailures: maxFailures,
		nodes:       make(map[string]*NodeHealth),
	}
	h.checkFunc = h.defaultHealthCheck
	h.onUnhealthy = func(nodeID string) { membership.Leave(nodeID) }
	return h
}

// SetCheckFunction replaces the probe, for tests.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, addr string) error) {
	h.checkFunc = fn
}

// SetOnUnhealthy replaces the eviction callback.
func (h *HealthMonitor) SetOnUnhealthy(fn func(nodeID string)) {
	h.onUnhealthy = fn
}

// Start runs the probe loop in the background until ctx is done or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.logger.Info("health monitor started", "interval", h.interval)
		for {
			select {
			case <-ticker.C:
				h.CheckAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// CheckAll probes every remote member once.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	state := h.membership.State()
	current := make(map[string]bool)
	for _, node := range state.Nodes() {
		if node.ID == h.membership.Local().ID {
			continue
		}
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastHealthy: time.Now()}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, node.Addr)

	h.mu.Lock()
	health.LastCheck = time.Now()
	evict := false
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("health check failed", "node_id", node.ID, "attempt", health.ConsecutiveFails, "max", h.maxFailures, "error", err)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			evict = true
		}
	} else {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", "node_id", node.ID)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = time.Now()
	}
	h.mu.Unlock()

	if evict && h.onUnhealthy != nil {
		h.logger.Warn("node marked unhealthy", "node_id", node.ID)
		h.onUnhealthy(node.ID)
	}
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	url = strings.TrimRight(url, "/") + "/healthz"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the record for nodeID, or nil.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every record.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}
