package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// State is an immutable point-in-time view of cluster membership.
type State struct {
	Version int64
	nodes   map[string]NodeInfo
}

// Node looks up a member by id.
func (s State) Node(id string) (NodeInfo, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Has reports whether id is a member.
func (s State) Has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Nodes returns all members sorted by id.
func (s State) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of members.
func (s State) Len() int {
	return len(s.nodes)
}

// Membership is the node-local, mutable record of cluster members. Every
// change produces a new State; readers never see a half-applied update.
type Membership struct {
	local  NodeInfo
	logger *slog.Logger
	header http.Header

	mu        sync.RWMutex
	state     State
	listeners []func(State)
}

// NewMembership creates a membership that initially contains only local.
func NewMembership(local NodeInfo, logger *slog.Logger) *Membership {
	if logger == nil {
		logger = slog.Default()
	}
	return &Membership{
		local:  local,
		logger: logger,
		header: make(http.Header),
		state:  State{Version: 1, nodes: map[string]NodeInfo{local.ID: local}},
	}
}

// SetHeader adds a header to the register requests sent to seeds. It must
// be called before JoinSeeds.
func (m *Membership) SetHeader(key, value string) {
	m.header.Set(key, value)
}

// Local returns the local node.
func (m *Membership) Local() NodeInfo {
	return m.local
}

// State returns the current point-in-time view.
func (m *Membership) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnChange registers a callback invoked after every membership change.
func (m *Membership) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Join adds or updates nodes. It returns true if the view changed.
func (m *Membership) Join(nodes ...NodeInfo) bool {
	return m.update(func(next map[string]NodeInfo) bool {
		changed := false
		for _, n := range nodes {
			if n.ID == "" || n.Addr == "" {
				continue
			}
			if cur, ok := next[n.ID]; ok && cur == n {
				continue
			}
			next[n.ID] = n
			changed = true
			m.logger.Info("node joined", "node_id", n.ID, "addr", n.Addr)
		}
		return changed
	})
}

// Leave removes a node. The local node cannot leave its own view.
func (m *Membership) Leave(id string) bool {
	if id == m.local.ID {
		return false
	}
	return m.update(func(next map[string]NodeInfo) bool {
		if _, ok := next[id]; !ok {
			return false
		}
		delete(next, id)
		m.logger.Info("node left", "node_id", id)
		return true
	})
}

func (m *Membership) update(fn func(next map[string]NodeInfo) bool) bool {
	m.mu.Lock()
	next := make(map[string]NodeInfo, len(m.state.nodes)+1)
	for id, n := range m.state.nodes {
		next[id] = n
	}
	if !fn(next) {
		m.mu.Unlock()
		return false
	}
	m.state = State{Version: m.state.Version + 1, nodes: next}
	state := m.state
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
	return true
}

// JoinSeeds registers the local node with every seed address and merges the
// members each seed knows about. Seeds are retried with a fixed delay.
func (m *Membership) JoinSeeds(ctx context.Context, seeds []string, attempts int, delay time.Duration) error {
	var lastErr error
	joined := 0
	for _, seed := range seeds {
		seed = strings.TrimRight(seed, "/")
		if seed == "" || seed == m.local.Addr {
			continue
		}
		for i := 0; i < attempts; i++ {
			var resp RegisterResponse
			lastErr = PostJSON(ctx, seed+"/_cluster/register", m.header, RegisterRequest{Node: m.local}, &resp)
			if lastErr == nil {
				m.Join(resp.Nodes...)
				joined++
				break
			}
			m.logger.Warn("seed register retry", "seed", seed, "attempt", i+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if joined == 0 && lastErr != nil {
		return fmt.Errorf("join seeds: %w", lastErr)
	}
	return nil
}
