package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kernelforge/deployment"
)

// Node lifecycle states. A node is created Running and transitions to
// Stopped exactly once, via Close. Stopped nodes are never reused.
const (
	NodeRunning = "Running"
	NodeStopped = "Stopped"
)

var ErrNodeStopped = errors.New("node is stopped")

// NodeConfig carries the startup parameters for a kernel node.
type NodeConfig struct {
	Hostname    string
	Port        int
	Environment deployment.Environment
}

// KernelNode is a single addressable unit of compute that can load,
// health-check and roll back a module. Status is owned by the node and
// mutated only by its own lifecycle methods.
type KernelNode struct {
	ID          string
	Hostname    string
	Port        int
	Environment deployment.Environment

	mu            sync.RWMutex
	status        string
	modules       map[string]string // module name -> loaded version
	lastHeartbeat time.Time
}

// StartNode is the only constructor path for a KernelNode. It performs node
// startup and returns with status Running.
func StartNode(ctx context.Context, cfg NodeConfig) (*KernelNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := &KernelNode{
		ID:            uuid.NewString(),
		Hostname:      cfg.Hostname,
		Port:          cfg.Port,
		Environment:   cfg.Environment,
		status:        NodeRunning,
		modules:       make(map[string]string),
		lastHeartbeat: time.Now(),
	}

	log.Printf("Node %s (%s:%d) started in %s", n.ID, n.Hostname, n.Port, n.Environment)
	return n, nil
}

// Status returns the node's lifecycle status.
func (n *KernelNode) Status() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// LastHeartbeat returns the time of the node's last observed activity.
func (n *KernelNode) LastHeartbeat() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastHeartbeat
}

// DeployModule loads a module version onto the node. The duration is always
// measured, including on failure paths.
func (n *KernelNode) DeployModule(ctx context.Context, req *deployment.Request) deployment.NodeResult {
	start := time.Now()
	res := deployment.NodeResult{NodeID: n.ID, Hostname: n.Hostname}

	if req == nil {
		res.Message = "nil deployment request"
		res.Duration = time.Since(start)
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Message = fmt.Sprintf("deploy cancelled: %v", err)
		res.Duration = time.Since(start)
		return res
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHeartbeat = time.Now()

	if n.status != NodeRunning {
		res.Message = ErrNodeStopped.Error()
		res.Duration = time.Since(start)
		return res
	}

	n.modules[req.Module.Name] = req.Module.Version
	res.Success = true
	res.Message = fmt.Sprintf("loaded %s@%s", req.Module.Name, req.Module.Version)
	res.Duration = time.Since(start)
	return res
}

// RollbackModule unloads a module from the node.
func (n *KernelNode) RollbackModule(ctx context.Context, moduleName string) deployment.NodeResult {
	start := time.Now()
	res := deployment.NodeResult{NodeID: n.ID, Hostname: n.Hostname}

	if err := ctx.Err(); err != nil {
		res.Message = fmt.Sprintf("rollback cancelled: %v", err)
		res.Duration = time.Since(start)
		return res
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHeartbeat = time.Now()

	if n.status != NodeRunning {
		res.Message = ErrNodeStopped.Error()
		res.Duration = time.Since(start)
		return res
	}

	if v, loaded := n.modules[moduleName]; loaded {
		delete(n.modules, moduleName)
		res.Message = fmt.Sprintf("unloaded %s@%s", moduleName, v)
	} else {
		res.Message = fmt.Sprintf("module %s was not loaded", moduleName)
	}
	res.Success = true
	res.Duration = time.Since(start)
	return res
}

// LoadedVersion returns the version of a module currently loaded on the
// node, if any.
func (n *KernelNode) LoadedVersion(moduleName string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.modules[moduleName]
	return v, ok
}

// Health returns a snapshot keyed by node id.
func (n *KernelNode) Health(ctx context.Context) map[string]string {
	_ = ctx
	n.mu.RLock()
	defer n.mu.RUnlock()
	return map[string]string{
		"node_id":  n.ID,
		"hostname": n.Hostname,
		"status":   n.status,
		"modules":  fmt.Sprintf("%d", len(n.modules)),
	}
}

// Ping is a liveness probe bounded by timeout.
func (n *KernelNode) Ping(ctx context.Context, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- n.Status() == NodeRunning
	}()

	select {
	case <-probeCtx.Done():
		return false
	case alive := <-done:
		if alive {
			n.mu.Lock()
			n.lastHeartbeat = time.Now()
			n.mu.Unlock()
		}
		return alive
	}
}

// Close transitions the node to Stopped. It is idempotent: closing an
// already-stopped node is a no-op.
func (n *KernelNode) Close(ctx context.Context) error {
	_ = ctx
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status == NodeStopped {
		return nil
	}
	n.status = NodeStopped
	log.Printf("Node %s (%s:%d) stopped", n.ID, n.Hostname, n.Port)
	return nil
}
