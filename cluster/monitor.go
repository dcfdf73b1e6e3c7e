package cluster

import (
	"context"
	"log"
	"time"

	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
)

// Monitor periodically sweeps every cluster in a registry, probing node
// liveness and flagging stale heartbeats. It only observes: node lifecycle
// status stays owned by the nodes themselves.
type Monitor struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
}

// NewMonitor creates a liveness monitor. threshold is how stale a node's
// heartbeat may be before it is reported.
func NewMonitor(registry *Registry, interval, threshold time.Duration) *Monitor {
	return &Monitor{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Starting node liveness monitor (interval %v, threshold %v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	for _, env := range deployment.Environments {
		c, err := m.registry.Get(env)
		if err != nil {
			continue
		}

		live := 0
		now := time.Now()
		for _, n := range c.Nodes() {
			if n.Status() != NodeRunning {
				continue
			}
			if !n.Ping(ctx, time.Second) {
				log.Printf("Monitor: node %s (%s) failed liveness probe", n.ID, n.Hostname)
				continue
			}
			if stale := now.Sub(n.LastHeartbeat()); stale > m.threshold {
				log.Printf("Monitor: node %s (%s) heartbeat stale by %v", n.ID, n.Hostname, stale)
			}
			live++
		}
		observability.ConnectedNodes.WithLabelValues(env.String()).Set(float64(live))
	}
}
