package cluster

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kernelforge/kernelforge/deployment"
)

// EnvironmentCluster is the fixed set of kernel nodes serving one
// environment. It exclusively owns every contained node and disposes them
// together on teardown.
type EnvironmentCluster struct {
	env   deployment.Environment
	nodes []*KernelNode

	closeOnce sync.Once
	closeErr  error
}

// NewCluster brings up count nodes for the environment concurrently.
// If any node fails to start, the nodes already started are torn down and
// the error is returned.
func NewCluster(ctx context.Context, env deployment.Environment, count int) (*EnvironmentCluster, error) {
	c := &EnvironmentCluster{
		env:   env,
		nodes: make([]*KernelNode, count),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			node, err := StartNode(gctx, NodeConfig{
				Hostname:    fmt.Sprintf("%s-node-%d.kernelforge.local", envSlug(env), i),
				Port:        9000 + i,
				Environment: env,
			})
			if err != nil {
				return fmt.Errorf("node %d for %s: %w", i, env, err)
			}
			c.nodes[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, n := range c.nodes {
			if n != nil {
				_ = n.Close(context.Background())
			}
		}
		return nil, err
	}

	log.Printf("Cluster %s initialized with %d nodes", env, count)
	return c, nil
}

// Environment returns the environment this cluster serves.
func (c *EnvironmentCluster) Environment() deployment.Environment { return c.env }

// NodeCount returns the fixed node count.
func (c *EnvironmentCluster) NodeCount() int { return len(c.nodes) }

// Nodes returns the cluster's nodes. The slice is a copy; the nodes remain
// owned by the cluster.
func (c *EnvironmentCluster) Nodes() []*KernelNode {
	out := make([]*KernelNode, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Health returns a point-in-time snapshot of the cluster.
func (c *EnvironmentCluster) Health(ctx context.Context) map[string]map[string]string {
	snapshot := make(map[string]map[string]string, len(c.nodes))
	for _, n := range c.nodes {
		snapshot[n.ID] = n.Health(ctx)
	}
	return snapshot
}

// Close stops every node in the cluster. Safe to call multiple times.
func (c *EnvironmentCluster) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		g, gctx := errgroup.WithContext(ctx)
		for _, n := range c.nodes {
			g.Go(func() error {
				return n.Close(gctx)
			})
		}
		c.closeErr = g.Wait()
		log.Printf("Cluster %s closed", c.env)
	})
	return c.closeErr
}

func envSlug(env deployment.Environment) string {
	switch env {
	case deployment.Development:
		return "dev"
	case deployment.QA:
		return "qa"
	case deployment.Staging:
		return "staging"
	case deployment.Production:
		return "prod"
	default:
		return "unknown"
	}
}
