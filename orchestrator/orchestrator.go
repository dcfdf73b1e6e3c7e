// Package orchestrator is the process-wide façade over the deployment
// platform: it owns the cluster registry, runs pipelines, performs explicit
// rollbacks and reports cluster health.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
	"github.com/kernelforge/kernelforge/pipeline"
)

// Config wires the orchestrator. The embedded pipeline config's Registry
// field is owned by the orchestrator and must be left nil.
type Config struct {
	Pipeline pipeline.Config
}

// Orchestrator owns the environment clusters for one process. Safe for
// concurrent use.
type Orchestrator struct {
	registry *cluster.Registry
	pipeline *pipeline.Pipeline
	audit    pipeline.AuditLog
}

func New(cfg Config) (*Orchestrator, error) {
	registry := cluster.NewRegistry()
	cfg.Pipeline.Registry = registry

	p, err := pipeline.New(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return &Orchestrator{
		registry: registry,
		pipeline: p,
		audit:    cfg.Pipeline.Audit,
	}, nil
}

// InitializeClusters brings up one cluster per environment with canonical
// node counts. Calling it again is a no-op returning the same cluster map.
func (o *Orchestrator) InitializeClusters(ctx context.Context) (map[deployment.Environment]*cluster.EnvironmentCluster, error) {
	return o.registry.Initialize(ctx)
}

// ExecutePipeline runs a deployment request through the pipeline. It fails
// fast when the clusters were never initialized.
func (o *Orchestrator) ExecutePipeline(ctx context.Context, req *deployment.Request) (*deployment.Result, error) {
	if !o.registry.Initialized() {
		return nil, fmt.Errorf("orchestrator not initialized: call InitializeClusters first")
	}
	return o.pipeline.Execute(ctx, req), nil
}

// RollbackDeployment rolls the module back on every node of the request's
// target environment. The RollbackCompleted audit event is emitted whether
// or not any node had the module loaded.
func (o *Orchestrator) RollbackDeployment(ctx context.Context, req *deployment.Request) error {
	c, err := o.registry.Get(req.Target)

	rolledBack := 0
	var firstErr error
	if err == nil {
		for _, n := range c.Nodes() {
			res := n.RollbackModule(ctx, req.Module.Name)
			if !res.Success {
				if firstErr == nil {
					firstErr = fmt.Errorf("rollback on node %s: %s", res.NodeID, res.Message)
				}
				continue
			}
			rolledBack++
		}
	} else {
		firstErr = err
	}

	result := "Success"
	if firstErr != nil {
		result = "Failure"
	}
	o.audit.LogDeploymentEvent(context.WithoutCancel(ctx), req.ExecutionID, req.TenantID,
		"RollbackCompleted", "Deployment", "Rollback", result, map[string]string{
			"module":      req.Module.Name,
			"environment": req.Target.String(),
		})
	observability.RollbacksTotal.WithLabelValues(req.Target.String()).Inc()
	log.Printf("[orchestrator] rollback of %s on %s: %d nodes, err=%v",
		req.Module.Name, req.Target, rolledBack, firstErr)
	return firstErr
}

// GetCluster returns the initialized cluster for an environment.
func (o *Orchestrator) GetCluster(env deployment.Environment) (*cluster.EnvironmentCluster, error) {
	return o.registry.Get(env)
}

// GetClusterHealth snapshots one environment's cluster.
func (o *Orchestrator) GetClusterHealth(ctx context.Context, env deployment.Environment) (*deployment.ClusterHealth, error) {
	c, err := o.registry.Get(env)
	if err != nil {
		return nil, err
	}
	return &deployment.ClusterHealth{
		Environment: env.String(),
		TotalNodes:  c.NodeCount(),
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Registry exposes the underlying cluster registry for monitoring.
func (o *Orchestrator) Registry() *cluster.Registry {
	return o.registry
}

// Close tears down all clusters and their nodes. Safe to call repeatedly.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.registry.Close(ctx)
}
