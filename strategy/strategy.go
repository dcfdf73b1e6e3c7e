// Package strategy implements the rollout algorithms that place a module
// onto an environment's cluster. One strategy is bound per environment; the
// environment->strategy map is the seam operators and tests use to swap
// behavior.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
)

// Strategy executes one module rollout against one cluster. Deploy never
// propagates a panic or error: every failure is folded into the returned
// result so the pipeline can always record a stage outcome.
type Strategy interface {
	Name() string
	Deploy(ctx context.Context, req *deployment.Request, c *cluster.EnvironmentCluster) *deployment.StrategyResult
}

// Map binds each environment to its strategy.
type Map map[deployment.Environment]Strategy

// DefaultMap returns the canonical binding: Direct for Development, Rolling
// for QA, BlueGreen for Staging, Canary for Production.
func DefaultMap() Map {
	return Map{
		deployment.Development: NewDirect(),
		deployment.QA:          NewRolling(DefaultRollingConfig()),
		deployment.Staging:     NewBlueGreen(),
		deployment.Production:  NewCanary(DefaultCanaryConfig()),
	}
}

// newResult seeds a StrategyResult with identity and start time. The
// environment is stamped by the caller once the cluster is known, after the
// panic guard is installed.
func newResult(name string) *deployment.StrategyResult {
	return &deployment.StrategyResult{
		Strategy:    name,
		StartedAt:   time.Now(),
		NodeResults: make([]deployment.NodeResult, 0),
	}
}

// finish stamps the end time and derives the summary message when empty.
func finish(res *deployment.StrategyResult) *deployment.StrategyResult {
	res.FinishedAt = time.Now()
	if res.Message == "" {
		res.Message = fmt.Sprintf("%d/%d nodes deployed", res.Deployed(), len(res.NodeResults))
	}
	return res
}

// capture converts a panic inside a strategy into a failed result.
func capture(res *deployment.StrategyResult) {
	if r := recover(); r != nil {
		res.Success = false
		res.Err = fmt.Errorf("strategy panic: %v", r)
		res.Message = fmt.Sprintf("deployment aborted: %v", r)
		res.FinishedAt = time.Now()
	}
}

// deployOne applies the request to a single node, short-circuiting on a
// cancelled context.
func deployOne(ctx context.Context, req *deployment.Request, n *cluster.KernelNode) deployment.NodeResult {
	if err := ctx.Err(); err != nil {
		return deployment.NodeResult{
			NodeID:   n.ID,
			Hostname: n.Hostname,
			Success:  false,
			Message:  fmt.Sprintf("deploy cancelled: %v", err),
		}
	}
	return n.DeployModule(ctx, req)
}
