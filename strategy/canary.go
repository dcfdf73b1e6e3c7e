package strategy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
)

// CanaryConfig controls the size of the canary subset and the observation
// pause before full rollout.
type CanaryConfig struct {
	CanaryPercent   int
	ObservationTime time.Duration
}

func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		CanaryPercent:   10,
		ObservationTime: 100 * time.Millisecond,
	}
}

// Canary deploys to a small subset first, evaluates health, and proceeds to
// the remainder only if the canary subset is healthy. On canary failure the
// NodeResults contain only the subset attempted.
type Canary struct {
	cfg CanaryConfig
}

func NewCanary(cfg CanaryConfig) *Canary {
	if cfg.CanaryPercent <= 0 || cfg.CanaryPercent > 100 {
		cfg.CanaryPercent = DefaultCanaryConfig().CanaryPercent
	}
	return &Canary{cfg: cfg}
}

func (s *Canary) Name() string { return "Canary" }

func (s *Canary) Deploy(ctx context.Context, req *deployment.Request, c *cluster.EnvironmentCluster) (res *deployment.StrategyResult) {
	res = newResult(s.Name())
	defer capture(res)
	res.Environment = c.Environment()

	nodes := c.Nodes()
	canaryCount := max(len(nodes)*s.cfg.CanaryPercent/100, 1)
	canaries := nodes[:canaryCount]

	for _, n := range canaries {
		nr := deployOne(ctx, req, n)
		res.NodeResults = append(res.NodeResults, nr)
	}

	if res.Failed() > 0 {
		res.Success = false
		res.Message = fmt.Sprintf("canary failed on %d/%d nodes, rollout aborted", res.Failed(), canaryCount)
		return finish(res)
	}

	// Observe the canaries before widening the blast radius.
	if s.cfg.ObservationTime > 0 {
		select {
		case <-ctx.Done():
			res.Success = false
			res.Message = fmt.Sprintf("canary observation cancelled: %v", ctx.Err())
			return finish(res)
		case <-time.After(s.cfg.ObservationTime):
		}
	}
	for _, n := range canaries {
		if !n.Ping(ctx, time.Second) {
			res.Success = false
			res.Message = fmt.Sprintf("canary node %s unhealthy after observation, rollout aborted", n.ID)
			return finish(res)
		}
	}

	log.Printf("Canary: %d/%d nodes healthy for %s, proceeding to full rollout",
		canaryCount, len(nodes), req.Module.Name)

	for _, n := range nodes[canaryCount:] {
		nr := deployOne(ctx, req, n)
		res.NodeResults = append(res.NodeResults, nr)
	}

	res.Success = res.Failed() == 0
	if !res.Success {
		res.Message = fmt.Sprintf("full rollout failed on %d/%d nodes", res.Failed(), len(res.NodeResults))
	}
	return finish(res)
}
