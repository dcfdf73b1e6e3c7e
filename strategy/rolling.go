package strategy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
)

// RollingConfig controls batch sizing and the inter-batch health-check
// pause that bounds blast radius.
type RollingConfig struct {
	BatchSize  int
	BatchDelay time.Duration
}

func DefaultRollingConfig() RollingConfig {
	return RollingConfig{
		BatchSize:  2,
		BatchDelay: 100 * time.Millisecond,
	}
}

// Rolling deploys to nodes in sequential batches. A batch failure halts all
// subsequent batches; nodes never attempted do not appear in NodeResults.
type Rolling struct {
	cfg RollingConfig
}

func NewRolling(cfg RollingConfig) *Rolling {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRollingConfig().BatchSize
	}
	return &Rolling{cfg: cfg}
}

func (s *Rolling) Name() string { return "Rolling" }

func (s *Rolling) Deploy(ctx context.Context, req *deployment.Request, c *cluster.EnvironmentCluster) (res *deployment.StrategyResult) {
	res = newResult(s.Name())
	defer capture(res)
	res.Environment = c.Environment()

	nodes := c.Nodes()
	for start := 0; start < len(nodes); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(nodes))
		batch := nodes[start:end]

		batchFailed := false
		for _, n := range batch {
			nr := deployOne(ctx, req, n)
			res.NodeResults = append(res.NodeResults, nr)
			if !nr.Success {
				batchFailed = true
			}
		}

		if batchFailed {
			res.Success = false
			res.Message = fmt.Sprintf("batch %d failed, halting rollout (%d/%d nodes deployed)",
				start/s.cfg.BatchSize+1, res.Deployed(), len(res.NodeResults))
			log.Printf("Rolling deploy of %s halted at batch %d", req.Module.Name, start/s.cfg.BatchSize+1)
			return finish(res)
		}

		// Health-check pause between batches; the last batch needs none.
		if end < len(nodes) && s.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				res.Success = false
				res.Message = fmt.Sprintf("rollout cancelled between batches: %v", ctx.Err())
				return finish(res)
			case <-time.After(s.cfg.BatchDelay):
			}
		}
	}

	res.Success = true
	return finish(res)
}
