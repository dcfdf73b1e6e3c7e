package strategy

import (
	"context"
	"sync"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
)

// Direct deploys to every node in the cluster concurrently with no staging.
// Success requires every node to accept the module.
type Direct struct{}

func NewDirect() *Direct { return &Direct{} }

func (s *Direct) Name() string { return "Direct" }

func (s *Direct) Deploy(ctx context.Context, req *deployment.Request, c *cluster.EnvironmentCluster) (res *deployment.StrategyResult) {
	res = newResult(s.Name())
	defer capture(res)
	res.Environment = c.Environment()

	nodes := c.Nodes()
	results := make([]deployment.NodeResult, len(nodes))

	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = deployOne(ctx, req, n)
		}()
	}
	wg.Wait()

	res.NodeResults = results
	res.Success = res.Failed() == 0
	return finish(res)
}
