package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
)

// BlueGreen deploys the new version to the idle half of the cluster, health
// checks it, then atomically redirects traffic. The blue pool keeps the
// prior version loaded for immediate rollback.
type BlueGreen struct {
	mu     sync.Mutex
	active map[deployment.Environment]string // environment -> pool serving traffic
}

func NewBlueGreen() *BlueGreen {
	return &BlueGreen{active: make(map[deployment.Environment]string)}
}

func (s *BlueGreen) Name() string { return "BlueGreen" }

// ActivePool reports which pool currently serves traffic for an
// environment ("blue" before the first switch).
func (s *BlueGreen) ActivePool(env deployment.Environment) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.active[env]; ok {
		return p
	}
	return "blue"
}

func (s *BlueGreen) Deploy(ctx context.Context, req *deployment.Request, c *cluster.EnvironmentCluster) (res *deployment.StrategyResult) {
	res = newResult(s.Name())
	defer capture(res)
	res.Environment = c.Environment()

	nodes := c.Nodes()
	// The idle pool is the back half of the cluster; the front half keeps
	// serving the prior version until the switch.
	green := nodes[len(nodes)/2:]

	for _, n := range green {
		nr := deployOne(ctx, req, n)
		res.NodeResults = append(res.NodeResults, nr)
	}

	if res.Failed() > 0 {
		res.Success = false
		res.Message = fmt.Sprintf("green pool deployment failed on %d/%d nodes, traffic not switched",
			res.Failed(), len(res.NodeResults))
		return finish(res)
	}

	// Health-check the green pool before the switch.
	for _, n := range green {
		if !n.Ping(ctx, time.Second) {
			res.Success = false
			res.Message = fmt.Sprintf("green node %s failed health check, traffic not switched", n.ID)
			return finish(res)
		}
	}

	s.mu.Lock()
	s.active[c.Environment()] = "green"
	s.mu.Unlock()

	log.Printf("BlueGreen: traffic for %s switched to green pool (%d nodes), blue pool retained for rollback",
		c.Environment(), len(green))
	res.Success = true
	res.Message = fmt.Sprintf("green pool live on %d nodes, blue pool retained", len(green))
	return finish(res)
}
