package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
)

func testCluster(t *testing.T, env deployment.Environment, count int) *cluster.EnvironmentCluster {
	t.Helper()
	c, err := cluster.NewCluster(context.Background(), env, count)
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func testRequest() *deployment.Request {
	return &deployment.Request{
		ExecutionID: "exec-strategy",
		Module:      deployment.ModuleDescriptor{Name: "search-index", Version: "3.0.1"},
		Requester:   "ops@example.com",
		CreatedAt:   time.Now(),
	}
}

func stopNode(t *testing.T, n *cluster.KernelNode) {
	t.Helper()
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Failed to stop node: %v", err)
	}
}

func TestDirectDeploysAllNodes(t *testing.T) {
	c := testCluster(t, deployment.Development, 3)
	s := NewDirect()

	res := s.Deploy(context.Background(), testRequest(), c)
	if !res.Success {
		t.Errorf("Expected success, got %s", res.Message)
	}
	if len(res.NodeResults) != 3 {
		t.Errorf("Expected 3 node results, got %d", len(res.NodeResults))
	}
	if res.Deployed() != 3 || res.Failed() != 0 {
		t.Errorf("Expected 3 deployed / 0 failed, got %d/%d", res.Deployed(), res.Failed())
	}
	if res.Strategy != "Direct" {
		t.Errorf("Expected strategy name Direct, got %s", res.Strategy)
	}
}

func TestDirectReportsPartialFailure(t *testing.T) {
	c := testCluster(t, deployment.Development, 3)
	stopNode(t, c.Nodes()[1])

	res := NewDirect().Deploy(context.Background(), testRequest(), c)
	if res.Success {
		t.Error("Expected failure with one stopped node")
	}
	if res.Deployed() != 2 || res.Failed() != 1 {
		t.Errorf("Expected 2 deployed / 1 failed, got %d/%d", res.Deployed(), res.Failed())
	}
	if res.Deployed()+res.Failed() > len(res.NodeResults) {
		t.Error("Deployed+Failed exceeds attempted nodes")
	}
}

func TestRollingHaltsOnBatchFailure(t *testing.T) {
	c := testCluster(t, deployment.QA, 5)
	// Second node fails in the first batch of two.
	stopNode(t, c.Nodes()[1])

	s := NewRolling(RollingConfig{BatchSize: 2, BatchDelay: time.Millisecond})
	res := s.Deploy(context.Background(), testRequest(), c)

	if res.Success {
		t.Error("Expected rollout to fail")
	}
	// Only the first batch was attempted.
	if len(res.NodeResults) != 2 {
		t.Errorf("Expected 2 attempted nodes (first batch), got %d", len(res.NodeResults))
	}
	// Nodes beyond the failing batch were never touched.
	for _, n := range c.Nodes()[2:] {
		if _, loaded := n.LoadedVersion("search-index"); loaded {
			t.Errorf("Node %s received the module after a failed batch", n.ID)
		}
	}
}

func TestRollingCompletesAllBatches(t *testing.T) {
	c := testCluster(t, deployment.QA, 5)

	s := NewRolling(RollingConfig{BatchSize: 2, BatchDelay: time.Millisecond})
	res := s.Deploy(context.Background(), testRequest(), c)

	if !res.Success {
		t.Errorf("Expected success, got %s", res.Message)
	}
	if len(res.NodeResults) != 5 {
		t.Errorf("Expected all 5 nodes attempted, got %d", len(res.NodeResults))
	}
}

func TestBlueGreenSwitchesOnHealthyGreenPool(t *testing.T) {
	c := testCluster(t, deployment.Staging, 10)
	s := NewBlueGreen()

	if s.ActivePool(deployment.Staging) != "blue" {
		t.Errorf("Expected blue pool active before deploy, got %s", s.ActivePool(deployment.Staging))
	}

	res := s.Deploy(context.Background(), testRequest(), c)
	if !res.Success {
		t.Errorf("Expected success, got %s", res.Message)
	}
	// Only the idle (green) half is attempted.
	if len(res.NodeResults) != 5 {
		t.Errorf("Expected 5 green nodes attempted, got %d", len(res.NodeResults))
	}
	if s.ActivePool(deployment.Staging) != "green" {
		t.Errorf("Expected green pool active after deploy, got %s", s.ActivePool(deployment.Staging))
	}
	// The blue half keeps the prior version (nothing deployed).
	for _, n := range c.Nodes()[:5] {
		if _, loaded := n.LoadedVersion("search-index"); loaded {
			t.Errorf("Blue node %s received the new version before rollback window closed", n.ID)
		}
	}
}

func TestBlueGreenDoesNotSwitchOnFailure(t *testing.T) {
	c := testCluster(t, deployment.Staging, 10)
	// Fail one node in the green pool (back half).
	stopNode(t, c.Nodes()[7])

	s := NewBlueGreen()
	res := s.Deploy(context.Background(), testRequest(), c)
	if res.Success {
		t.Error("Expected failure with unhealthy green pool")
	}
	if s.ActivePool(deployment.Staging) != "blue" {
		t.Error("Traffic switched despite green pool failure")
	}
}

func TestCanaryAbortsOnCanaryFailure(t *testing.T) {
	c := testCluster(t, deployment.Production, 20)
	// First 10% of 20 nodes = 2 canaries; fail one.
	stopNode(t, c.Nodes()[0])

	s := NewCanary(CanaryConfig{CanaryPercent: 10, ObservationTime: time.Millisecond})
	res := s.Deploy(context.Background(), testRequest(), c)

	if res.Success {
		t.Error("Expected canary failure to abort rollout")
	}
	if len(res.NodeResults) != 2 {
		t.Errorf("Expected only 2 canary nodes attempted, got %d", len(res.NodeResults))
	}
	for _, n := range c.Nodes()[2:] {
		if _, loaded := n.LoadedVersion("search-index"); loaded {
			t.Errorf("Node %s received the module after canary abort", n.ID)
		}
	}
}

func TestCanaryProceedsWhenHealthy(t *testing.T) {
	c := testCluster(t, deployment.Production, 20)

	s := NewCanary(CanaryConfig{CanaryPercent: 10, ObservationTime: time.Millisecond})
	res := s.Deploy(context.Background(), testRequest(), c)

	if !res.Success {
		t.Errorf("Expected success, got %s", res.Message)
	}
	if len(res.NodeResults) != 20 {
		t.Errorf("Expected full rollout to 20 nodes, got %d", len(res.NodeResults))
	}
}

func TestStrategyCapturesPanics(t *testing.T) {
	for _, s := range []Strategy{NewDirect(), NewRolling(DefaultRollingConfig()), NewBlueGreen(), NewCanary(DefaultCanaryConfig())} {
		// A nil cluster makes the strategy panic internally; the contract
		// is a failed result with Err populated, never a propagated panic.
		res := s.Deploy(context.Background(), testRequest(), nil)
		if res == nil {
			t.Fatalf("%s returned nil result", s.Name())
		}
		if res.Success {
			t.Errorf("%s reported success after panic", s.Name())
		}
		if res.Err == nil {
			t.Errorf("%s did not populate Err after panic", s.Name())
		}
	}
}

func TestDefaultMapBindings(t *testing.T) {
	m := DefaultMap()
	want := map[deployment.Environment]string{
		deployment.Development: "Direct",
		deployment.QA:          "Rolling",
		deployment.Staging:     "BlueGreen",
		deployment.Production:  "Canary",
	}
	for env, name := range want {
		s, ok := m[env]
		if !ok {
			t.Fatalf("No strategy bound for %s", env)
		}
		if s.Name() != name {
			t.Errorf("Expected %s for %s, got %s", name, env, s.Name())
		}
	}
}
