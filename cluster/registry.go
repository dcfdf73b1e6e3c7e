package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kernelforge/kernelforge/deployment"
)

var (
	ErrNotInitialized  = errors.New("cluster registry not initialized")
	ErrClusterNotFound = errors.New("cluster not found")
)

// Registry owns one EnvironmentCluster per environment. It is initialized
// once; re-initialization is a no-op returning the same cluster map. The
// cluster map is read-mostly shared state, written only during
// initialization and disposal.
type Registry struct {
	mu          sync.RWMutex
	clusters    map[deployment.Environment]*EnvironmentCluster
	initialized bool
}

// NewRegistry returns an empty, uninitialized registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Initialize brings up one cluster per environment at canonical sizes.
// Calling it again returns the identical cluster map without re-creating
// anything.
func (r *Registry) Initialize(ctx context.Context) (map[deployment.Environment]*EnvironmentCluster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return r.clusters, nil
	}

	clusters := make(map[deployment.Environment]*EnvironmentCluster, len(deployment.Environments))
	for _, env := range deployment.Environments {
		c, err := NewCluster(ctx, env, env.NodeCount())
		if err != nil {
			for _, created := range clusters {
				_ = created.Close(context.Background())
			}
			return nil, fmt.Errorf("initialize %s cluster: %w", env, err)
		}
		clusters[env] = c
	}

	r.clusters = clusters
	r.initialized = true
	return r.clusters, nil
}

// Initialized reports whether Initialize has completed.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Get returns the cluster for an environment, or fails if the registry was
// never initialized or the environment is unknown.
func (r *Registry) Get(env deployment.Environment) (*EnvironmentCluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return nil, ErrNotInitialized
	}
	c, ok := r.clusters[env]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, env)
	}
	return c, nil
}

// Close tears down every cluster. Safe to call multiple times; the registry
// cannot be re-initialized afterwards within the same process lifecycle.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, c := range r.clusters {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
