// Package approval holds the human approval gate for deployments into
// protected environments. The pipeline requests an approval, then polls
// until a responder acts or the request expires.
package approval

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kernelforge/deployment"
)

// Service is what the pipeline needs from an approval backend.
type Service interface {
	// RequestApproval opens a pending approval for the request.
	RequestApproval(ctx context.Context, req *deployment.Request, ttl time.Duration) (*deployment.Approval, error)
	// WaitForApproval blocks until the approval reaches a terminal status
	// or its deadline passes, in which case the returned approval is
	// marked Expired.
	WaitForApproval(ctx context.Context, approvalID string) (*deployment.Approval, error)
}

// DefaultTTL bounds how long an approval may stay pending.
const DefaultTTL = 30 * time.Minute

// MemoryService is an in-process approval backend. Production deployments
// would put this behind the HTTP API so release managers can respond.
type MemoryService struct {
	mu           sync.Mutex
	approvals    map[string]*deployment.Approval
	pollInterval time.Duration
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		approvals:    make(map[string]*deployment.Approval),
		pollInterval: 100 * time.Millisecond,
	}
}

func (s *MemoryService) RequestApproval(ctx context.Context, req *deployment.Request, ttl time.Duration) (*deployment.Approval, error) {
	if req == nil {
		return nil, fmt.Errorf("approval request requires a deployment request")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	a := &deployment.Approval{
		ApprovalID:  uuid.NewString(),
		ExecutionID: req.ExecutionID,
		ModuleName:  req.Module.Name,
		Version:     req.Module.Version,
		Target:      req.Target,
		Requester:   req.Requester,
		Status:      deployment.ApprovalPending,
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}

	s.mu.Lock()
	s.approvals[a.ApprovalID] = a
	s.mu.Unlock()

	log.Printf("[approval] opened %s for %s@%s -> %s (expires %s)",
		a.ApprovalID, a.ModuleName, a.Version, a.Target, a.ExpiresAt.Format(time.RFC3339))
	return s.snapshot(a.ApprovalID), nil
}

func (s *MemoryService) WaitForApproval(ctx context.Context, approvalID string) (*deployment.Approval, error) {
	a := s.snapshot(approvalID)
	if a == nil {
		return nil, fmt.Errorf("unknown approval %s", approvalID)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		a = s.snapshot(approvalID)
		if a.Status != deployment.ApprovalPending {
			return a, nil
		}
		if time.Now().After(a.ExpiresAt) {
			return s.expire(approvalID), nil
		}

		select {
		case <-ctx.Done():
			return s.expire(approvalID), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Respond records a responder's decision. A terminal approval cannot be
// changed by later responses.
func (s *MemoryService) Respond(approvalID string, approved bool, responder string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return fmt.Errorf("unknown approval %s", approvalID)
	}
	if a.Status != deployment.ApprovalPending {
		return fmt.Errorf("approval %s already %s", approvalID, a.Status)
	}
	if approved {
		a.Status = deployment.ApprovalApproved
	} else {
		a.Status = deployment.ApprovalRejected
	}
	a.Responder = responder
	a.Reason = reason
	return nil
}

// Get returns a copy of the approval record, or nil if unknown.
func (s *MemoryService) Get(approvalID string) *deployment.Approval {
	return s.snapshot(approvalID)
}

func (s *MemoryService) expire(approvalID string) *deployment.Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil
	}
	if a.Status == deployment.ApprovalPending {
		a.Status = deployment.ApprovalExpired
	}
	snap := *a
	return &snap
}

func (s *MemoryService) snapshot(approvalID string) *deployment.Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil
	}
	snap := *a
	return &snap
}
