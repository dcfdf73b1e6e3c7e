package deployment

import (
	"time"
)

// ResourceRequirements declares what a module needs from a node to run.
type ResourceRequirements struct {
	MemoryMB int `json:"memory_mb"`
	CPUCores int `json:"cpu_cores"`
	DiskMB   int `json:"disk_mb"`
}

// ModuleDescriptor describes a versioned, optionally signed deployable unit.
// Descriptors are immutable once validated; the pipeline only reads them.
type ModuleDescriptor struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Description  string               `json:"description,omitempty"`
	Author       string               `json:"author,omitempty"`
	Dependencies map[string]string    `json:"dependencies,omitempty"` // name -> version range
	Signature    []byte               `json:"signature,omitempty"`    // detached signature over the payload
	SignatureAlg string               `json:"signature_alg,omitempty"`
	Resources    ResourceRequirements `json:"resources"`
}

// Request is one attempt to promote a module through the pipeline.
// Created by the caller; read-only to the core.
type Request struct {
	ExecutionID     string            `json:"execution_id"`
	Module          ModuleDescriptor  `json:"module"`
	Payload         []byte            `json:"-"`
	Target          Environment       `json:"target"`
	Requester       string            `json:"requester"`
	TenantID        string            `json:"tenant_id"`
	RequireApproval bool              `json:"require_approval"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Execution status values.
const (
	StatusRunning         = "Running"
	StatusPendingApproval = "PendingApproval"
	StatusSucceeded       = "Succeeded"
	StatusFailed          = "Failed"
)

// Stage status values.
const (
	StageSucceeded = "Succeeded"
	StageFailed    = "Failed"
	StageSkipped   = "Skipped"
)

// StageResult records the terminal outcome of one pipeline stage.
// Once appended to an ExecutionState it is never mutated.
type StageResult struct {
	Name          string        `json:"name"`
	Status        string        `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      time.Duration `json:"duration"`
	Strategy      string        `json:"strategy,omitempty"`
	NodesDeployed int           `json:"nodes_deployed"`
	NodesFailed   int           `json:"nodes_failed"`
	Message       string        `json:"message,omitempty"`
}

// ExecutionState is the live, mutable view of one pipeline run. It is owned
// by the pipeline goroutine executing that run and published to the tracker
// after every change.
type ExecutionState struct {
	ExecutionID  string        `json:"execution_id"`
	Status       string        `json:"status"`
	CurrentStage string        `json:"current_stage"`
	StartedAt    time.Time     `json:"started_at"`
	LastUpdated  time.Time     `json:"last_updated"`
	Request      *Request      `json:"request"`
	Stages       []StageResult `json:"stages"`
}

// NewExecutionState builds the initial state for a run.
func NewExecutionState(req *Request) *ExecutionState {
	now := time.Now()
	return &ExecutionState{
		ExecutionID: req.ExecutionID,
		Status:      StatusRunning,
		StartedAt:   now,
		LastUpdated: now,
		Request:     req,
		Stages:      make([]StageResult, 0, 8),
	}
}

// AppendStage appends a stage result and bumps LastUpdated.
func (s *ExecutionState) AppendStage(r StageResult) {
	s.Stages = append(s.Stages, r)
	s.LastUpdated = time.Now()
}

// SetStatus transitions the execution status and bumps LastUpdated.
func (s *ExecutionState) SetStatus(status string) {
	s.Status = status
	s.LastUpdated = time.Now()
}

// SetCurrentStage records the stage currently executing and bumps LastUpdated.
func (s *ExecutionState) SetCurrentStage(name string) {
	s.CurrentStage = name
	s.LastUpdated = time.Now()
}

// StageNamed returns the recorded result for a stage name, if present.
func (s *ExecutionState) StageNamed(name string) (StageResult, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageResult{}, false
}

// Result is the single, final outcome of a pipeline run. It is constructed
// once at completion and never partially.
type Result struct {
	ExecutionID   string        `json:"execution_id"`
	ModuleName    string        `json:"module_name"`
	ModuleVersion string        `json:"module_version"`
	Success       bool          `json:"success"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      time.Duration `json:"duration"`
	Stages        []StageResult `json:"stages"`
	TraceID       string        `json:"trace_id,omitempty"`
	Message       string        `json:"message"`
}

// NodeResult is the per-node outcome of one strategy invocation.
type NodeResult struct {
	NodeID   string        `json:"node_id"`
	Hostname string        `json:"hostname"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StrategyResult aggregates the outcome of one strategy invocation against
// one cluster. Strategies always return a StrategyResult; a thrown error is
// captured in Err rather than propagated.
type StrategyResult struct {
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	Strategy    string        `json:"strategy"`
	Environment Environment   `json:"environment"`
	NodeResults []NodeResult  `json:"node_results"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Err         error         `json:"-"`
}

// Deployed returns the count of nodes that accepted the module.
func (r *StrategyResult) Deployed() int {
	n := 0
	for _, nr := range r.NodeResults {
		if nr.Success {
			n++
		}
	}
	return n
}

// Failed returns the count of nodes that rejected the module.
func (r *StrategyResult) Failed() int {
	n := 0
	for _, nr := range r.NodeResults {
		if !nr.Success {
			n++
		}
	}
	return n
}

// Approval status values.
const (
	ApprovalPending  = "Pending"
	ApprovalApproved = "Approved"
	ApprovalRejected = "Rejected"
	ApprovalExpired  = "Expired"
)

// Approval is the record held by the external approval service. The core
// only reads it.
type Approval struct {
	ApprovalID  string      `json:"approval_id"`
	ExecutionID string      `json:"execution_id"`
	ModuleName  string      `json:"module_name"`
	Version     string      `json:"version"`
	Target      Environment `json:"target"`
	Requester   string      `json:"requester"`
	Approvers   []string    `json:"approvers,omitempty"`
	Status      string      `json:"status"`
	Responder   string      `json:"responder,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// AuditEvent is one entry in the deployment audit trail.
type AuditEvent struct {
	EventID     string            `json:"event_id"`
	ExecutionID string            `json:"execution_id"`
	TenantID    string            `json:"tenant_id"`
	Type        string            `json:"type"`     // PipelineStarted, PipelineCompleted, RollbackCompleted
	Category    string            `json:"category"` // Deployment
	Action      string            `json:"action"`
	Result      string            `json:"result,omitempty"` // Success / Failure
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ClusterHealth is a point-in-time snapshot of one environment's cluster.
type ClusterHealth struct {
	Environment string    `json:"environment"`
	TotalNodes  int       `json:"total_nodes"`
	Timestamp   time.Time `json:"timestamp"`
}
