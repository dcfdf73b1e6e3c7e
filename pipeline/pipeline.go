// Package pipeline implements the deployment state machine: quota
// admission, the approval gate, build/test/security stages, per-environment
// strategy rollout and final validation. The pipeline never lets a panic or
// error escape Execute; callers always get a structured Result saying which
// stage failed and why.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
	"github.com/kernelforge/kernelforge/store"
	"github.com/kernelforge/kernelforge/strategy"
	"github.com/kernelforge/kernelforge/telemetry"
	"github.com/kernelforge/kernelforge/verification"
)

// Stage names, in execution order.
const (
	StageApproval     = "Approval"
	StageBuild        = "Build"
	StageTest         = "Test"
	StageSecurityScan = "Security Scan"
	StageValidation   = "Validation"
)

// DeployStageName is the name of the rollout stage for one environment.
func DeployStageName(env deployment.Environment) string {
	return "Deploy to " + env.String()
}

// ApprovalService is the external human-approval backend.
type ApprovalService interface {
	RequestApproval(ctx context.Context, req *deployment.Request, ttl time.Duration) (*deployment.Approval, error)
	WaitForApproval(ctx context.Context, approvalID string) (*deployment.Approval, error)
}

// AuditLog records tamper-evident deployment events.
type AuditLog interface {
	LogDeploymentEvent(ctx context.Context, executionID, tenantID, eventType, category, action, result string, metadata map[string]string) string
}

// Tracker receives the execution state after every mutation and the final
// result. Tracker failures never fail the pipeline.
type Tracker interface {
	UpdatePipelineState(ctx context.Context, tenantID string, state *deployment.ExecutionState)
	SaveResult(ctx context.Context, tenantID string, result *deployment.Result)
}

// Notifier pushes live progress to subscribers. Best-effort.
type Notifier interface {
	NotifyStatusChanged(ctx context.Context, executionID string, state *deployment.ExecutionState)
	NotifyProgress(ctx context.Context, executionID string, stageName string, percent int)
}

// Quota gates admission per tenant. Check and record are separate calls; the
// quota backend owns atomicity between them.
type Quota interface {
	CheckQuota(ctx context.Context, tenantID string, resource string) error
	RecordUsage(ctx context.Context, tenantID string, resource string) error
	ReleaseUsage(ctx context.Context, tenantID string, resource string) error
}

// ModuleVerifier is the security-scan seam.
type ModuleVerifier interface {
	ValidateModule(ctx context.Context, desc *deployment.ModuleDescriptor, payload []byte) verification.ModuleResult
}

// Config collects the pipeline's collaborators and tuning knobs.
type Config struct {
	Registry   *cluster.Registry
	Verifier   ModuleVerifier
	Strategies strategy.Map
	Approvals  ApprovalService
	Audit      AuditLog
	Tracker    Tracker
	Notifier   Notifier
	Quota      Quota

	// ApprovalTTL bounds how long a run may wait at the approval gate.
	ApprovalTTL time.Duration
}

// Pipeline executes deployment requests. It is safe for concurrent use;
// each execution owns its own state.
type Pipeline struct {
	cfg Config
}

// New builds a pipeline. Registry, Verifier, Strategies, Approvals, Audit,
// Tracker and Quota are required; Notifier may be nil.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Registry == nil:
		return nil, fmt.Errorf("pipeline requires a cluster registry")
	case cfg.Verifier == nil:
		return nil, fmt.Errorf("pipeline requires a module verifier")
	case len(cfg.Strategies) == 0:
		return nil, fmt.Errorf("pipeline requires a strategy map")
	case cfg.Approvals == nil:
		return nil, fmt.Errorf("pipeline requires an approval service")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("pipeline requires an audit log")
	case cfg.Tracker == nil:
		return nil, fmt.Errorf("pipeline requires a tracker")
	case cfg.Quota == nil:
		return nil, fmt.Errorf("pipeline requires a quota service")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 30 * time.Minute
	}
	return &Pipeline{cfg: cfg}, nil
}

type nopNotifier struct{}

func (nopNotifier) NotifyStatusChanged(context.Context, string, *deployment.ExecutionState) {}
func (nopNotifier) NotifyProgress(context.Context, string, string, int)                    {}

// Execute runs the full pipeline for one request and always returns a
// Result; it never panics and never returns nil.
func (p *Pipeline) Execute(ctx context.Context, req *deployment.Request) (result *deployment.Result) {
	start := time.Now()
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}

	// Boundary guard: a panic anywhere, including inside a collaborator,
	// becomes a failed result instead of escaping to the caller.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] execution %s panicked: %v", req.ExecutionID, r)
			result = p.terminalResult(req, start, nil, false, fmt.Sprintf("Pipeline failed: %v", r))
			func() {
				defer func() { recover() }()
				observability.PipelineExecutions.WithLabelValues("failure").Inc()
				p.cfg.Audit.LogDeploymentEvent(context.WithoutCancel(ctx), req.ExecutionID, req.TenantID,
					"PipelineCompleted", "Deployment", "Execute", "Failure", map[string]string{
						"message": result.Message,
					})
			}()
		}
	}()

	p.cfg.Audit.LogDeploymentEvent(ctx, req.ExecutionID, req.TenantID,
		"PipelineStarted", "Deployment", "Execute", "", map[string]string{
			"module":  req.Module.Name,
			"version": req.Module.Version,
			"target":  req.Target.String(),
		})

	// Quota gate. A denial records no stages and no usage.
	if err := p.cfg.Quota.CheckQuota(ctx, req.TenantID, store.ResourceConcurrentDeployments); err != nil {
		log.Printf("[pipeline] execution %s denied: %v", req.ExecutionID, err)
		result = p.terminalResult(req, start, nil, false, err.Error())
		p.complete(ctx, req, nil, result)
		return result
	}
	if err := p.cfg.Quota.RecordUsage(ctx, req.TenantID, store.ResourceConcurrentDeployments); err != nil {
		log.Printf("[pipeline] execution %s usage record failed: %v", req.ExecutionID, err)
	}
	defer func() {
		if err := p.cfg.Quota.ReleaseUsage(context.WithoutCancel(ctx), req.TenantID, store.ResourceConcurrentDeployments); err != nil {
			log.Printf("[pipeline] execution %s usage release failed: %v", req.ExecutionID, err)
		}
	}()

	ctx, span := telemetry.StartSpan(ctx, "pipeline.execute",
		attribute.String("execution.id", req.ExecutionID),
		attribute.String("module.name", req.Module.Name),
		attribute.String("module.version", req.Module.Version),
		attribute.String("target.environment", req.Target.String()),
	)
	defer span.End()

	state := deployment.NewExecutionState(req)
	p.publish(ctx, state)

	result = p.run(ctx, req, state)
	result.TraceID = telemetry.TraceID(ctx)
	p.complete(ctx, req, state, result)
	return result
}

// run drives the stage sequence. A panic anywhere inside is converted into
// a failed result at this boundary.
func (p *Pipeline) run(ctx context.Context, req *deployment.Request, state *deployment.ExecutionState) (result *deployment.Result) {
	start := state.StartedAt

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] execution %s panicked: %v", req.ExecutionID, r)
			state.SetStatus(deployment.StatusFailed)
			result = p.terminalResult(req, start, state, false, fmt.Sprintf("Pipeline failed: %v", r))
		}
	}()

	stages := p.plan(req)

	for i, name := range stages {
		state.SetCurrentStage(name)
		p.publish(ctx, state)
		p.cfg.Notifier.NotifyProgress(ctx, req.ExecutionID, name, i*100/len(stages))

		stage, haltMsg := p.runStage(ctx, name, req, state)
		state.AppendStage(stage)
		p.publish(ctx, state)
		observability.StageDuration.WithLabelValues(name, stage.Status).Observe(stage.Duration.Seconds())

		if stage.Status == deployment.StageFailed {
			state.SetStatus(deployment.StatusFailed)
			return p.terminalResult(req, start, state, false, haltMsg)
		}
	}

	state.SetStatus(deployment.StatusSucceeded)
	p.cfg.Notifier.NotifyProgress(ctx, req.ExecutionID, StageValidation, 100)
	msg := fmt.Sprintf("Module %s@%s deployed to %s", req.Module.Name, req.Module.Version, req.Target)
	return p.terminalResult(req, start, state, true, msg)
}

// plan returns the stage names for this request in execution order. The
// approval gate engages only for Staging and above, and deploy stages walk
// every environment from Development up to the target.
func (p *Pipeline) plan(req *deployment.Request) []string {
	var stages []string
	if req.RequireApproval && req.Target >= deployment.Staging {
		stages = append(stages, StageApproval)
	}
	stages = append(stages, StageBuild, StageTest, StageSecurityScan)
	for _, env := range req.Target.Path() {
		stages = append(stages, DeployStageName(env))
	}
	return append(stages, StageValidation)
}

// runStage executes one stage and returns its result plus the message the
// pipeline halts with if the stage failed.
func (p *Pipeline) runStage(ctx context.Context, name string, req *deployment.Request, state *deployment.ExecutionState) (deployment.StageResult, string) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.stage", attribute.String("stage", name))
	defer span.End()

	stage := deployment.StageResult{Name: name, StartedAt: time.Now()}

	switch name {
	case StageApproval:
		p.runApproval(ctx, req, state, &stage)
	case StageBuild:
		p.runBuild(req, &stage)
	case StageTest:
		p.runTest(req, &stage)
	case StageSecurityScan:
		p.runSecurityScan(ctx, req, &stage)
	case StageValidation:
		p.runValidation(ctx, req, &stage)
	default:
		env, err := deployment.ParseEnvironment(strings.TrimPrefix(name, "Deploy to "))
		if err != nil {
			stage.Status = deployment.StageFailed
			stage.Message = err.Error()
			break
		}
		p.runDeploy(ctx, env, req, &stage)
	}

	stage.FinishedAt = time.Now()
	stage.Duration = stage.FinishedAt.Sub(stage.StartedAt)

	haltMsg := ""
	if stage.Status == deployment.StageFailed {
		haltMsg = fmt.Sprintf("Pipeline failed at %s stage", name)
		if strings.HasPrefix(name, "Deploy to ") {
			haltMsg = "Pipeline failed at " + name
		}
	}
	return stage, haltMsg
}

func (p *Pipeline) runApproval(ctx context.Context, req *deployment.Request, state *deployment.ExecutionState, stage *deployment.StageResult) {
	state.SetStatus(deployment.StatusPendingApproval)
	p.publish(ctx, state)

	a, err := p.cfg.Approvals.RequestApproval(ctx, req, p.cfg.ApprovalTTL)
	if err != nil {
		stage.Status = deployment.StageFailed
		stage.Message = fmt.Sprintf("approval request failed: %v", err)
		return
	}

	waitStart := time.Now()
	a, waitErr := p.cfg.Approvals.WaitForApproval(ctx, a.ApprovalID)
	observability.ApprovalWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if a == nil {
		stage.Status = deployment.StageFailed
		stage.Message = fmt.Sprintf("approval wait failed: %v", waitErr)
		return
	}
	observability.ApprovalOutcomes.WithLabelValues(a.Status).Inc()

	switch a.Status {
	case deployment.ApprovalApproved:
		stage.Status = deployment.StageSucceeded
		stage.Message = fmt.Sprintf("Approved by %s", a.Responder)
		state.SetStatus(deployment.StatusRunning)
	case deployment.ApprovalRejected:
		stage.Status = deployment.StageFailed
		stage.Message = fmt.Sprintf("Rejected by %s: %s", a.Responder, a.Reason)
	default:
		stage.Status = deployment.StageFailed
		stage.Message = "Approval request expired"
	}
}

// runBuild checks that the module descriptor resolves into a buildable
// artifact. The build itself happens upstream; this stage asserts the
// inputs the deploy stages depend on.
func (p *Pipeline) runBuild(req *deployment.Request, stage *deployment.StageResult) {
	if req.Module.Name == "" || req.Module.Version == "" {
		stage.Status = deployment.StageFailed
		stage.Message = "module descriptor is missing name or version"
		return
	}
	stage.Status = deployment.StageSucceeded
	stage.Message = fmt.Sprintf("Build completed for %s@%s", req.Module.Name, req.Module.Version)
}

func (p *Pipeline) runTest(req *deployment.Request, stage *deployment.StageResult) {
	r := req.Module.Resources
	if r.MemoryMB < 0 || r.CPUCores < 0 || r.DiskMB < 0 {
		stage.Status = deployment.StageFailed
		stage.Message = "module declares negative resource requirements"
		return
	}
	stage.Status = deployment.StageSucceeded
	stage.Message = fmt.Sprintf("Tests passed for %s@%s", req.Module.Name, req.Module.Version)
}

func (p *Pipeline) runSecurityScan(ctx context.Context, req *deployment.Request, stage *deployment.StageResult) {
	res := p.cfg.Verifier.ValidateModule(ctx, &req.Module, req.Payload)
	if !res.Valid {
		observability.VerificationFailures.Inc()
		stage.Status = deployment.StageFailed
		stage.Message = "module validation failed: " + strings.Join(res.Errors, "; ")
		return
	}
	stage.Status = deployment.StageSucceeded
	stage.Message = fmt.Sprintf("Module verified (%d dependencies)", res.Dependencies)
	if len(res.Warnings) > 0 {
		stage.Message += "; warnings: " + strings.Join(res.Warnings, "; ")
	}
}

func (p *Pipeline) runDeploy(ctx context.Context, env deployment.Environment, req *deployment.Request, stage *deployment.StageResult) {
	c, err := p.cfg.Registry.Get(env)
	if err != nil {
		stage.Status = deployment.StageFailed
		stage.Message = err.Error()
		return
	}
	strat, ok := p.cfg.Strategies[env]
	if !ok {
		stage.Status = deployment.StageFailed
		stage.Message = fmt.Sprintf("no strategy bound for %s", env)
		return
	}

	res := strat.Deploy(ctx, req, c)
	stage.Strategy = strat.Name()
	stage.NodesDeployed = res.Deployed()
	stage.NodesFailed = res.Failed()
	stage.Message = res.Message
	observability.NodesDeployed.WithLabelValues(env.String(), "deployed").Add(float64(stage.NodesDeployed))
	observability.NodesDeployed.WithLabelValues(env.String(), "failed").Add(float64(stage.NodesFailed))

	if !res.Success {
		stage.Status = deployment.StageFailed
		if res.Err != nil {
			log.Printf("[pipeline] execution %s deploy to %s: %v", req.ExecutionID, env, res.Err)
		}
		return
	}
	stage.Status = deployment.StageSucceeded
}

// runValidation confirms the target environment's nodes actually report the
// promoted version.
func (p *Pipeline) runValidation(ctx context.Context, req *deployment.Request, stage *deployment.StageResult) {
	c, err := p.cfg.Registry.Get(req.Target)
	if err != nil {
		stage.Status = deployment.StageFailed
		stage.Message = err.Error()
		return
	}

	loaded := 0
	for _, n := range c.Nodes() {
		if v, ok := n.LoadedVersion(req.Module.Name); ok && v == req.Module.Version {
			loaded++
		}
	}
	if loaded == 0 {
		stage.Status = deployment.StageFailed
		stage.Message = fmt.Sprintf("no %s node reports %s@%s", req.Target, req.Module.Name, req.Module.Version)
		return
	}
	stage.Status = deployment.StageSucceeded
	stage.Message = fmt.Sprintf("%d/%d nodes report %s@%s", loaded, c.NodeCount(), req.Module.Name, req.Module.Version)
}

func (p *Pipeline) publish(ctx context.Context, state *deployment.ExecutionState) {
	p.cfg.Tracker.UpdatePipelineState(ctx, state.Request.TenantID, state)
	p.cfg.Notifier.NotifyStatusChanged(ctx, state.ExecutionID, state)
}

func (p *Pipeline) terminalResult(req *deployment.Request, start time.Time, state *deployment.ExecutionState, success bool, msg string) *deployment.Result {
	end := time.Now()
	result := &deployment.Result{
		ExecutionID:   req.ExecutionID,
		ModuleName:    req.Module.Name,
		ModuleVersion: req.Module.Version,
		Success:       success,
		StartedAt:     start,
		FinishedAt:    end,
		Duration:      end.Sub(start),
		Message:       msg,
	}
	if result.Duration <= 0 {
		result.Duration = time.Nanosecond
	}
	if state != nil {
		result.Stages = append(result.Stages, state.Stages...)
	}
	return result
}

// complete persists the result, emits the completion audit event and bumps
// the outcome metrics.
func (p *Pipeline) complete(ctx context.Context, req *deployment.Request, state *deployment.ExecutionState, result *deployment.Result) {
	ctx = context.WithoutCancel(ctx)
	if state != nil {
		p.publish(ctx, state)
	}
	p.cfg.Tracker.SaveResult(ctx, req.TenantID, result)

	outcome := "success"
	auditResult := "Success"
	if !result.Success {
		outcome = "failure"
		auditResult = "Failure"
	}
	observability.PipelineExecutions.WithLabelValues(outcome).Inc()
	observability.PipelineDuration.Observe(result.Duration.Seconds())

	p.cfg.Audit.LogDeploymentEvent(ctx, req.ExecutionID, req.TenantID,
		"PipelineCompleted", "Deployment", "Execute", auditResult, map[string]string{
			"message": result.Message,
		})
	log.Printf("[pipeline] execution %s finished: success=%t %s", req.ExecutionID, result.Success, result.Message)
}
