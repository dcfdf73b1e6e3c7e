package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kernelforge/kernelforge/admission"
	"github.com/kernelforge/kernelforge/approval"
	"github.com/kernelforge/kernelforge/cluster"
	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/middleware"
	"github.com/kernelforge/kernelforge/orchestrator"
	"github.com/kernelforge/kernelforge/pipeline"
	"github.com/kernelforge/kernelforge/store"
	"github.com/kernelforge/kernelforge/strategy"
	"github.com/kernelforge/kernelforge/streaming"
	"github.com/kernelforge/kernelforge/telemetry"
	"github.com/kernelforge/kernelforge/verification"
)

// executorAdapter lets the admission controller drive the orchestrator.
type executorAdapter struct {
	o *orchestrator.Orchestrator
}

func (e executorAdapter) Execute(ctx context.Context, req *deployment.Request) *deployment.Result {
	result, err := e.o.ExecutePipeline(ctx, req)
	if err != nil {
		return &deployment.Result{
			ExecutionID:   req.ExecutionID,
			ModuleName:    req.Module.Name,
			ModuleVersion: req.Module.Version,
			Message:       err.Error(),
		}
	}
	return result
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend: Postgres for durable multi-node deployments, Redis
	// for shared ephemeral state, memory for single-node development.
	var s store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Printf("Connected to Postgres for deployment storage")
	} else if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rs, err := store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		defer rs.Close()
		s = rs
		log.Printf("Connected to Redis at %s for deployment storage", redisAddr)
	} else {
		s = store.NewMemoryStore()
		log.Printf("Using in-memory store (single-node mode)")
	}

	// Tracing is exporter-driven: console locally, OTLP in production.
	shutdownTracing, err := telemetry.InitTracing(ctx)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("Trace provider shutdown: %v", err)
		}
	}()

	// Module verification: strict mode requires the signing public key.
	publicKeyPEM := os.Getenv("MODULE_PUBLIC_KEY")
	if keyFile := os.Getenv("MODULE_PUBLIC_KEY_FILE"); keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			log.Fatalf("Failed to read public key file %s: %v", keyFile, err)
		}
		publicKeyPEM = string(data)
	}
	strict := os.Getenv("STRICT_VERIFICATION") == "true"
	verifier, err := verification.NewVerifier(publicKeyPEM, strict)
	if err != nil {
		log.Fatalf("Failed to build verifier: %v", err)
	}

	// Streaming: log publisher until a real bus is wired, plus the
	// websocket hub for live progress.
	publisher := streaming.NewLogPublisher()
	defer publisher.Close()
	hub := streaming.NewHub()
	go hub.Run(ctx)
	notifier := streaming.NewNotifier(publisher, hub)

	// Quota limits per tenant.
	quotaLimits := map[string]int{store.ResourceConcurrentDeployments: 10}
	if limitStr := os.Getenv("QUOTA_CONCURRENT_DEPLOYMENTS"); limitStr != "" {
		var limit int
		fmt.Sscanf(limitStr, "%d", &limit)
		if limit > 0 {
			quotaLimits[store.ResourceConcurrentDeployments] = limit
		}
	}

	approvals := approval.NewMemoryService()
	approvalTTL := 30 * time.Minute
	if ttlStr := os.Getenv("APPROVAL_TTL"); ttlStr != "" {
		if d, err := time.ParseDuration(ttlStr); err == nil && d > 0 {
			approvalTTL = d
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Pipeline: pipeline.Config{
			Verifier:    verifier,
			Strategies:  strategy.DefaultMap(),
			Approvals:   approvals,
			Audit:       store.NewAuditLog(s),
			Tracker:     store.NewTracker(s),
			Notifier:    notifier,
			Quota:       store.NewQuotaService(s, quotaLimits),
			ApprovalTTL: approvalTTL,
		},
	})
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}
	if _, err := orch.InitializeClusters(ctx); err != nil {
		log.Fatalf("Failed to initialize clusters: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Close(closeCtx); err != nil {
			log.Printf("Cluster teardown: %v", err)
		}
	}()

	// Node liveness monitor.
	monitor := cluster.NewMonitor(orch.Registry(), 5*time.Second, 15*time.Second)
	monitor.Start(ctx)

	// Admission control in front of the pipeline.
	admissionCfg := admission.DefaultConfig()
	if limitStr := os.Getenv("ADMISSION_CONCURRENCY"); limitStr != "" {
		var limit int
		fmt.Sscanf(limitStr, "%d", &limit)
		if limit > 0 {
			admissionCfg.MaxConcurrency = limit
		}
	}
	if cbStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbStr != "" {
		var cb int
		fmt.Sscanf(cbStr, "%d", &cb)
		if cb > 0 {
			admissionCfg.MaxQueueDepth = cb
		}
	}
	controller := admission.NewController(executorAdapter{o: orch}, admissionCfg)
	controller.Start(ctx)

	api := NewAPI(s, orch, controller, approvals, hub)

	mux := http.NewServeMux()
	mux.Handle("/api/deployments", middleware.TenantMiddleware(http.HandlerFunc(api.handleDeployments)))
	mux.Handle("/api/deployments/", middleware.TenantMiddleware(http.HandlerFunc(api.handleDeployments)))
	mux.HandleFunc("/api/approvals/", api.handleApproval)
	mux.Handle("/api/clusters/health", middleware.TenantMiddleware(http.HandlerFunc(api.handleClusterHealth)))
	mux.HandleFunc("/api/stream", api.handleStream)
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("KERNELFORGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:    addr,
		Handler: middleware.CORSMiddleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	log.Printf("KernelForge control plane listening on %s (strict verification: %t)", addr, strict)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server: %v", err)
	}
}
