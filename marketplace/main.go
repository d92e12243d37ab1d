package main

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/squirtgunhero/node3/marketplace/clock"
	"github.com/squirtgunhero/node3/marketplace/idempotency"
	"github.com/squirtgunhero/node3/marketplace/lifecycle"
	"github.com/squirtgunhero/node3/marketplace/middleware"
	"github.com/squirtgunhero/node3/marketplace/registry"
	"github.com/squirtgunhero/node3/marketplace/resilience"
	"github.com/squirtgunhero/node3/marketplace/scheduler"
	"github.com/squirtgunhero/node3/marketplace/settlement"
	"github.com/squirtgunhero/node3/marketplace/store"
	"github.com/squirtgunhero/node3/marketplace/timeline"
)

func main() {
	cfg := loadConfig()
	ctx := context.Background()
	clk := clock.Real{}

	// Store selection: Postgres when configured, otherwise in-memory for
	// single-node and development deployments.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Println("using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Println("using in-memory store (single-node mode)")
	}

	events := timeline.NewStore(4096)
	degraded := resilience.NewDegradedMode()

	reg := registry.New(st)
	reg.DefaultMaxConcurrent = cfg.DefaultMaxConcurrent
	if err := reg.Rebuild(ctx); err != nil {
		log.Fatalf("rebuild registry: %v", err)
	}

	queue := scheduler.NewJobQueue()

	pool := settlement.NewPool(st, settlement.LogSettlement{}, clk, events)
	pool.SetWorkers(cfg.SettlementWorkers)
	pool.SetBackoff(cfg.SettlementBackoff)
	pool.Start(ctx)

	lc := lifecycle.NewController(st, reg, queue, pool, events, clk, cfg.TreasuryWallet)
	lc.DefaultMaxRetries = cfg.MaxRetries

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RebalanceInterval = cfg.RebalanceInterval
	schedCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	schedCfg.TimeoutBuffer = cfg.TimeoutBuffer

	sched := scheduler.New(queue, reg, st, lc, pool, clk, schedCfg)
	if err := sched.RehydrateQueue(ctx); err != nil {
		log.Fatalf("rehydrate queue: %v", err)
	}
	sched.Start(ctx)

	// Idempotency cache: Redis when configured so replays survive across
	// replicas, in-process memory otherwise.
	var idem idempotency.Backend
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("connect to redis: %v", err)
		}
		idem = idempotency.NewRedisBackend(client)
		log.Println("using redis idempotency cache")
	} else {
		idem = idempotency.NewMemoryBackend()
	}

	stats := NewStatsService(st, reg, queue, events, degraded)
	api := NewAPI(st, reg, lc, sched, stats, degraded, idem, clk)

	go api.wsHub.Run(ctx)

	// Public surface.
	http.HandleFunc("/", api.handleRoot)
	http.HandleFunc("/health", api.handleHealth)
	http.HandleFunc("/marketplace/agents", api.handleMarketplaceAgents)
	http.Handle("/metrics", promhttp.Handler())

	// Agent surface.
	http.HandleFunc("/agents/register", api.withIdempotency(api.handleRegister))
	http.Handle("/agents/heartbeat", middleware.AgentAuth(reg, http.HandlerFunc(api.handleHeartbeat)))
	http.Handle("/jobs/available", middleware.AgentAuth(reg, http.HandlerFunc(api.handleAvailableJobs)))
	http.Handle("/jobs/", middleware.AgentAuth(reg, http.HandlerFunc(api.withIdempotency(api.handleJobAction))))

	// Admin surface.
	http.Handle("/admin/jobs", middleware.AdminAuth(cfg.AdminKey, http.HandlerFunc(api.handleAdminJobs)))
	http.Handle("/admin/jobs/", middleware.AdminAuth(cfg.AdminKey, http.HandlerFunc(api.handleAdminGetJob)))
	http.Handle("/admin/stats", middleware.AdminAuth(cfg.AdminKey, http.HandlerFunc(api.handleAdminStats)))
	http.Handle("/admin/load-balancer", middleware.AdminAuth(cfg.AdminKey, http.HandlerFunc(api.handleAdminLoadBalancer)))
	http.Handle("/admin/load-balancer/stream", middleware.AdminAuth(cfg.AdminKey, http.HandlerFunc(api.handleLoadBalancerStream)))
	http.Handle("/scheduler/debug/snapshot", middleware.AdminAuth(cfg.AdminKey, http.HandlerFunc(api.handleDebugSnapshot)))

	log.Printf("node3 marketplace listening on %s (rebalance=%s heartbeat_timeout=%s)",
		cfg.ListenAddr, cfg.RebalanceInterval, cfg.HeartbeatTimeout)

	handler := middleware.CORS(http.DefaultServeMux)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}
