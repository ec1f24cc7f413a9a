package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"voxelswarm.ai/internal/persistence/auditlog"
	"voxelswarm.ai/internal/persistence/leasedb"
	"voxelswarm.ai/internal/sim/bus"
	"voxelswarm.ai/internal/sim/engine"
	"voxelswarm.ai/internal/sim/tasks"
	"voxelswarm.ai/internal/sim/tuning"
	"voxelswarm.ai/internal/sim/zone"
	"voxelswarm.ai/internal/transport/admin"
	"voxelswarm.ai/internal/transport/ws"
)

func main() {
	// .env is optional; real config comes from flags and tuning.yaml.
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		zonesPath  = flag.String("zones", "", "path to zones.yaml (default: <configs>/zones.yaml)")
		agents     = flag.Int("agents", 4, "number of local agents to spawn at startup")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	// Lease mirror: recover or expire leases from the previous run.
	leases, err := leasedb.Open(filepath.Join(*dataDir, "leases.db"))
	if err != nil {
		logger.Fatalf("open lease db: %v", err)
	}
	defer leases.Close()

	eng := engine.New(tune, engine.NewMemWorld(), leases)

	switch tune.LeaseColdStart {
	case "resume":
		prev, err := leases.Load()
		if err != nil {
			logger.Fatalf("load leases: %v", err)
		}
		eng.Claims().LoadFrom(prev)
		logger.Printf("resumed %d leases", len(prev))
	default: // expire
		if err := leases.ExpireAll(); err != nil {
			logger.Fatalf("expire leases: %v", err)
		}
	}

	zp := strings.TrimSpace(*zonesPath)
	if zp == "" {
		zp = filepath.Join(*configDir, "zones.yaml")
	}
	zones, err := loadZones(zp)
	if err != nil {
		logger.Fatalf("load zones: %v", err)
	}
	for _, z := range zones {
		eng.AddZone(z)
	}
	logger.Printf("loaded %d zones", len(zones))

	// Audit trails (append-only, compressed).
	sanLog := auditlog.NewSanitizerLogger(*dataDir)
	defer sanLog.Close()
	eng.SetSanitizerAudit(sanLog)

	claimLog := auditlog.NewClaimLogger(*dataDir)
	defer claimLog.Close()
	eng.SetClaimAudit(claimLog)

	eventLog := auditlog.NewEventLogger(*dataDir)
	defer eventLog.Close()
	if err := eng.Bus().Tap(func(ev bus.Event) { _ = eventLog.WriteEvent(ev) }); err != nil {
		logger.Fatalf("event log tap: %v", err)
	}

	wsSrv, err := ws.NewServer(eng, logger)
	if err != nil {
		logger.Fatalf("ws server: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	go func() {
		for i := 0; i < *agents; i++ {
			id := eng.Join(fmt.Sprintf("agent-%d", i+1), tasks.Vec3i{X: i * 8})
			logger.Printf("agent joined: %s", id)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := eng.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP voxelswarm_tick Current engine tick.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_tick gauge\n")
		fmt.Fprintf(rw, "voxelswarm_tick %d\n", m.Tick)

		fmt.Fprintf(rw, "# HELP voxelswarm_agents Current number of agents.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_agents gauge\n")
		fmt.Fprintf(rw, "voxelswarm_agents %d\n", m.Agents)

		fmt.Fprintf(rw, "# HELP voxelswarm_tasks_live Tasks not yet terminal.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_tasks_live gauge\n")
		fmt.Fprintf(rw, "voxelswarm_tasks_live %d\n", m.TasksLive)

		fmt.Fprintf(rw, "# HELP voxelswarm_tasks_total Terminal tasks by outcome.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_tasks_total counter\n")
		fmt.Fprintf(rw, "voxelswarm_tasks_total{outcome=%q} %d\n", "done", m.TasksDone)
		fmt.Fprintf(rw, "voxelswarm_tasks_total{outcome=%q} %d\n", "failed", m.TasksFailed)

		fmt.Fprintf(rw, "# HELP voxelswarm_actions_total Terminal actions by outcome.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_actions_total counter\n")
		fmt.Fprintf(rw, "voxelswarm_actions_total{outcome=%q} %d\n", "succeeded", m.ActionsSucceeded)
		fmt.Fprintf(rw, "voxelswarm_actions_total{outcome=%q} %d\n", "failed", m.ActionsFailed)

		fmt.Fprintf(rw, "# HELP voxelswarm_claim_denials_total Claim acquisition denials.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_claim_denials_total counter\n")
		fmt.Fprintf(rw, "voxelswarm_claim_denials_total %d\n", m.ClaimDenials)

		fmt.Fprintf(rw, "# HELP voxelswarm_claims_held Live claim leases.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_claims_held gauge\n")
		fmt.Fprintf(rw, "voxelswarm_claims_held %d\n", m.ClaimsHeld)

		fmt.Fprintf(rw, "# HELP voxelswarm_pending_tasks Accepted tasks awaiting planning or an agent.\n")
		fmt.Fprintf(rw, "# TYPE voxelswarm_pending_tasks gauge\n")
		fmt.Fprintf(rw, "voxelswarm_pending_tasks %d\n", m.PendingTasks)
	})

	admin.NewServer(eng, logger).Register(mux)
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

type zonesFile struct {
	Zones []zoneEntry `yaml:"zones"`
}

type zoneEntry struct {
	ID     string `yaml:"id"`
	Anchor [3]int `yaml:"anchor"`
	Size   int    `yaml:"size"`
}

// loadZones reads the zone partition config. A missing file means no zones,
// which is valid for pure task-driven deployments.
func loadZones(path string) ([]*zone.Zone, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f zonesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("zones.yaml: %w", err)
	}
	out := make([]*zone.Zone, 0, len(f.Zones))
	for _, e := range f.Zones {
		if e.ID == "" {
			return nil, fmt.Errorf("zones.yaml: zone with empty id")
		}
		if e.Size <= 0 {
			e.Size = 16
		}
		out = append(out, &zone.Zone{
			ID:     e.ID,
			Anchor: tasks.Vec3i{X: e.Anchor[0], Y: e.Anchor[1], Z: e.Anchor[2]},
			Size:   e.Size,
		})
	}
	return out, nil
}
