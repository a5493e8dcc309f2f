// Command arena runs the round-execution engine: the HTTP admin/chat-bridge/
// live surface plus the background round driver, viewer-presence reaper,
// and usage-projection bootstrapper loops.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokenscomedyclub/arena/engine/api"
	"github.com/tokenscomedyclub/arena/engine/lease"
	"github.com/tokenscomedyclub/arena/engine/llm"
	"github.com/tokenscomedyclub/arena/engine/middleware"
	"github.com/tokenscomedyclub/arena/engine/reasoning"
	"github.com/tokenscomedyclub/arena/engine/recovery"
	"github.com/tokenscomedyclub/arena/engine/round"
	"github.com/tokenscomedyclub/arena/engine/store"
	"github.com/tokenscomedyclub/arena/engine/usage"
	"github.com/tokenscomedyclub/arena/engine/viewer"
)

func main() {
	ctx := context.Background()

	s := mustStore(ctx)
	viewers := mustViewers()

	leases := lease.New(s)
	calibrator := reasoning.NewCalibrator()
	adapter := llm.NewRetryingAdapter(llm.NewOpenRouterCaller(), calibrator)
	sink := reasoning.NewSink(s)
	recorder := usage.NewRecorder(s)
	recoverer := recovery.New(s, viewers)

	ensureStarted := func(ctx context.Context) error {
		id, acquired, err := leases.AcquireIfVacant(ctx, time.Now())
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		log.Printf("✅ acquired round-driver lease %s", id)
		driver := round.New(s, viewers, leases, recoverer, adapter, sink, recorder)
		go driver.Run(context.Background(), id)
		return nil
	}

	passcode := os.Getenv("ADMIN_PASSCODE")
	if passcode == "" {
		log.Fatal("ADMIN_PASSCODE is required")
	}
	var allowedOrigins []string
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		allowedOrigins = strings.Split(raw, ",")
	}

	a := api.New(s, viewers, leases, passcode, ensureStarted)

	// Bring the engine up immediately (paused or not: a paused driver just
	// idles until resume), matching the crash-semantics design note that either viewer heartbeat or admin
	// resume will acquire a fresh lease -- a fresh process is the same
	// situation as a post-crash restart.
	if err := ensureStarted(ctx); err != nil {
		log.Printf("⚠️  initial ensureStarted: %v", err)
	}

	if raw := os.Getenv("PLATFORM_VIEWER_POLL_INTERVAL_MS"); raw != "" {
		// The platform-viewer poller itself is out of scope (spec.md §1);
		// this knob is accepted so config wiring doesn't need to change
		// the day that poller is added.
		log.Printf("PLATFORM_VIEWER_POLL_INTERVAL_MS=%s noted, no poller wired", raw)
	}

	go runReaper(ctx, viewers)
	go runBootstrap(ctx, s, adapter, recorder)
	go a.Hub().Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	admin := middleware.AdminAuth(passcode)
	mux.Handle("/admin/login", admin(http.HandlerFunc(a.HandleLogin)))
	mux.Handle("/admin/status", admin(http.HandlerFunc(a.HandleStatus)))
	mux.Handle("/admin/pause", admin(http.HandlerFunc(a.HandlePause)))
	mux.Handle("/admin/resume", admin(http.HandlerFunc(a.HandleResume)))
	mux.Handle("/admin/reset", admin(http.HandlerFunc(a.HandleReset)))
	mux.Handle("/admin/export", admin(http.HandlerFunc(a.HandleExport)))
	mux.Handle("/admin/models", admin(http.HandlerFunc(a.HandleModels)))
	mux.Handle("/admin/viewer-targets", admin(http.HandlerFunc(a.HandleViewerTargets)))

	mux.HandleFunc("/fossabot/vote", a.HandleFossabotVote)
	mux.HandleFunc("/viewer/heartbeat", a.HandleHeartbeat)
	mux.HandleFunc("/viewer/vote", a.HandleWebVote)
	mux.HandleFunc("/live/stream", a.HandleLiveStream)

	handler := middleware.CORS(allowedOrigins)(mux)

	fmt.Println("==================================================")
	fmt.Println("  TokensComedyClub round-execution engine")
	fmt.Println("==================================================")

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	log.Printf("arena listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, handler))
}

func mustStore(ctx context.Context) store.Store {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Println("⚠️  DATABASE_URL unset, using in-memory store (not for production)")
		return store.NewMemoryStore()
	}
	pg, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		log.Fatalf("connecting to postgres: %v", err)
	}
	log.Println("✅ connected to postgres")
	return pg
}

func mustViewers() viewer.Aggregates {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Println("⚠️  REDIS_ADDR unset, using in-memory viewer aggregates (not for production)")
		return viewer.NewMemoryAggregates()
	}
	r, err := viewer.NewRedisAggregates(addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Fatalf("connecting to redis: %v", err)
	}
	log.Println("✅ connected to redis")
	return r
}

// runReaper ticks §4.8's reapExpired on a 5s cadence, draining faster
// (no sleep between calls) while a batch comes back saturated.
func runReaper(ctx context.Context, viewers viewer.Aggregates) {
	for {
		_, exhausted, err := viewers.ReapExpired(ctx, time.Now(), 500)
		if err != nil {
			log.Printf("⚠️  reaper: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if exhausted {
			time.Sleep(5 * time.Second)
			continue
		}
	}
}

// runBootstrap runs the projection bootstrapper once at startup so newly
// added models have enough usage samples for cost/latency projections
// before they see live traffic (§4.9).
func runBootstrap(ctx context.Context, s store.Store, adapter llm.Adapter, recorder *usage.Recorder) {
	concurrency := 2
	if raw := os.Getenv("PROJECTION_BOOTSTRAP_MODEL_CONCURRENCY"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			concurrency = n
		}
	}
	b := usage.NewBootstrapper(s, adapter, recorder, concurrency)
	if err := b.Run(ctx); err != nil {
		log.Printf("⚠️  projection bootstrap: %v", err)
	}
}
