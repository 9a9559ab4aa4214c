// Command engine-core wires the Segment Event Queue, Timed Data Cache,
// Order Expiry Cache and Performance Cache into one running process: an
// admin HTTP surface, a bbolt-backed seed store with a cron sweep
// scheduler, a NATS publisher for SLA breaches and performance
// aggregates, and a small demo worker harness that exercises the
// blocking consumer APIs end to end.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	logging "github.com/swarmguard/workflow-engine/observability/logging"
	"github.com/swarmguard/workflow-engine/observability/otelinit"

	"github.com/swarmguard/workflow-engine/internal/config"
	"github.com/swarmguard/workflow-engine/internal/notify"
	"github.com/swarmguard/workflow-engine/internal/oec"
	"github.com/swarmguard/workflow-engine/internal/pc"
	"github.com/swarmguard/workflow-engine/internal/seed"
	"github.com/swarmguard/workflow-engine/internal/seq"
	"github.com/swarmguard/workflow-engine/internal/tdc"
)

// Segment ids for the demo topology: one event segment, one async
// segment, one subworkflow segment.
const (
	segOrders       seq.SegmentID = 1
	segAsyncResults seq.SegmentID = 2
	segSubworkflows seq.SegmentID = 3
)

func main() {
	service := "engine-core"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, instr := otelinit.InitMetrics(ctx, service)
	_ = instr

	tracer := otel.Tracer(service)
	meter := otel.GetMeterProvider().Meter(service)

	opts := config.NewStaticOptions(30, 10)
	opts.SetOpt("tdc.sync_key.ttl", 120)
	opts.SetOpt("tdc.order_key.ttl", 300)
	params := config.NewStaticWorkflowParams(config.RetryParams{Retry: 30, Async: 10})

	queue := seq.New(opts, params, tracer, meter)
	queue.AddEventSegment(segOrders)
	queue.AddAsyncSegment(segAsyncResults)
	queue.AddSubworkflowSegment(segSubworkflows)

	syncKeys := tdc.New[string]("tdc.sync_key.ttl", "", opts, tracer, meter)
	orderKeys := tdc.New[int64]("tdc.order_key.ttl", "tdc.order_key.max", opts, tracer, meter)

	expiry := oec.New(tracer, meter)
	slaByClass := oec.ClassSLA{1: 3600, 2: 1800}

	perfManager := pc.NewManager(meter)
	perfManager.Run(ctx, func() int64 { return time.Now().Unix() })
	dispatchLatency := perfManager.Add("dispatch_latency_ms")

	dbPath := os.Getenv("WFENGINE_SEED_DB")
	if dbPath == "" {
		dbPath = "wfengine-seed.db"
	}
	store, err := seed.Open(dbPath, meter)
	if err != nil {
		slog.Error("seed store open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var publisher *notify.Publisher
	if natsURL := os.Getenv("WFENGINE_NATS_URL"); natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			slog.Warn("nats connect failed, continuing without notify", "error", err)
		} else {
			publisher = notify.NewPublisher(nc, 50, meter)
			defer publisher.Close()
			dispatchLatency.AddListenerQueue(publisher.NewPCListener())
		}
	}

	sweeper := seed.NewSweepScheduler(store, expiry, slaByClass, opts.AsyncDelay(), meter)
	if err := sweeper.AddSLASweep("*/30 * * * * *", func() int64 { return time.Now().Unix() }, func(breaches map[oec.ClassID]int) {
		slog.Info("sla breaches detected", "classes", len(breaches))
		if publisher != nil {
			publisher.PublishSLABreaches(context.Background(), breaches, time.Now().Unix())
		}
	}); err != nil {
		slog.Error("register sla sweep failed", "error", err)
		os.Exit(1)
	}
	if err := sweeper.AddTDCStatsSnapshot("*/15 * * * * *", map[string]func() int{
		"sync_keys":  syncKeys.Size,
		"order_keys": orderKeys.Size,
	}); err != nil {
		slog.Error("register tdc stats sweep failed", "error", err)
		os.Exit(1)
	}
	sweeper.Start()

	harnessCtx, stopHarness := context.WithCancel(ctx)
	go runDemoHarness(harnessCtx, queue, dispatchLatency)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/oec/summary", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(expiry.GetSummary())
	})
	mux.HandleFunc("/v1/tdc/size", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{
			"sync_keys":  syncKeys.Size(),
			"order_keys": orderKeys.Size(),
		})
	})

	srv := &http.Server{Addr: addrFromEnv(), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
			cancel()
		}
	}()

	slog.Info("engine-core started", "addr", srv.Addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	stopHarness()
	queue.Close()
	syncKeys.Terminate()
	orderKeys.Terminate()
	perfManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sweeper.Stop(shutdownCtx); err != nil {
		slog.Warn("sweep scheduler stop", "error", err)
	}
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func addrFromEnv() string {
	if v := os.Getenv("WFENGINE_ADMIN_ADDR"); v != "" {
		return v
	}
	return ":8080"
}

// runDemoHarness seeds a handful of primary events under a synthetic
// connection id, then loops consuming them from the primary queue until
// ctx is cancelled, demonstrating the register/consume/terminate/cleanup
// lifecycle a real workflow worker would follow.
func runDemoHarness(ctx context.Context, queue *seq.SegmentEventQueue, perf *pc.Cache) {
	connID := seq.ConnID(uuid.NewString())
	now := func() int64 { return time.Now().Unix() }

	for i := int64(1); i <= 5; i++ {
		queue.QueuePrimaryEvent(seq.OrderID(i), seq.Priority(i%3), seq.ParentInfo{}, 0, now())
	}

	defer queue.CleanupConnection(connID)
	for {
		select {
		case <-ctx.Done():
			queue.TerminateConnection(connID)
			return
		default:
		}

		start := time.Now()
		ev, ok := queue.GetPrimaryEvent(ctx, connID, now)
		if !ok {
			continue
		}
		perf.Post(float64(time.Since(start).Microseconds()), now())

		if queue.GrabSegmentInc(ev.OrderID) {
			continue
		}
		slog.Debug("demo harness dispatched order", "order", ev.OrderID, "priority", ev.Priority)
		queue.ReleaseSegment(ev.OrderID)
	}
}
