package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workflow-engine/internal/oec"
)

// SweepScheduler runs periodic jobs external to the core: an OEC SLA sweep
// and a cache-stats snapshot, the same "cron schedules workflow-level work"
// role the teacher's Scheduler plays for workflow execution, generalized
// here from workflow execution to cache sweeping.
type SweepScheduler struct {
	cron  *cron.Cron
	store *Store
	oec   *oec.Cache

	slaByClass oec.ClassSLA
	slaDelay   int64

	sweepRuns  metric.Int64Counter
	sweepFails metric.Int64Counter
	tracer     trace.Tracer
}

// NewSweepScheduler builds a SweepScheduler. slaByClass/slaDelay are the
// parameters passed to OrderExpiryCache.GetEvents on every sweep tick.
func NewSweepScheduler(store *Store, oecCache *oec.Cache, slaByClass oec.ClassSLA, slaDelay int64, meter metric.Meter) *SweepScheduler {
	sweepRuns, _ := meter.Int64Counter("wfengine_sweep_runs_total")
	sweepFails, _ := meter.Int64Counter("wfengine_sweep_failures_total")
	return &SweepScheduler{
		cron:       cron.New(cron.WithSeconds()),
		store:      store,
		oec:        oecCache,
		slaByClass: slaByClass,
		slaDelay:   slaDelay,
		sweepRuns:  sweepRuns,
		sweepFails: sweepFails,
		tracer:     otel.Tracer("wfengine-sweep"),
	}
}

// AddSLASweep registers the OEC SLA sweep under cronExpr (seconds-precision,
// e.g. "*/30 * * * * *" for every 30s). onBreach is called with the
// class -> breached-count map of each sweep that finds at least one breach;
// sweeps with no breaches do not call it.
func (s *SweepScheduler) AddSLASweep(cronExpr string, now func() int64, onBreach func(map[oec.ClassID]int)) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		ctx, span := s.tracer.Start(context.Background(), "sweep.oec_sla",
			trace.WithAttributes(attribute.String("cron", cronExpr)))
		defer span.End()

		breaches := s.oec.GetEvents(ctx, s.slaByClass, s.slaDelay, now())
		s.sweepRuns.Add(ctx, 1)
		if len(breaches) > 0 && onBreach != nil {
			onBreach(breaches)
		}
		if err := s.store.SaveOECSnapshot(ctx, s.oec.GetDetails()); err != nil {
			s.sweepFails.Add(ctx, 1)
			slog.Warn("sweep: oec snapshot persist failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("add sla sweep: %w", err)
	}
	return nil
}

// AddTDCStatsSnapshot registers a periodic job that records each named
// cache's current size via sizeFns, for diagnostics/capacity planning; it
// never touches the cache's TTL behavior.
func (s *SweepScheduler) AddTDCStatsSnapshot(cronExpr string, sizeFns map[string]func() int) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		_, span := s.tracer.Start(context.Background(), "sweep.tdc_stats",
			trace.WithAttributes(attribute.String("cron", cronExpr)))
		defer span.End()
		for name, fn := range sizeFns {
			slog.Debug("tdc stats snapshot", "cache", name, "size", fn())
		}
		s.sweepRuns.Add(context.Background(), 1)
	})
	if err != nil {
		return fmt.Errorf("add tdc stats snapshot: %w", err)
	}
	return nil
}

// Start begins the cron scheduler.
func (s *SweepScheduler) Start() {
	s.cron.Start()
	slog.Info("sweep scheduler started")
}

// Stop gracefully stops the cron scheduler, waiting for in-flight jobs.
func (s *SweepScheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("sweep scheduler stop timeout")
		return ctx.Err()
	}
}
