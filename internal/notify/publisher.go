// Package notify is the outward-facing collaborator that turns sweep
// results and performance aggregates into NATS messages, carrying OTel
// trace context the way the teacher's natsctx package does. Nothing in
// internal/seq, internal/tdc, internal/oec or internal/pc imports this
// package; it only consumes their public result types.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workflow-engine/internal/oec"
	"github.com/swarmguard/workflow-engine/internal/pc"
	"github.com/swarmguard/workflow-engine/resilience"
)

var propagator = propagation.TraceContext{}

// SubjectSLABreach and SubjectPCAggregate are the default NATS subjects
// Publisher publishes to; override via WithSubjects.
const (
	SubjectSLABreach   = "wfengine.oec.sla_breach"
	SubjectPCAggregate = "wfengine.pc.aggregate"
)

// Publisher publishes SLA-breach sweep results and PerformanceCache
// one-second aggregates to NATS through a single rate limiter shared by all
// of its subjects, so a tick storm never floods the connection.
type Publisher struct {
	nc *nats.Conn

	slaSubject string
	pcSubject  string

	limiter *resilience.RateLimiter
	tracer  trace.Tracer

	dropped metric.Int64Counter
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithSubjects overrides the default SLA-breach and PC-aggregate subjects.
func WithSubjects(sla, pcAgg string) Option {
	return func(p *Publisher) {
		if sla != "" {
			p.slaSubject = sla
		}
		if pcAgg != "" {
			p.pcSubject = pcAgg
		}
	}
}

// NewPublisher builds a Publisher bounded to maxPerSecond publishes overall
// via a token bucket (capacity maxPerSecond, refilled at maxPerSecond/s).
func NewPublisher(nc *nats.Conn, maxPerSecond int64, meter metric.Meter, opts ...Option) *Publisher {
	p := &Publisher{
		nc:         nc,
		slaSubject: SubjectSLABreach,
		pcSubject:  SubjectPCAggregate,
		limiter:    resilience.NewRateLimiter(maxPerSecond, float64(maxPerSecond), time.Second, maxPerSecond*2),
		tracer:     otel.Tracer("wfengine-notify"),
	}
	if meter != nil {
		p.dropped, _ = meter.Int64Counter("wfengine_notify_dropped_total")
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type slaBreachMessage struct {
	Class   oec.ClassID `json:"class"`
	Count   int         `json:"count"`
	AtEpoch int64       `json:"at_epoch"`
}

// PublishSLABreaches emits one message per breached class produced by an
// OEC sweep. The publisher-wide rate limit may silently drop entries under
// sustained overload; dropped count is recorded via the notify_dropped
// counter, never by blocking the sweep.
func (p *Publisher) PublishSLABreaches(ctx context.Context, breaches map[oec.ClassID]int, atEpoch int64) {
	for class, count := range breaches {
		msg := slaBreachMessage{Class: class, Count: count, AtEpoch: atEpoch}
		p.publish(ctx, p.slaSubject, msg)
	}
}

// PCListener adapts Publisher to pc.ListenerQueue, publishing every tick's
// aggregate and, on subscribe, the history backlog as a single message.
type PCListener struct {
	pub *Publisher
}

// NewPCListener wraps pub as a pc.ListenerQueue.
func (p *Publisher) NewPCListener() *PCListener {
	return &PCListener{pub: p}
}

// Publish implements pc.ListenerQueue.
func (l *PCListener) Publish(agg pc.Aggregate) {
	l.pub.publish(context.Background(), l.pub.pcSubject, agg)
}

// PublishSnapshot implements pc.ListenerQueue.
func (l *PCListener) PublishSnapshot(history []pc.HistoryPoint) {
	l.pub.publish(context.Background(), l.pub.pcSubject+".snapshot", history)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	if !p.limiter.Allow() {
		if p.dropped != nil {
			p.dropped.Add(ctx, 1)
		}
		return
	}

	ctx, span := p.tracer.Start(ctx, "notify.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	_ = p.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting trace context from each message
// and starting a consumer-kind child span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	tracer := otel.Tracer("wfengine-notify")
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := tracer.Start(ctx, "notify.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
