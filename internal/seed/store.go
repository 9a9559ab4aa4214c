// Package seed is the durable collaborator the core's own design places out
// of scope: a bbolt-backed snapshot store that persists the seed records
// the SEQ and OEC are replayed from at startup, plus a cron-driven sweep
// scheduler that periodically drains SLA breaches and snapshots cache
// stats. Nothing in internal/seq, internal/tdc, internal/oec or internal/pc
// imports this package.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/workflow-engine/internal/oec"
	"github.com/swarmguard/workflow-engine/internal/seq"
	"github.com/swarmguard/workflow-engine/resilience"
)

var (
	bucketPrimary   = []byte("seq_primary")
	bucketRetry     = []byte("seq_retry")
	bucketAsyncRetry = []byte("seq_async_retry")
	bucketBackend   = []byte("seq_backend") // key: "<segid>" -> []SeedBackendRecord
	bucketOEC       = []byte("oec_orders")  // key: "<class>" -> []oecRecord
)

// Store persists seed snapshots for the SEQ and OEC, the "SQL layer" the
// component design calls an external collaborator. It is itself the
// durable state this repository owns; the in-memory core remains
// persistence-free.
type Store struct {
	db *bbolt.DB

	writeLatency metric.Float64Histogram
	breaker      *resilience.CircuitBreaker
}

// Open opens (creating if absent) a bbolt database at path and ensures the
// seed buckets exist.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open seed store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPrimary, bucketRetry, bucketAsyncRetry, bucketBackend, bucketOEC} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create seed buckets: %w", err)
	}

	var writeLatency metric.Float64Histogram
	if meter != nil {
		writeLatency, _ = meter.Float64Histogram("wfengine_seed_write_ms")
	}

	return &Store{
		db:           db,
		writeLatency: writeLatency,
		breaker:      resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) timed(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	defer func() {
		if s.writeLatency != nil {
			s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("operation", op)))
		}
	}()
	if !s.breaker.Allow() {
		return fmt.Errorf("seed store: circuit open for %s", op)
	}
	err := fn()
	s.breaker.RecordResult(err == nil)
	return err
}

// SavePrimary persists the current primary-queue seed records, replacing
// any previously saved snapshot.
func (s *Store) SavePrimary(ctx context.Context, records []seq.SeedPrimaryRecord) error {
	return s.timed(ctx, "save_primary", func() error {
		return s.putJSON(bucketPrimary, []byte("snapshot"), records)
	})
}

// LoadPrimary returns the last saved primary-queue seed, or nil if none.
func (s *Store) LoadPrimary() ([]seq.SeedPrimaryRecord, error) {
	var out []seq.SeedPrimaryRecord
	err := s.getJSON(bucketPrimary, []byte("snapshot"), &out)
	return out, err
}

// SaveRetry persists the dynamic/fixed retry seed records.
func (s *Store) SaveRetry(ctx context.Context, records []seq.SeedRetryRecord) error {
	return s.timed(ctx, "save_retry", func() error {
		return s.putJSON(bucketRetry, []byte("snapshot"), records)
	})
}

// LoadRetry returns the last saved dynamic/fixed retry seed.
func (s *Store) LoadRetry() ([]seq.SeedRetryRecord, error) {
	var out []seq.SeedRetryRecord
	err := s.getJSON(bucketRetry, []byte("snapshot"), &out)
	return out, err
}

// SaveAsyncRetry persists the async retry seed records.
func (s *Store) SaveAsyncRetry(ctx context.Context, records []seq.SeedRetryRecord) error {
	return s.timed(ctx, "save_async_retry", func() error {
		return s.putJSON(bucketAsyncRetry, []byte("snapshot"), records)
	})
}

// LoadAsyncRetry returns the last saved async retry seed.
func (s *Store) LoadAsyncRetry() ([]seq.SeedRetryRecord, error) {
	var out []seq.SeedRetryRecord
	err := s.getJSON(bucketAsyncRetry, []byte("snapshot"), &out)
	return out, err
}

// SaveBackend persists segid's backend queue seed records.
func (s *Store) SaveBackend(ctx context.Context, segid seq.SegmentID, records []seq.SeedBackendRecord) error {
	return s.timed(ctx, "save_backend", func() error {
		return s.putJSON(bucketBackend, segmentKey(segid), records)
	})
}

// LoadBackend returns segid's last saved backend queue seed.
func (s *Store) LoadBackend(segid seq.SegmentID) ([]seq.SeedBackendRecord, error) {
	var out []seq.SeedBackendRecord
	err := s.getJSON(bucketBackend, segmentKey(segid), &out)
	return out, err
}

type oecRecord struct {
	Order   oec.OrderID
	Created int64
}

// SaveOECClass persists class's resident order entries.
func (s *Store) SaveOECClass(ctx context.Context, class oec.ClassID, details []oec.Detail) error {
	records := make([]oecRecord, 0, len(details))
	for _, d := range details {
		if d.Class != class {
			continue
		}
		records = append(records, oecRecord{Order: d.Order, Created: d.Created})
	}
	return s.timed(ctx, "save_oec_class", func() error {
		return s.putJSON(bucketOEC, classKey(class), records)
	})
}

// SaveOECSnapshot persists every class's resident order entries as a single
// snapshot, grouped by class. Used by the periodic sweep, which has no
// single class in mind.
func (s *Store) SaveOECSnapshot(ctx context.Context, details []oec.Detail) error {
	byClass := make(map[oec.ClassID][]oecRecord)
	for _, d := range details {
		byClass[d.Class] = append(byClass[d.Class], oecRecord{Order: d.Order, Created: d.Created})
	}
	return s.timed(ctx, "save_oec_snapshot", func() error {
		for class, records := range byClass {
			if err := s.putJSON(bucketOEC, classKey(class), records); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) putJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *Store) getJSON(bucket, key []byte, out any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, out)
	})
}

func segmentKey(segid seq.SegmentID) []byte {
	return []byte(fmt.Sprintf("seg:%d", segid))
}

func classKey(class oec.ClassID) []byte {
	return []byte(fmt.Sprintf("class:%d", class))
}
