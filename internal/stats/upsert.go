// Package stats tracks idempotent upsert outcomes.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricUpsertsTotal is exported by Collectors, labelled by entity and outcome.
const MetricUpsertsTotal = "upserts_total"

// UpsertStats counts how many idempotent upserts created a row and how many
// hit an existing row. Safe for concurrent use.
type UpsertStats struct {
	inserted   atomic.Int64
	duplicates atomic.Int64
	failures   atomic.Int64
}

// NewUpsertStats creates a new UpsertStats instance.
func NewUpsertStats() *UpsertStats {
	return &UpsertStats{}
}

// RecordInsert increments the inserted counter.
func (s *UpsertStats) RecordInsert() {
	s.inserted.Add(1)
}

// RecordDuplicate increments the duplicate counter.
func (s *UpsertStats) RecordDuplicate() {
	s.duplicates.Add(1)
}

// RecordFailure increments the failure counter.
func (s *UpsertStats) RecordFailure() {
	s.failures.Add(1)
}

// Inserted returns the number of upserts that created a row.
func (s *UpsertStats) Inserted() int64 {
	return s.inserted.Load()
}

// Duplicates returns the number of upserts that found an existing row.
func (s *UpsertStats) Duplicates() int64 {
	return s.duplicates.Load()
}

// Failures returns the number of upserts that failed.
func (s *UpsertStats) Failures() int64 {
	return s.failures.Load()
}

// Total returns inserts plus duplicates. Failures are excluded.
func (s *UpsertStats) Total() int64 {
	return s.Inserted() + s.Duplicates()
}

// Reset resets all counters to zero.
func (s *UpsertStats) Reset() {
	s.inserted.Store(0)
	s.duplicates.Store(0)
	s.failures.Store(0)
}

func (s *UpsertStats) String() string {
	return fmt.Sprintf("inserted=%d duplicates=%d failures=%d", s.Inserted(), s.Duplicates(), s.Failures())
}

// LogSummary logs the counters at INFO level.
func (s *UpsertStats) LogSummary(ctx context.Context, logger *slog.Logger, entity string) {
	logger.InfoContext(ctx, "upsert statistics",
		"entity", entity,
		"inserted", s.Inserted(),
		"duplicates", s.Duplicates(),
		"failures", s.Failures(),
		"total", s.Total(),
	)
}

// Collectors exposes the counters as upserts_total{entity, outcome} with
// outcome one of inserted, duplicate or failed. The values are read at
// scrape time.
func (s *UpsertStats) Collectors(entity string) []prometheus.Collector {
	counter := func(outcome string, read func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        MetricUpsertsTotal,
			Help:        "Idempotent upserts by entity and outcome",
			ConstLabels: prometheus.Labels{"entity": entity, "outcome": outcome},
		}, func() float64 { return float64(read()) })
	}
	return []prometheus.Collector{
		counter("inserted", s.Inserted),
		counter("duplicate", s.Duplicates),
		counter("failed", s.Failures),
	}
}

// Register registers Collectors(entity) with reg.
func (s *UpsertStats) Register(reg prometheus.Registerer, entity string) error {
	for _, c := range s.Collectors(entity) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
