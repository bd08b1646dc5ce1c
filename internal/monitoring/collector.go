package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
)

// maxScan bounds how many runs and review events one collection reads.
const maxScan = 10000

// MetricsSnapshot holds a point-in-time view of ingest health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal   int     `json:"runs_total"`
	RunsSuccess int     `json:"runs_success"`
	RunsPartial int     `json:"runs_partial"`
	RunsFailed  int     `json:"runs_failed"`
	RunsRunning int     `json:"runs_running"`
	FailRate    float64 `json:"fail_rate"`

	// Document counters summed over those runs.
	DocumentsSeen int64   `json:"documents_seen"`
	Errors        int64   `json:"errors"`
	ErrorRate     float64 `json:"error_rate"`

	// Events waiting for a reviewer, regardless of age.
	ReviewBacklog int `json:"review_backlog"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of runs.Coordinator the collector reads.
type RunLister interface {
	List(ctx context.Context, limit int) ([]model.Run, error)
}

// EventLister is the slice of reconcile.Service the collector reads.
type EventLister interface {
	Events(ctx context.Context, f reconcile.EventFilter) ([]model.Event, error)
}

// Collector gathers metrics from the run and reconciliation ledgers.
type Collector struct {
	runs   RunLister
	events EventLister
	now    func() time.Time
}

// NewCollector creates a new metrics collector. events may be nil.
func NewCollector(runs RunLister, events EventLister) *Collector {
	return &Collector{runs: runs, events: events, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	list, err := c.runs.List(ctx, maxScan)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range list {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusSuccess:
			snap.RunsSuccess++
		case model.RunStatusPartial:
			snap.RunsPartial++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		snap.DocumentsSeen += r.Counters.Seen
		snap.Errors += r.Counters.Errors
	}

	if finished := snap.RunsTotal - snap.RunsRunning; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.DocumentsSeen > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(snap.DocumentsSeen)
	}

	if c.events != nil {
		backlog, err := c.events.Events(ctx, reconcile.EventFilter{Status: model.MatchNeedsReview, Limit: maxScan})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list review backlog")
		}
		snap.ReviewBacklog = len(backlog)
	}

	return snap, nil
}
