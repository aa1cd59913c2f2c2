// Package monitor sweeps recently ingested messages for canonical-folder
// drift and optionally heals it.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/alert"
	"github.com/mailforge/syncd/internal/classify"
	"github.com/mailforge/syncd/internal/model"
)

// Store is the slice of persistence the monitor needs.
type Store interface {
	RecentMessages(ctx context.Context, window time.Duration, limit int) ([]*model.Message, error)
	UpdateMessageFolder(ctx context.Context, accountID, providerMessageID, folder string) (bool, error)
}

// Options tunes the monitor. Zero values take defaults.
type Options struct {
	// Window bounds how far back a sweep looks.
	Window time.Duration
	// MaxRows caps how many rows one sweep examines.
	MaxRows int
	// AutoHeal rewrites drifted folders in place. Off, the monitor only
	// reports.
	AutoHeal bool
	// MaxHeals caps writes per sweep so a classification bug cannot
	// rewrite the whole table in one pass.
	MaxHeals int
	// AlertThreshold raises a warning when one sweep finds at least this
	// many mismatches. 0 disables the alert.
	AlertThreshold int
	// Interval separates continuous sweeps.
	Interval time.Duration
	// Backoff delays the next sweep after a failed one.
	Backoff time.Duration
}

// DefaultOptions matches a sensible production posture: observe a day of
// traffic, report loudly, heal only when asked.
func DefaultOptions() Options {
	return Options{
		Window:         24 * time.Hour,
		MaxRows:        10000,
		MaxHeals:       500,
		AlertThreshold: 10,
		Interval:       5 * time.Minute,
		Backoff:        time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.MaxRows <= 0 {
		o.MaxRows = d.MaxRows
	}
	if o.MaxHeals <= 0 {
		o.MaxHeals = d.MaxHeals
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	return o
}

// SweepStats summarizes one sweep (or, merged, a run of sweeps).
type SweepStats struct {
	Checked    int            `json:"checked"`
	Mismatched int            `json:"mismatched"`
	Healed     int            `json:"healed"`
	Errors     int            `json:"errors"`
	ByAccount  map[string]int `json:"by_account,omitempty"`
	ByFolder   map[string]int `json:"by_folder,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Merge folds o into s.
func (s *SweepStats) Merge(o SweepStats) {
	s.Checked += o.Checked
	s.Mismatched += o.Mismatched
	s.Healed += o.Healed
	s.Errors += o.Errors
	for k, v := range o.ByAccount {
		if s.ByAccount == nil {
			s.ByAccount = make(map[string]int)
		}
		s.ByAccount[k] += v
	}
	for k, v := range o.ByFolder {
		if s.ByFolder == nil {
			s.ByFolder = make(map[string]int)
		}
		s.ByFolder[k] += v
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = o.StartedAt
	}
	s.FinishedAt = o.FinishedAt
}

func (s SweepStats) counters() map[string]int {
	return map[string]int{
		"checked":    s.Checked,
		"mismatched": s.Mismatched,
		"healed":     s.Healed,
		"errors":     s.Errors,
	}
}

// Monitor detects and optionally repairs folder drift.
type Monitor struct {
	store  Store
	alerts alert.Notifier
	opts   Options
	logger *logrus.Logger
}

// New creates a monitor. alerts and logger may be nil.
func New(store Store, alerts alert.Notifier, opts Options, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if alerts == nil {
		alerts = &alert.LogNotifier{Logger: logger}
	}
	return &Monitor{store: store, alerts: alerts, opts: opts.withDefaults(), logger: logger}
}

// Sweep examines recent messages once. A message drifts when its stored
// folder is not the classification of its stored labels; trashed rows
// keep their folder and are never counted.
func (m *Monitor) Sweep(ctx context.Context) (SweepStats, error) {
	stats := SweepStats{
		StartedAt: time.Now().UTC(),
		ByAccount: make(map[string]int),
		ByFolder:  make(map[string]int),
	}

	msgs, err := m.store.RecentMessages(ctx, m.opts.Window, m.opts.MaxRows)
	if err != nil {
		stats.FinishedAt = time.Now().UTC()
		return stats, eris.Wrap(err, "failed to load recent messages")
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			stats.FinishedAt = time.Now().UTC()
			return stats, ctx.Err()
		}
		stats.Checked++
		if msg.IsTrashed {
			continue
		}

		want := classify.Classify(msg.Labels)
		if want == msg.Folder {
			continue
		}
		stats.Mismatched++
		stats.ByAccount[msg.AccountID]++
		stats.ByFolder[want]++

		entry := m.logger.WithFields(logrus.Fields{
			"account_id":          msg.AccountID,
			"provider_message_id": msg.ProviderMessageID,
			"folder":              msg.Folder,
			"expected":            want,
		})
		if !m.opts.AutoHeal {
			entry.Warn("Folder drift detected")
			continue
		}
		if m.opts.MaxHeals > 0 && stats.Healed >= m.opts.MaxHeals {
			entry.Warn("Folder drift detected, heal cap reached")
			continue
		}
		if _, err := m.store.UpdateMessageFolder(ctx, msg.AccountID, msg.ProviderMessageID, want); err != nil {
			stats.Errors++
			entry.WithError(err).Error("Failed to heal folder drift")
			continue
		}
		stats.Healed++
		entry.Info("Healed folder drift")
	}

	stats.FinishedAt = time.Now().UTC()

	if m.opts.AlertThreshold > 0 && stats.Mismatched >= m.opts.AlertThreshold {
		m.notify(ctx, model.Alert{
			Source:   "monitor",
			Severity: model.SeverityWarning,
			Message: fmt.Sprintf("folder drift above threshold: %d of %d recent messages mismatched",
				stats.Mismatched, stats.Checked),
			Counters:  stats.counters(),
			Timestamp: stats.FinishedAt,
		})
	}
	return stats, nil
}

// Run sweeps continuously until ctx is cancelled, returning the merged
// stats of all completed sweeps. Cancellation is honored between
// sweeps only: an in-flight sweep always runs to completion so a
// shutdown signal cannot leave detected drift half-healed. A failed
// sweep raises an error alert and backs off before the next attempt.
func (m *Monitor) Run(ctx context.Context) SweepStats {
	sweepCtx := context.WithoutCancel(ctx)
	var total SweepStats
	for {
		stats, err := m.Sweep(sweepCtx)
		total.Merge(stats)

		delay := m.opts.Interval
		if err != nil && !eris.Is(err, context.Canceled) {
			m.logger.WithError(err).Error("Reconciliation sweep failed")
			m.notify(sweepCtx, model.Alert{
				Source:    "monitor",
				Severity:  model.SeverityError,
				Message:   "reconciliation sweep failed: " + err.Error(),
				Counters:  stats.counters(),
				Timestamp: time.Now().UTC(),
			})
			delay = m.opts.Backoff
		}

		select {
		case <-ctx.Done():
			return total
		case <-time.After(delay):
		}
	}
}

func (m *Monitor) notify(ctx context.Context, a model.Alert) {
	// Alert delivery is best effort; a down alert endpoint must not stop
	// the sweep loop.
	if err := m.alerts.Notify(ctx, a); err != nil {
		m.logger.WithError(err).Warn("Failed to deliver alert")
	}
}
