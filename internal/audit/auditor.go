// Package audit periodically compares every event's reserved count with its
// active reservation records and reports drift. It never repairs state.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
)

type Ledger interface {
	ListResources(ctx context.Context) ([]capacity.Availability, error)
	Reconcile(ctx context.Context, resourceID string) (reservation.Drift, error)
}

// Reporter receives the outcome of each sweep.
type Reporter interface {
	SweepCompleted(checked, drifted int, took time.Duration)
}

type Config struct {
	Interval time.Duration
	// Enabled false turns Run into a no-op.
	Enabled bool
}

type Auditor struct {
	ledger   Ledger
	reporter Reporter
	cfg      Config
	logger   logrus.FieldLogger

	mu      sync.Mutex
	drifted map[string]reservation.Drift
}

func NewAuditor(ledger Ledger, reporter Reporter, cfg Config, logger logrus.FieldLogger) *Auditor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Auditor{
		ledger:   ledger,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.WithField("component", "audit"),
		drifted:  make(map[string]reservation.Drift),
	}
}

func (a *Auditor) Run(ctx context.Context) {
	if !a.cfg.Enabled {
		a.logger.Info("drift audit disabled")
		return
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	a.logger.WithField("interval", a.cfg.Interval.String()).Info("drift audit started")

	a.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepAndLog(ctx)
		}
	}
}

// Sweep checks every registered event once. Busy events are skipped and
// picked up by the next sweep.
func (a *Auditor) Sweep(ctx context.Context) ([]reservation.Drift, error) {
	started := time.Now()
	events, err := a.ledger.ListResources(ctx)
	if err != nil {
		return nil, err
	}

	drifted := make([]reservation.Drift, 0)
	current := make(map[string]reservation.Drift)
	checked := 0
	var sweepErr error
	for _, event := range events {
		if ctx.Err() != nil {
			return drifted, ctx.Err()
		}
		drift, err := a.ledger.Reconcile(ctx, event.ResourceID)
		if err != nil {
			if errors.Is(err, reservation.ErrBusy) {
				continue
			}
			if sweepErr == nil {
				sweepErr = err
			}
			a.logger.WithField("resource_id", event.ResourceID).WithError(err).Warn("reconcile event")
			continue
		}
		checked++
		if !drift.Consistent {
			drifted = append(drifted, drift)
			current[drift.ResourceID] = drift
		}
	}

	a.mu.Lock()
	a.drifted = current
	a.mu.Unlock()
	if a.reporter != nil {
		a.reporter.SweepCompleted(checked, len(drifted), time.Since(started))
	}
	return drifted, sweepErr
}

// Drifted returns the events found inconsistent by the last sweep.
func (a *Auditor) Drifted() []reservation.Drift {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]reservation.Drift, 0, len(a.drifted))
	for _, drift := range a.drifted {
		out = append(out, drift)
	}
	return out
}

func (a *Auditor) sweepAndLog(ctx context.Context) {
	drifted, err := a.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WithError(err).Warn("drift sweep incomplete")
	}
	if len(drifted) > 0 {
		a.logger.WithField("drifted_events", len(drifted)).Error("drift detected")
	}
}
