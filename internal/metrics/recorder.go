// Package metrics exposes ledger outcomes and per-event occupancy to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/VenkatGGG/reservation-engine/internal/reservation"
)

const namespace = "reservation"

// Recorder implements reservation.Observer on top of Prometheus collectors.
type Recorder struct {
	created   *prometheus.CounterVec
	cancelled *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	leaseWait *prometheus.HistogramVec
	drifted   prometheus.Gauge
	sweepTook prometheus.Gauge
}

var _ reservation.Observer = (*Recorder)(nil)

func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "created_total",
			Help:      "Reservations admitted, by event.",
		}, []string{"event_id"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_total",
			Help:      "Reservations cancelled, by event.",
		}, []string{"event_id"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Ledger operations that returned an error, by operation and error kind.",
		}, []string{"op", "kind"}),
		leaseWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for a per-event lease, by operation.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		drifted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "drifted_events",
			Help:      "Events whose reserved count disagreed with active records in the last sweep.",
		}),
		sweepTook: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "last_sweep_seconds",
			Help:      "Duration of the last drift sweep.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{r.created, r.cancelled, r.rejected, r.leaseWait, r.drifted, r.sweepTook} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Recorder) ReservationCreated(resourceID string) {
	r.created.WithLabelValues(resourceID).Inc()
}

func (r *Recorder) ReservationCancelled(resourceID string) {
	r.cancelled.WithLabelValues(resourceID).Inc()
}

func (r *Recorder) ReservationRejected(op string, kind reservation.Kind) {
	r.rejected.WithLabelValues(op, string(kind)).Inc()
}

func (r *Recorder) LeaseWaited(op string, wait time.Duration) {
	r.leaseWait.WithLabelValues(op).Observe(wait.Seconds())
}

func (r *Recorder) SweepCompleted(_, drifted int, took time.Duration) {
	r.drifted.Set(float64(drifted))
	r.sweepTook.Set(took.Seconds())
}
