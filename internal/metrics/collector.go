package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
)

// EventCollector reports capacity and reserved count for every registered
// event at scrape time.
type EventCollector struct {
	store   capacity.Store
	logger  logrus.FieldLogger
	timeout time.Duration

	capacityDesc *prometheus.Desc
	reservedDesc *prometheus.Desc
	upDesc       *prometheus.Desc
}

func NewEventCollector(store capacity.Store, logger logrus.FieldLogger) *EventCollector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventCollector{
		store:   store,
		logger:  logger,
		timeout: 3 * time.Second,
		capacityDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "event", "capacity"),
			"Configured capacity per event.",
			[]string{"event_id"}, nil,
		),
		reservedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "event", "reserved"),
			"Reserved slots per event.",
			[]string{"event_id"}, nil,
		),
		upDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capacity_store", "up"),
			"1 when the last scrape could list events.",
			nil, nil,
		),
	}
}

func (c *EventCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacityDesc
	ch <- c.reservedDesc
	ch <- c.upDesc
}

func (c *EventCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	items, err := c.store.List(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("list events for metrics")
		ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 1)
	for _, item := range items {
		ch <- prometheus.MustNewConstMetric(c.capacityDesc, prometheus.GaugeValue, float64(item.Capacity), item.ID)
		ch <- prometheus.MustNewConstMetric(c.reservedDesc, prometheus.GaugeValue, float64(item.ReservedCount), item.ID)
	}
}
