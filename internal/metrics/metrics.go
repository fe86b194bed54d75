// Package metrics exposes worker and queue counters in Prometheus format.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SirClappington/replyq/internal/breaker"
	"github.com/SirClappington/replyq/internal/domain"
	"github.com/SirClappington/replyq/internal/queue"
)

const namespace = "replyq"

type Metrics struct {
	jobs     *prometheus.CounterVec
	duration prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Dequeued jobs by final outcome of the attempt.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from dequeue to outcome.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	reg.MustRegister(m.jobs, m.duration)
	return m
}

// JobDone records one processed job.
func (m *Metrics) JobDone(outcome domain.Outcome, elapsed time.Duration) {
	m.jobs.WithLabelValues(string(outcome)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

var breakerStates = []breaker.State{breaker.Closed, breaker.Open, breaker.HalfOpen}

// WatchBreaker publishes the breaker state as a one-hot gauge.
func WatchBreaker(reg prometheus.Registerer, b *breaker.Breaker) {
	for _, s := range breakerStates {
		s := s
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "breaker_state",
			Help:        "1 for the breaker's current state.",
			ConstLabels: prometheus.Labels{"state": string(s)},
		}, func() float64 {
			if b.State() == s {
				return 1
			}
			return 0
		}))
	}
}

type statser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type queueCollector struct {
	q    statser
	name string
	desc *prometheus.Desc
}

// WatchQueue reads the queue lengths from Redis on every scrape.
func WatchQueue(reg prometheus.Registerer, name string, q statser) {
	reg.MustRegister(&queueCollector{
		q:    q,
		name: name,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "length"),
			"Items per queue list.",
			[]string{"queue", "list"}, nil,
		),
	})
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.q.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(st.Pending), c.name, "pending")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(st.Delayed), c.name, "delayed")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(st.DeadLetters), c.name, "dead_letters")
}
