package jobqueue

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector exports queue depth and the finished job counters kept in redis.
// It reads redis on every scrape.
type Collector struct {
	q       *Queue
	depth   *prometheus.Desc
	settled *prometheus.Desc
}

func NewCollector(q *Queue) *Collector {
	return &Collector{
		q: q,
		depth: prometheus.NewDesc("memberhub_jobqueue_jobs",
			"Jobs currently waiting, running or parked for a retry.", []string{"state"}, nil),
		settled: prometheus.NewDesc("memberhub_jobqueue_jobs_settled_total",
			"Jobs by final status since the queue was created.", []string{"status"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.settled
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sizes := []struct {
		state string
		get   func(context.Context) (int64, error)
	}{
		{string(JobStatusPending), c.q.GetQueueSize},
		{string(JobStatusProcessing), c.q.GetProcessingSize},
		{string(JobStatusRetrying), c.q.GetRetryingSize},
	}
	for _, s := range sizes {
		n, err := s.get(ctx)
		if err != nil {
			c.q.log.Warn("queue depth unavailable", zap.String("state", s.state), zap.Error(err))
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(n), s.state)
	}

	stats, err := c.q.GetJobStats(ctx)
	if err != nil {
		c.q.log.Warn("job stats unavailable", zap.Error(err))
		return
	}
	for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed} {
		ch <- prometheus.MustNewConstMetric(c.settled, prometheus.CounterValue, float64(stats[status]), string(status))
	}
}
