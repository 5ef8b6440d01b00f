package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Billing holds the counters of the billing core. A nil *Billing is valid
// and records nothing, so tests and tools can skip metrics.
type Billing struct {
	Registry *prometheus.Registry

	commands          *prometheus.CounterVec
	webhookRejections *prometheus.CounterVec
	sideEffects       *prometheus.CounterVec
	jobs              *prometheus.CounterVec
}

// New registers the billing collectors plus the Go and process collectors on
// a fresh registry.
func New() *Billing {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Billing{
		Registry: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberhub",
			Subsystem: "billing",
			Name:      "commands_total",
			Help:      "Membership commands applied, by source, command and outcome",
		}, []string{"source", "command", "outcome"}),
		webhookRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberhub",
			Subsystem: "billing",
			Name:      "webhook_rejections_total",
			Help:      "Webhook deliveries rejected at the ingestor boundary",
		}, []string{"processor", "reason"}),
		sideEffects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberhub",
			Subsystem: "billing",
			Name:      "side_effects_total",
			Help:      "Best-effort side effects, by kind and result",
		}, []string{"kind", "result"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memberhub",
			Subsystem: "jobqueue",
			Name:      "jobs_total",
			Help:      "Background jobs finished, by type and status",
		}, []string{"type", "status"}),
	}
}

func (b *Billing) CommandApplied(source, command, outcome string) {
	if b == nil {
		return
	}
	b.commands.WithLabelValues(source, command, outcome).Inc()
}

func (b *Billing) WebhookRejected(processor, reason string) {
	if b == nil {
		return
	}
	b.webhookRejections.WithLabelValues(processor, reason).Inc()
}

func (b *Billing) SideEffect(kind string, err error) {
	if b == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	b.sideEffects.WithLabelValues(kind, result).Inc()
}

func (b *Billing) JobFinished(jobType, status string) {
	if b == nil {
		return
	}
	b.jobs.WithLabelValues(jobType, status).Inc()
}
