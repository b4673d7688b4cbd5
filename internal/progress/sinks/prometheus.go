package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitequest/sitequest/internal/progress"
)

// PrometheusSink exports job progress metrics. It owns all collectors for
// jobs started/completed/running and page/decision counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	pagesScraped  *prometheus.CounterVec
	decisionsMade *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_jobs_completed_total",
			Help: "Total jobs that reached a terminal state, partitioned by status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_jobs_running",
			Help: "Current number of running jobs.",
		}),
		pagesScraped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_pages_scraped_total",
			Help: "Pages scraped partitioned by success.",
		}, []string{"success"}),
		decisionsMade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_decisions_total",
			Help: "Decision-engine verdicts partitioned by action.",
		}, []string{"action"}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.pagesScraped,
		s.decisionsMade,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type {
	case progress.EventJobStarted:
		s.jobsStarted.Inc()
		s.jobsRunning.Inc()
	case progress.EventJobCompleted:
		status := stringField(evt.Data, "status")
		if status == "" {
			status = "done"
		}
		s.jobsCompleted.WithLabelValues(status).Inc()
		s.jobsRunning.Dec()
	case progress.EventJobError:
		s.jobsCompleted.WithLabelValues("error").Inc()
		s.jobsRunning.Dec()
	case progress.EventPageScraped:
		success := "true"
		if ok, found := evt.Data["success"].(bool); found && !ok {
			success = "false"
		}
		s.pagesScraped.WithLabelValues(success).Inc()
	case progress.EventDecisionMade:
		action := stringField(evt.Data, "action")
		if action == "" {
			action = "unknown"
		}
		s.decisionsMade.WithLabelValues(action).Inc()
	}
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, _ := data[key].(string)
	return v
}
