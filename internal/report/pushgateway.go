package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const defaultMetricsJob = "urbanflux"

// ErrGatewayURLEmpty is returned when a Pushgateway sink is built without a URL.
var ErrGatewayURLEmpty = errors.New("pushgateway URL is required")

// PushgatewaySink pushes each report as gauges to a Prometheus Pushgateway.
// Batch jobs have no scrape endpoint, so the last run's values are held by the gateway.
type PushgatewaySink struct {
	gatewayURL string
	job        string

	reg          *prometheus.Registry
	rows         *prometheus.GaugeVec
	rejected     *prometheus.GaugeVec
	stageSeconds *prometheus.GaugeVec
	lastRun      *prometheus.GaugeVec
	finishedAt   prometheus.Gauge
}

// NewPushgatewaySink registers the run metrics on a private registry.
func NewPushgatewaySink(gatewayURL, job string) (*PushgatewaySink, error) {
	if gatewayURL == "" {
		return nil, ErrGatewayURLEmpty
	}

	if job == "" {
		job = defaultMetricsJob
	}

	s := &PushgatewaySink{
		gatewayURL: gatewayURL,
		job:        job,
		reg:        prometheus.NewRegistry(),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urbanflux_run_rows",
			Help: "Rows handled by the last run, by kind (extracted, accepted, rejected, duplicated, inserted, ...).",
		}, []string{"kind"}),
		rejected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urbanflux_run_rejected_rows",
			Help: "Rows rejected by the last run, by reason code.",
		}, []string{"reason"}),
		stageSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urbanflux_run_stage_seconds",
			Help: "Wall time spent in each stage of the last run.",
		}, []string{"stage"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urbanflux_run_status",
			Help: "1 for the status of the last run, 0 for the others.",
		}, []string{"status"}),
		finishedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urbanflux_run_finished_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}

	for _, c := range []prometheus.Collector{s.rows, s.rejected, s.stageSeconds, s.lastRun, s.finishedAt} {
		if err := s.reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register run metric: %w", err)
		}
	}

	return s, nil
}

// Name implements Sink.
func (s *PushgatewaySink) Name() string {
	return "pushgateway"
}

// Publish implements Sink.
func (s *PushgatewaySink) Publish(ctx context.Context, r RunReport) error {
	s.observe(r)

	err := push.New(s.gatewayURL, s.job).
		Gatherer(s.reg).
		Grouping("mode", r.Mode).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push run metrics: %w", err)
	}

	return nil
}

func (s *PushgatewaySink) observe(r RunReport) {
	c := r.Counts

	for kind, v := range map[string]int64{
		"read":                 c.Read,
		"skipped_by_watermark": c.SkippedByWatermark,
		"extracted":            c.Extracted,
		"accepted":             c.Accepted,
		"rejected":             c.Rejected,
		"duplicated":           c.Duplicated,
		"inserted":             c.Inserted,
		"skipped_existing":     c.SkippedExisting,
		"chunks":               c.Chunks,
	} {
		s.rows.WithLabelValues(kind).Set(float64(v))
	}

	s.rejected.Reset()

	for reason, v := range c.RejectedByReason {
		s.rejected.WithLabelValues(reason).Set(float64(v))
	}

	for _, st := range r.Stages {
		s.stageSeconds.WithLabelValues(string(st.Stage)).Set(st.Seconds)
	}

	for _, status := range []Status{StatusSucceeded, StatusPartial, StatusFailed, StatusInterrupted} {
		v := 0.0
		if status == r.Status {
			v = 1
		}

		s.lastRun.WithLabelValues(string(status)).Set(v)
	}

	s.finishedAt.Set(float64(r.FinishedAt.Unix()))
}
