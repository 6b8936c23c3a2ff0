package report

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/urbanflux-io/urbanflux/internal/config"
)

// Config selects the report sinks. Every sink is optional; the summary is
// always logged.
type Config struct {
	RunsDir        string
	PushgatewayURL string
	MetricsJob     string
	KafkaBrokers   []string
	KafkaTopic     string
}

// LoadConfig reads sink settings from the environment.
func LoadConfig() *Config {
	return &Config{
		RunsDir:        config.GetEnvStr("ETL_RUNS_DIR", ""),
		PushgatewayURL: config.GetEnvStr("ETL_PUSHGATEWAY_URL", ""),
		MetricsJob:     config.GetEnvStr("ETL_METRICS_JOB", defaultMetricsJob),
		KafkaBrokers:   config.ParseCommaSeparatedList(config.GetEnvStr("ETL_KAFKA_BROKERS", "")),
		KafkaTopic:     config.GetEnvStr("ETL_KAFKA_TOPIC", "urbanflux.runs"),
	}
}

// Sinks builds the configured sinks. The returned closer releases any
// connections they hold and is safe to call when no sink was built.
func (c *Config) Sinks(logger *slog.Logger) ([]Sink, io.Closer, error) {
	var (
		sinks   []Sink
		closers multiCloser
	)

	if c.RunsDir != "" {
		s, err := NewFileSink(c.RunsDir)
		if err != nil {
			return nil, closers, err
		}

		sinks = append(sinks, s)
	}

	if c.PushgatewayURL != "" {
		s, err := NewPushgatewaySink(c.PushgatewayURL, c.MetricsJob)
		if err != nil {
			return nil, closers, err
		}

		sinks = append(sinks, s)
	}

	if len(c.KafkaBrokers) > 0 {
		s, err := NewKafkaSink(c.KafkaBrokers, c.KafkaTopic)
		if err != nil {
			return nil, closers, fmt.Errorf("kafka sink: %w", err)
		}

		sinks = append(sinks, s)
		closers = append(closers, s)
	}

	for _, s := range sinks {
		logger.Debug("Run report sink enabled", slog.String("sink", s.Name()))
	}

	return sinks, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	errs := make([]error, 0, len(m))
	for _, c := range m {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}
