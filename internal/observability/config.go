package observability

// Config represents the complete observability configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string       `yaml:"level"`  // debug, info, warn, error
	Format string       `yaml:"format"` // json, text
	Rotate RotateConfig `yaml:"rotate"`
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Rotate: DefaultRotateConfig(),
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			PrometheusPort: 0, // scraped through the status UI unless set
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "agent-runner",
			ServiceVersion: "1.0.0",
		},
	}
}
