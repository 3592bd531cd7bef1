package config

import (
	"errors"
	"testing"
	"time"
)

// validConfig returns a configuration that passes Validate; tests mutate
// one field at a time.
func validConfig() *Config {
	return &Config{
		EmbedderModel:       DefaultEmbedderModel,
		VectorDimension:     DefaultVectorDimension,
		Metric:              MetricCosine,
		DefaultTopK:         5,
		OverfetchFactor:     4,
		RecallFloor:         0.95,
		ContextBudget:       DefaultContextBudget,
		QuotaLimitTokens:    100_000,
		QuotaLimitRequests:  1_000,
		QuotaPeriod:         24 * time.Hour,
		QuotaRatePerSecond:  5,
		QuotaBurst:          10,
		GenerationModel:     "googleai/gemini-2.5-flash",
		QueryTimeout:        60 * time.Second,
		AttemptTimeout:      20 * time.Second,
		MaxRetries:          3,
		RetryInitialBackoff: 500 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		AuditBufferCapacity: 1024,
		PostgresHost:        "localhost",
		PostgresPort:        5432,
		PostgresUser:        "mnemos",
		PostgresPassword:    "secret",
		PostgresDBName:      "mnemos",
		PostgresSSLMode:     "disable",
	}
}

func TestValidateValid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidateNil(t *testing.T) {
	var c *Config
	if err := c.Validate(); !errors.Is(err, ErrConfigNil) {
		t.Errorf("Validate() error = %v, want ErrConfigNil", err)
	}
}

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"empty embedder model", func(c *Config) { c.EmbedderModel = "" }, ErrInvalidModelVersion},
		{"dimension too small", func(c *Config) { c.VectorDimension = 4 }, ErrInvalidDimension},
		{"dimension too large", func(c *Config) { c.VectorDimension = 10000 }, ErrInvalidDimension},
		{"unknown metric", func(c *Config) { c.Metric = "euclidean" }, ErrInvalidMetric},
		{"zero top-k", func(c *Config) { c.DefaultTopK = 0 }, ErrInvalidTopK},
		{"top-k over cap", func(c *Config) { c.DefaultTopK = MaxTopK + 1 }, ErrInvalidTopK},
		{"overfetch too small", func(c *Config) { c.OverfetchFactor = 1 }, ErrInvalidOverfetch},
		{"recall floor zero", func(c *Config) { c.RecallFloor = 0 }, ErrInvalidRecallFloor},
		{"recall floor over one", func(c *Config) { c.RecallFloor = 1.5 }, ErrInvalidRecallFloor},
		{"zero context budget", func(c *Config) { c.ContextBudget = 0 }, ErrInvalidContextBudget},
		{"zero token limit", func(c *Config) { c.QuotaLimitTokens = 0 }, ErrInvalidQuotaLimit},
		{"negative request limit", func(c *Config) { c.QuotaLimitRequests = -1 }, ErrInvalidQuotaLimit},
		{"period too short", func(c *Config) { c.QuotaPeriod = 30 * time.Second }, ErrInvalidQuotaPeriod},
		{"zero query timeout", func(c *Config) { c.QueryTimeout = 0 }, ErrInvalidTimeout},
		{"attempt exceeds query timeout", func(c *Config) { c.AttemptTimeout = 2 * time.Minute }, ErrInvalidTimeout},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, ErrInvalidRetries},
		{"retries over cap", func(c *Config) { c.MaxRetries = 11 }, ErrInvalidRetries},
		{"max backoff under initial", func(c *Config) { c.RetryMaxBackoff = time.Millisecond }, ErrInvalidTimeout},
		{"zero audit buffer", func(c *Config) { c.AuditBufferCapacity = 0 }, ErrInvalidAuditBuffer},
		{"empty postgres host", func(c *Config) { c.PostgresHost = "" }, ErrInvalidPostgresHost},
		{"port out of range", func(c *Config) { c.PostgresPort = 70000 }, ErrInvalidPostgresPort},
		{"empty db name", func(c *Config) { c.PostgresDBName = "" }, ErrInvalidPostgresDBName},
		{"bad ssl mode", func(c *Config) { c.PostgresSSLMode = "yes" }, ErrInvalidPostgresSSLMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
