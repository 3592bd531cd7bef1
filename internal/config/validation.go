package config

import (
	"fmt"
	"time"
)

// Validation bounds. Values outside these ranges are almost certainly
// configuration mistakes rather than deliberate tuning.
const (
	minVectorDimension = 8
	maxVectorDimension = 8192

	minQuotaPeriod = time.Minute

	maxRetries = 10

	minAuditBuffer = 1
	maxAuditBuffer = 1 << 20
)

// Validate checks the configuration for invalid values.
// It returns the first error found, wrapped around a sentinel so callers
// can use errors.Is.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidModelVersion)
	}
	if c.VectorDimension < minVectorDimension || c.VectorDimension > maxVectorDimension {
		return fmt.Errorf("%w: %d (must be %d-%d)",
			ErrInvalidDimension, c.VectorDimension, minVectorDimension, maxVectorDimension)
	}
	if c.Metric != MetricCosine && c.Metric != MetricDot {
		return fmt.Errorf("%w: %q (must be %q or %q)",
			ErrInvalidMetric, c.Metric, MetricCosine, MetricDot)
	}

	if c.DefaultTopK < 1 || c.DefaultTopK > MaxTopK {
		return fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidTopK, c.DefaultTopK, MaxTopK)
	}
	if c.OverfetchFactor < 2 || c.OverfetchFactor > 16 {
		return fmt.Errorf("%w: %d (must be 2-16)", ErrInvalidOverfetch, c.OverfetchFactor)
	}
	if c.RecallFloor <= 0 || c.RecallFloor > 1 {
		return fmt.Errorf("%w: %g (must be in (0, 1])", ErrInvalidRecallFloor, c.RecallFloor)
	}

	if c.ContextBudget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidContextBudget, c.ContextBudget)
	}

	if c.QuotaLimitTokens <= 0 {
		return fmt.Errorf("%w: quota_limit_tokens %d", ErrInvalidQuotaLimit, c.QuotaLimitTokens)
	}
	if c.QuotaLimitRequests <= 0 {
		return fmt.Errorf("%w: quota_limit_requests %d", ErrInvalidQuotaLimit, c.QuotaLimitRequests)
	}
	if c.QuotaPeriod < minQuotaPeriod {
		return fmt.Errorf("%w: %s (minimum %s)", ErrInvalidQuotaPeriod, c.QuotaPeriod, minQuotaPeriod)
	}

	if c.QueryTimeout <= 0 {
		return fmt.Errorf("%w: query_timeout %s", ErrInvalidTimeout, c.QueryTimeout)
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout > c.QueryTimeout {
		return fmt.Errorf("%w: attempt_timeout %s (must be positive and <= query_timeout %s)",
			ErrInvalidTimeout, c.AttemptTimeout, c.QueryTimeout)
	}
	if c.MaxRetries < 0 || c.MaxRetries > maxRetries {
		return fmt.Errorf("%w: %d (must be 0-%d)", ErrInvalidRetries, c.MaxRetries, maxRetries)
	}
	if c.RetryInitialBackoff <= 0 || c.RetryMaxBackoff < c.RetryInitialBackoff {
		return fmt.Errorf("%w: retry backoff %s/%s", ErrInvalidTimeout,
			c.RetryInitialBackoff, c.RetryMaxBackoff)
	}

	if c.AuditBufferCapacity < minAuditBuffer || c.AuditBufferCapacity > maxAuditBuffer {
		return fmt.Errorf("%w: %d (must be %d-%d)",
			ErrInvalidAuditBuffer, c.AuditBufferCapacity, minAuditBuffer, maxAuditBuffer)
	}

	return c.validateStorage()
}

// validSSLModes are the libpq-compatible sslmode values pgx accepts.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

func (c *Config) validateStorage() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	return nil
}
