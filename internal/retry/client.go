// Package retry runs fallible operations with capped, jittered backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls attempts and pacing.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used for any unset or invalid field.
var DefaultConfig = Config{
	MaxRetries:     2,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Transient is implemented by errors that know whether a retry can help.
type Transient interface {
	Transient() bool
}

// Client retries operations according to its Config.
type Client struct {
	logger logrus.FieldLogger
	config Config
}

// NewClient creates a retry client. Invalid config values fall back to DefaultConfig.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		logger: logger,
		config: cfg,
	}
}

// Config returns the sanitized configuration in use.
func (c *Client) Config() Config {
	return c.config
}

// Do runs op until it succeeds, fails permanently, or attempts are exhausted.
// The whole sequence, backoff included, is bounded by Config.Timeout.
func (c *Client) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("%s timed out after %v: %w", name, c.config.Timeout, lastErrOr(lastErr, opCtx.Err()))
		}

		attempts++
		log := c.logger.WithFields(logrus.Fields{"op": name, "attempt": attempt + 1, "max_attempts": c.config.MaxRetries + 1})
		err := op(opCtx)
		if err == nil {
			if attempt > 0 {
				log.Info("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err
		log.WithError(err).Warn("Attempt failed")

		if !IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}

		log.Debugf("Transient error detected, retrying in %v", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during backoff: %w", name, ctx.Err())
		case <-opCtx.Done():
			timer.Stop()
			return fmt.Errorf("%s timed out during backoff: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s failed after %d attempt(s): %w", name, attempts, lastErr)
}

func lastErrOr(lastErr, fallback error) error {
	if lastErr != nil {
		return lastErr
	}
	return fallback
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient reports whether err is worth retrying. Errors implementing
// Transient decide for themselves; anything else is matched against
// common network failure text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
