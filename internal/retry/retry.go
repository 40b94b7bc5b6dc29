// Package retry provides bounded retries with jittered backoff for broker
// calls that fail transiently.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ashwinkm/trendflip/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Timeout:        1 * time.Minute,
}

// Runner retries an operation while it keeps failing with a
// broker.TransientError. Permanent errors abort immediately.
type Runner struct {
	logger *log.Logger
	config Config
}

func NewRunner(logger *log.Logger, config ...Config) *Runner {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Runner{logger: logger, config: cfg}
}

// Do runs op until it succeeds, fails permanently, exhausts retries, or the
// context ends. label is used only in logs.
func (r *Runner) Do(ctx context.Context, label string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s timed out after %v: %w", label, r.config.Timeout, err)
		}

		err := op(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Printf("%s attempt %d/%d failed: %v", label, attempt+1, r.config.MaxRetries+1, err)

		if !broker.IsTransient(err) || attempt == r.config.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = r.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", label, opCtx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", label, r.config.MaxRetries+1, lastErr)
}

func (r *Runner) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > r.config.MaxBackoff {
		backoff = r.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			r.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}
