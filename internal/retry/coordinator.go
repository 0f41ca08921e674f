package retry

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/internal/state"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[retry] "+format, args...)
	}
}

// Coordinator re-runs a failing step with backoff, persisting each
// attempt so a restarted orchestrator can see the history.
type Coordinator struct {
	cfg config.RetryConfig
	db  *state.DB

	mu  sync.Mutex
	rng *rand.Rand
	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a Coordinator. db may be nil for callers that
// only want classification and backoff math.
func NewCoordinator(cfg config.RetryConfig, db *state.DB) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		db:    db,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay computes the backoff for an attempt (1-based):
// min(base * factor^attempt, max), then full jitter in [0.5, 1.5).
func (c *Coordinator) Delay(attempt int) time.Duration {
	base := float64(c.cfg.BaseDelay)
	raw := base * math.Pow(c.cfg.BackoffFactor, float64(attempt))
	if capped := float64(c.cfg.MaxDelay); raw > capped {
		raw = capped
	}
	if c.cfg.Jitter {
		c.mu.Lock()
		raw *= 0.5 + c.rng.Float64()
		c.mu.Unlock()
	}
	return time.Duration(raw)
}

// Do runs fn, retrying on retryable failures up to max_retries. Each
// attempt is recorded against the task. On success the attempt history
// is cleared. The returned error is the terminal failure, annotated
// with its class.
func (c *Coordinator) Do(ctx context.Context, taskID string, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			if c.db != nil && attempt > 0 {
				if cerr := c.db.ClearRetryAttempts(taskID); cerr != nil {
					log.Printf("[retry] clear attempts for %s: %v", taskID, cerr)
				}
			}
			return nil
		}

		class, retryable := Classify(err)
		if retryable && !c.allowed(class) {
			debugLog("task %s class %s excluded by retry.retryable_errors", taskID, class)
			retryable = false
		}
		if !retryable {
			c.record(taskID, attempt+1, class, nil)
			return fmt.Errorf("terminal %s error on task %s: %w", class, taskID, err)
		}
		if attempt >= c.cfg.MaxRetries {
			c.record(taskID, attempt+1, class, nil)
			return fmt.Errorf("task %s exhausted %d retries (%s): %w",
				taskID, c.cfg.MaxRetries, class, err)
		}

		delay := c.Delay(attempt)
		next := time.Now().Add(delay)
		c.record(taskID, attempt+1, class, &next)
		debugLog("task %s attempt %d failed (%s), retrying in %s", taskID, attempt+1, class, delay)

		if serr := c.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry wait for task %s: %w", taskID, serr)
		}
	}
}

// allowed applies the retry.retryable_errors allow-list. An empty
// list permits every retryable class.
func (c *Coordinator) allowed(class string) bool {
	if len(c.cfg.RetryableErrors) == 0 {
		return true
	}
	for _, want := range c.cfg.RetryableErrors {
		if want == class {
			return true
		}
	}
	return false
}

// record persists one attempt; best effort, failures are logged only.
func (c *Coordinator) record(taskID string, attempt int, class string, nextRetryAt *time.Time) {
	if c.db == nil {
		return
	}
	err := c.db.RecordRetryAttempt(&state.RetryAttempt{
		TaskID:      taskID,
		Attempt:     attempt,
		ErrorClass:  class,
		OccurredAt:  time.Now(),
		NextRetryAt: nextRetryAt,
	})
	if err != nil {
		log.Printf("[retry] record attempt %d for %s: %v", attempt, taskID, err)
	}
}
