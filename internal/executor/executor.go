// Package executor places plan orders on an exchange with bounded retries.
package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
)

// Policy bounds the retry behaviour of the executor.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when the caller passes a zero policy.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// ErrorKind classifies a failed placement.
type ErrorKind string

const (
	// Rejected means the exchange refused the order; retrying cannot help.
	Rejected ErrorKind = "rejected"
	// Exhausted means transient failures persisted through every attempt.
	Exhausted ErrorKind = "exhausted"
)

// ExecutionError reports a placement that did not result in a live order.
type ExecutionError struct {
	Kind     ErrorKind
	Role     plan.Role
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executor: %s order %s after %d attempt(s): %v", e.Kind, e.Role, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Executor submits plan orders through an exchange. Placement is idempotent
// per (trade, role): a second call for the same pair returns the order from
// the first call instead of submitting again.
type Executor struct {
	ex     exchange.Exchange
	policy Policy
	log    *logrus.Entry

	mu     sync.Mutex
	placed map[string]exchange.Order
}

// New returns an executor over the given exchange.
func New(ex exchange.Exchange, policy Policy, log *logrus.Entry) *Executor {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy
	}
	return &Executor{
		ex:     ex,
		policy: policy,
		log:    log,
		placed: make(map[string]exchange.Order),
	}
}

// Place submits one order of a trade plan. The returned order is live on the
// exchange (or already filled). A *ExecutionError is returned when the order
// was rejected or every attempt failed transiently.
func (e *Executor) Place(ctx context.Context, tradeID string, symbol string, spec plan.OrderSpec) (exchange.Order, error) {
	key := tradeID + "/" + string(spec.Role)

	e.mu.Lock()
	if order, ok := e.placed[key]; ok {
		e.mu.Unlock()
		return order, nil
	}
	e.mu.Unlock()

	req := exchange.OrderRequest{
		Symbol:    symbol,
		Side:      spec.Side,
		Type:      spec.Type,
		Price:     spec.Price,
		StopPrice: spec.StopPrice,
		Quantity:  spec.Quantity,
	}

	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		order, err := e.ex.SubmitOrder(ctx, req)
		if err == nil {
			e.log.WithFields(logrus.Fields{
				"trade_id": tradeID,
				"role":     spec.Role,
				"order_id": order.OrderID,
				"price":    spec.Price.String(),
				"quantity": spec.Quantity.String(),
			}).Info("order placed")

			e.mu.Lock()
			e.placed[key] = order
			e.mu.Unlock()
			return order, nil
		}

		if exchange.IsRejection(err) {
			return exchange.Order{}, &ExecutionError{
				Kind:     Rejected,
				Role:     spec.Role,
				Attempts: attempt + 1,
				Err:      err,
			}
		}

		lastErr = err
		if attempt < e.policy.MaxAttempts-1 {
			delay := retryDelay(attempt, e.policy.BaseDelay, e.policy.MaxDelay)
			e.log.WithFields(logrus.Fields{
				"trade_id": tradeID,
				"role":     spec.Role,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
			}).WithError(err).Warn("placement failed, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return exchange.Order{}, ctx.Err()
			}
		}
	}

	return exchange.Order{}, &ExecutionError{
		Kind:     Exhausted,
		Role:     spec.Role,
		Attempts: e.policy.MaxAttempts,
		Err:      lastErr,
	}
}

// Cancel revokes a resting order. Cancellation of an order that already
// reached a terminal state is not an error.
func (e *Executor) Cancel(ctx context.Context, symbol, orderID string) error {
	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		err := e.ex.CancelOrder(ctx, symbol, orderID)
		if err == nil {
			return nil
		}
		if exchange.IsRejection(err) {
			// Already filled or already gone.
			return nil
		}
		lastErr = err
		if attempt < e.policy.MaxAttempts-1 {
			select {
			case <-time.After(retryDelay(attempt, e.policy.BaseDelay, e.policy.MaxDelay)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("executor: cancel order %s: %w", orderID, lastErr)
}

// Forget drops the idempotency records of a finished trade.
func (e *Executor) Forget(tradeID string) {
	prefix := tradeID + "/"
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.placed {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.placed, key)
		}
	}
}

// retryDelay is exponential backoff with a little jitter, capped at maxDelay.
func retryDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := float64(baseDelay) * math.Pow(2.0, float64(attempt))
	jitter := delay * 0.1 * (rand.Float64()*2 - 1)
	delay += jitter
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}
