package gojob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-ingress/core"
)

const (
	defaultIdleDelay  = time.Second
	defaultErrorDelay = 5 * time.Second
)

// Consumer drains a queue into a message handler, normally the ledger. A
// finished outcome is acked. An outcome carrying RetryAt is nacked with the
// delay that lands redelivery on RetryAt.
type Consumer struct {
	dequeuer   core.JobDequeuer
	handler    core.JobMessageHandler
	hook       core.JobWorkerHook
	observer   *core.Observer
	idleDelay  time.Duration
	errorDelay time.Duration
	Now        func() time.Time
}

type ConsumerOption func(*Consumer)

func WithHook(hook core.JobWorkerHook) ConsumerOption {
	return func(c *Consumer) {
		c.hook = hook
	}
}

func WithObserver(observer *core.Observer) ConsumerOption {
	return func(c *Consumer) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithIdleDelay sets how long Run waits after an empty dequeue.
func WithIdleDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay > 0 {
			c.idleDelay = delay
		}
	}
}

// WithErrorDelay sets the redelivery delay used when the handler fails
// before recording an outcome.
func WithErrorDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay > 0 {
			c.errorDelay = delay
		}
	}
}

func NewConsumer(dequeuer core.JobDequeuer, handler core.JobMessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("gojob: message handler is required")
	}
	c := &Consumer{
		dequeuer:   dequeuer,
		handler:    handler,
		observer:   core.NewObserver(nil, nil),
		idleDelay:  defaultIdleDelay,
		errorDelay: defaultErrorDelay,
		Now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ConsumeOne handles a single delivery. It reports false when the queue had
// nothing to deliver.
func (c *Consumer) ConsumeOne(ctx context.Context) (bool, error) {
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("gojob: dequeue: %w", err)
	}
	if delivery == nil {
		return false, nil
	}

	startedAt := c.Now()
	event := core.JobWorkerEvent{Message: delivery.Message(), StartedAt: startedAt}
	c.onStart(ctx, event)

	outcome, err := c.handler.HandleMessage(ctx, event.Message)
	event.Duration = c.Now().Sub(startedAt)
	if err != nil {
		event.Err = err
		event.Delay = c.errorDelay
		c.onFailure(ctx, event)
		nackErr := delivery.Nack(ctx, core.JobNackOptions{
			Delay:   c.errorDelay,
			Requeue: true,
			Reason:  err.Error(),
		})
		return true, errors.Join(err, nackErr)
	}

	if !outcome.RetryAt.IsZero() {
		delay := max(outcome.RetryAt.Sub(c.Now()), 0)
		event.Delay = delay
		c.onRetry(ctx, event)
		if err := delivery.Nack(ctx, core.JobNackOptions{
			Delay:   delay,
			Requeue: true,
			Reason:  "retry scheduled for run " + outcome.RunID,
		}); err != nil {
			return true, fmt.Errorf("gojob: nack run %q: %w", outcome.RunID, err)
		}
		return true, nil
	}

	if err := delivery.Ack(ctx); err != nil {
		return true, fmt.Errorf("gojob: ack run %q: %w", outcome.RunID, err)
	}
	c.onSuccess(ctx, event)
	return true, nil
}

// Run consumes until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		handled, err := c.ConsumeOne(ctx)
		if err != nil {
			c.observer.Error(ctx, "gojob: consume failed", map[string]any{"error": err.Error()})
		}
		if handled && err == nil {
			continue
		}
		timer := time.NewTimer(c.idleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Consumer) onStart(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnStart(ctx, event)
	}
}

func (c *Consumer) onSuccess(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnSuccess(ctx, event)
	}
}

func (c *Consumer) onFailure(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnFailure(ctx, event)
	}
}

func (c *Consumer) onRetry(ctx context.Context, event core.JobWorkerEvent) {
	if c.hook != nil {
		c.hook.OnRetry(ctx, event)
	}
}
