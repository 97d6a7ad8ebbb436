package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/inbound"
	"github.com/goliatone/go-ingress/outbound"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDInboundProcess = inbound.JobTypeProcess
	JobIDOutboundSend   = outbound.JobTypeSend
)

// RetryPolicy bounds queue-level redelivery. Step-level retries are decided
// by the ledger; this only caps what the broker is asked to do.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func (p RetryPolicy) NormalizeAttempt(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     core.CopyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     core.CopyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

func ToNackOptions(opts core.JobNackOptions) queue.NackOptions {
	return queue.NackOptions{
		Delay:      opts.Delay,
		Requeue:    opts.Requeue,
		DeadLetter: opts.DeadLetter,
		Reason:     opts.Reason,
	}
}

// EnqueuerAdapter lets the ledger submit runs to a go-job queue.
type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(msg))
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
	attempt  int
}

func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	if d == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.NackForAttempt(ctx, opts, d.attempt)
}

func (d *DeliveryAdapter) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Nack(ctx, ToNackOptions(d.policy.NormalizeAttempt(opts, attempt)))
}

type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, nil
	}
	return NewDeliveryAdapter(delivery, a.policy), nil
}

// WorkerHookAdapter forwards go-job worker events to a core hook.
type WorkerHookAdapter struct {
	hook core.JobWorkerHook
}

func NewWorkerHookAdapter(hook core.JobWorkerHook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnStart(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnSuccess(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnFailure(ctx, mapWorkerEvent(event))
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	if a == nil || a.hook == nil {
		return
	}
	a.hook.OnRetry(ctx, mapWorkerEvent(event))
}

func mapWorkerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   FromExecutionMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

// ObserverHook logs worker lifecycle events through the runtime observer.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Debug(ctx, "gojob: delivery started", workerFields(event))
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Count(ctx, "worker.delivery.success", map[string]string{"job_type": jobType(event)})
}

func (h *ObserverHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Error(ctx, "gojob: delivery failed", workerFields(event))
	h.observer.Count(ctx, "worker.delivery.failure", map[string]string{"job_type": jobType(event)})
}

func (h *ObserverHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	h.observer.Info(ctx, "gojob: delivery requeued", workerFields(event))
	h.observer.Count(ctx, "worker.delivery.retry", map[string]string{"job_type": jobType(event)})
}

func jobType(event core.JobWorkerEvent) string {
	if event.Message == nil {
		return ""
	}
	return event.Message.JobID
}

func workerFields(event core.JobWorkerEvent) map[string]any {
	fields := map[string]any{
		"job_type": jobType(event),
		"attempt":  event.Attempt,
	}
	if event.Delay > 0 {
		fields["delay_ms"] = event.Delay.Milliseconds()
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

var (
	_ core.JobEnqueuer   = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery   = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer   = (*DequeuerAdapter)(nil)
	_ worker.Hook        = (*WorkerHookAdapter)(nil)
	_ core.JobWorkerHook = (*ObserverHook)(nil)
)
