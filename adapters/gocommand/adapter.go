package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract enforces Type() plus the optional Validate().
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors every registered command into a go-job queue
// registry so operator commands can also run from the queue.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// Subscriptions collects dispatcher subscriptions so a runtime can drop all
// of its handlers on Close.
type Subscriptions struct {
	items []commanddispatcher.Subscription
}

func (s *Subscriptions) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

func (s *Subscriptions) Close() {
	if s == nil {
		return
	}
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i] != nil {
			s.items[i].Unsubscribe()
		}
	}
	s.items = nil
}

func (s *Subscriptions) add(sub commanddispatcher.Subscription) {
	s.items = append(s.items, sub)
}

// RegisterCommand subscribes cmd on the dispatcher and registers it, undoing
// the subscription if registration fails.
func RegisterCommand[T any](
	adapter *RegistryAdapter,
	subs *Subscriptions,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) error {
	if adapter == nil || adapter.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	sub := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return err
	}
	if subs != nil {
		subs.add(sub)
	}
	return nil
}

func RegisterQuery[T any, R any](
	adapter *RegistryAdapter,
	subs *Subscriptions,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) error {
	if adapter == nil || adapter.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	sub := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return err
	}
	if subs != nil {
		subs.add(sub)
	}
	return nil
}
