package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type okMessage struct{}

func (okMessage) Type() string { return "ingress.command.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "ingress.command.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type retryMessage struct {
	EventID string
}

func (retryMessage) Type() string { return "ingress.command.test.retry" }

type lookupMessage struct {
	EventID string
}

func (lookupMessage) Type() string { return "ingress.query.test.lookup" }

type queueMessage struct{}

func (queueMessage) Type() string { return "ingress.command.test.queue" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegisterCommandAndQueryDispatch(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	subs := &Subscriptions{}
	defer subs.Close()

	retried := ""
	cmd := command.CommandFunc[retryMessage](func(_ context.Context, msg retryMessage) error {
		retried = msg.EventID
		return nil
	})
	if err := RegisterCommand(adapter, subs, cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	qry := command.QueryFunc[lookupMessage, string](func(_ context.Context, msg lookupMessage) (string, error) {
		return "status:" + msg.EventID, nil
	})
	if err := RegisterQuery(adapter, subs, qry); err != nil {
		t.Fatalf("register query: %v", err)
	}
	if subs.Len() != 2 {
		t.Fatalf("expected two subscriptions, got %d", subs.Len())
	}

	resolverCalls := 0
	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		resolverCalls++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("custom") {
		t.Fatalf("expected custom resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if resolverCalls == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), retryMessage{EventID: "evt_1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if retried != "evt_1" {
		t.Fatalf("expected command to receive evt_1, got %q", retried)
	}
	got, err := Query[lookupMessage, string](context.Background(), lookupMessage{EventID: "evt_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "status:evt_1" {
		t.Fatalf("unexpected query result %q", got)
	}
}

func TestRegisterCommandRequiresRegistry(t *testing.T) {
	cmd := command.CommandFunc[retryMessage](func(context.Context, retryMessage) error { return nil })
	if err := RegisterCommand[retryMessage](nil, nil, cmd); err == nil {
		t.Fatalf("expected missing registry error")
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()
	subs := &Subscriptions{}
	defer subs.Close()

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })
	if err := RegisterCommand(adapter, subs, cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if _, ok := queueRegistry.Get("ingress.command.test.queue"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}
