package inbound

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
)

// ProcessContext is everything a processor learns about where an event
// belongs.
type ProcessContext struct {
	TenantID      string
	IntegrationID string
}

type ProcessResult struct {
	Success      bool
	ResultMeta   map[string]any
	ErrorCode    string
	ErrorMessage string
	Retriable    bool
}

func Succeeded(meta map[string]any) ProcessResult {
	return ProcessResult{Success: true, ResultMeta: meta}
}

func RetriableFailure(code string, message string) ProcessResult {
	return ProcessResult{ErrorCode: code, ErrorMessage: message, Retriable: true}
}

func TerminalFailure(code string, message string) ProcessResult {
	return ProcessResult{ErrorCode: code, ErrorMessage: message}
}

type Processor interface {
	Process(ctx context.Context, pctx ProcessContext, event core.InboundEvent) ProcessResult
}

type ProcessorFunc func(ctx context.Context, pctx ProcessContext, event core.InboundEvent) ProcessResult

func (f ProcessorFunc) Process(ctx context.Context, pctx ProcessContext, event core.InboundEvent) ProcessResult {
	return f(ctx, pctx, event)
}

// ProcessorRegistry maps source types to processors. Instances are built at
// startup and handed to the service; there is no package level registry.
type ProcessorRegistry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{processors: map[string]Processor{}}
}

func (r *ProcessorRegistry) Register(sourceType string, processor Processor) error {
	sourceType = strings.TrimSpace(sourceType)
	if sourceType == "" {
		return invalidRegistration("inbound: source type is required", sourceType)
	}
	if processor == nil {
		return invalidRegistration("inbound: processor is nil", sourceType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[sourceType]; exists {
		return goerrors.New(
			fmt.Sprintf("inbound: processor already registered for source type %q", sourceType),
			goerrors.CategoryConflict,
		).
			WithCode(http.StatusConflict).
			WithTextCode(core.ServiceErrorConflict).
			WithMetadata(map[string]any{"source_type": sourceType})
	}
	r.processors[sourceType] = processor
	return nil
}

func invalidRegistration(message string, sourceType string) error {
	err := goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ServiceErrorBadInput)
	if sourceType != "" {
		err = err.WithMetadata(map[string]any{"source_type": sourceType})
	}
	return err
}

func (r *ProcessorRegistry) Get(sourceType string) (Processor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	processor, ok := r.processors[strings.TrimSpace(sourceType)]
	return processor, ok
}

func (r *ProcessorRegistry) SourceTypes() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for sourceType := range r.processors {
		out = append(out, sourceType)
	}
	sort.Strings(out)
	return out
}
