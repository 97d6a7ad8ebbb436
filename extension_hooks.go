package ingress

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ingress/inbound"
	"github.com/goliatone/go-ingress/outbound"
)

// ProcessorPack groups inbound processors shipped together, keyed by source
// type.
type ProcessorPack struct {
	Name       string
	Processors map[string]inbound.Processor
}

// ProviderPack groups outbound providers shipped together, keyed by job type.
type ProviderPack struct {
	Name      string
	Providers map[string]outbound.Provider
}

type HandlerBundleFactory func(runtime *Runtime) (any, error)

// ExtensionHooks lets downstream modules contribute processors, providers
// and extra handler bundles before the runtime is built.
type ExtensionHooks struct {
	mu sync.RWMutex

	processorPacks map[string]ProcessorPack
	providerPacks  map[string]ProviderPack
	bundles        map[string]HandlerBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		processorPacks: map[string]ProcessorPack{},
		providerPacks:  map[string]ProviderPack{},
		bundles:        map[string]HandlerBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterProcessorPack(pack ProcessorPack) error {
	if h == nil {
		return fmt.Errorf("ingress: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("ingress: processor pack name is required")
	}
	if len(pack.Processors) == 0 {
		return fmt.Errorf("ingress: processor pack %q has no processors", name)
	}
	processors := make(map[string]inbound.Processor, len(pack.Processors))
	for sourceType, processor := range pack.Processors {
		if processor == nil {
			return fmt.Errorf("ingress: processor pack %q has nil processor for %q", name, sourceType)
		}
		processors[sourceType] = processor
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.processorPacks[name]; exists {
		return fmt.Errorf("ingress: processor pack %q already registered", name)
	}
	h.processorPacks[name] = ProcessorPack{Name: name, Processors: processors}
	return nil
}

func (h *ExtensionHooks) RegisterProviderPack(pack ProviderPack) error {
	if h == nil {
		return fmt.Errorf("ingress: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("ingress: provider pack name is required")
	}
	if len(pack.Providers) == 0 {
		return fmt.Errorf("ingress: provider pack %q has no providers", name)
	}
	providers := make(map[string]outbound.Provider, len(pack.Providers))
	for jobType, provider := range pack.Providers {
		if provider == nil {
			return fmt.Errorf("ingress: provider pack %q has nil provider for %q", name, jobType)
		}
		providers[jobType] = provider
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.providerPacks[name]; exists {
		return fmt.Errorf("ingress: provider pack %q already registered", name)
	}
	h.providerPacks[name] = ProviderPack{Name: name, Providers: providers}
	return nil
}

func (h *ExtensionHooks) RegisterHandlerBundle(name string, factory HandlerBundleFactory) error {
	if h == nil {
		return fmt.Errorf("ingress: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("ingress: handler bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("ingress: handler bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("ingress: handler bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyProcessorPacks registers every pack in name order. A source type
// claimed by two packs fails on the second.
func (h *ExtensionHooks) ApplyProcessorPacks(registry *inbound.ProcessorRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("ingress: processor registry is required")
	}
	h.mu.RLock()
	names := sortedKeys(h.processorPacks)
	packs := make([]ProcessorPack, 0, len(names))
	for _, name := range names {
		packs = append(packs, h.processorPacks[name])
	}
	h.mu.RUnlock()

	for _, pack := range packs {
		for _, sourceType := range sortedKeys(pack.Processors) {
			if err := registry.Register(sourceType, pack.Processors[sourceType]); err != nil {
				return fmt.Errorf("ingress: processor pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) ApplyProviderPacks(registry *outbound.ProviderRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("ingress: provider registry is required")
	}
	h.mu.RLock()
	names := sortedKeys(h.providerPacks)
	packs := make([]ProviderPack, 0, len(names))
	for _, name := range names {
		packs = append(packs, h.providerPacks[name])
	}
	h.mu.RUnlock()

	for _, pack := range packs {
		for _, jobType := range sortedKeys(pack.Providers) {
			if err := registry.Register(jobType, pack.Providers[jobType]); err != nil {
				return fmt.Errorf("ingress: provider pack %q: %w", pack.Name, err)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildHandlerBundles(runtime *Runtime) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if runtime == nil {
		return nil, fmt.Errorf("ingress: runtime is required")
	}

	h.mu.RLock()
	names := sortedKeys(h.bundles)
	factories := make(map[string]HandlerBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](runtime)
		if err != nil {
			return nil, fmt.Errorf("ingress: handler bundle %q: %w", name, err)
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.bundles)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
