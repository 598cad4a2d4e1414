package runner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jtoivan/relay/pkg/api"
)

// HandlerRegistry maps step types to their handlers. The set of types is
// closed at registration time: dispatching an unregistered type is a
// configuration error that fails the workflow, never a retryable failure.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]api.StepHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]api.StepHandler)}
}

// Register binds a step type to a handler. Duplicate registrations are
// rejected so two components cannot silently fight over a type.
func (r *HandlerRegistry) Register(stepType string, h api.StepHandler) error {
	if stepType == "" {
		return fmt.Errorf("step type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for step type %q must not be nil", stepType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[stepType]; exists {
		return fmt.Errorf("handler already registered for step type %q", stepType)
	}
	r.handlers[stepType] = h
	return nil
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (r *HandlerRegistry) MustRegister(stepType string, h api.StepHandler) {
	if err := r.Register(stepType, h); err != nil {
		panic(err)
	}
}

// Get returns the handler for stepType.
func (r *HandlerRegistry) Get(stepType string) (api.StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}

// Types returns the registered step types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
