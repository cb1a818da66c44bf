package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry holds the protocols available for execution, keyed by name.
// Protocols are registered at startup; the scheduler resolves submissions
// against the registry and rejects unknown names before persisting a run.
//
// All public methods are thread-safe.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]*Protocol
	logger    Logger
}

// NewRegistry creates an empty protocol registry.
func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[string]*Protocol),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger != nil {
		r.logger = logger
	}
}

// Register validates and adds a protocol. Registering a name twice fails
// with ErrProtocolExists.
func (r *Registry) Register(p *Protocol) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.protocols[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrProtocolExists, p.Name)
	}
	r.protocols[p.Name] = p.clone()

	r.logger.Info("protocol registered",
		"protocol", p.Name,
		"steps", len(p.Steps),
		"requirements", len(p.Requirements))
	return nil
}

// Get returns the protocol registered under name. The returned protocol has
// its own requirement and step slices; callers can hold it across the whole
// run without further locking.
func (r *Registry) Get(name string) (*Protocol, error) {
	r.mu.RLock()
	p, ok := r.protocols[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProtocolNotFound, name)
	}
	return p.clone(), nil
}

// List returns all registered protocols sorted by name.
func (r *Registry) List() []*Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Protocol, 0, len(r.protocols))
	for _, p := range r.protocols {
		list = append(list, p.clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Names returns the registered protocol names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.protocols))
	for name := range r.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
