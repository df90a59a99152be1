package channel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-flow/contracts"
)

// Resolver resolves channel names to channels
type Resolver interface {
	ResolveChannel(name string) (MessageChannel, error)
}

// Registry is a thread-safe name to channel map
type Registry struct {
	mu       sync.RWMutex
	channels map[string]MessageChannel
}

// NewRegistry creates a new channel registry
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]MessageChannel),
	}
}

// Register adds a channel under name
func (r *Registry) Register(name string, ch MessageChannel) error {
	if name == "" {
		return contracts.NewCompositionError("register channel", "name", contracts.ErrBlankArgument)
	}
	if ch == nil {
		return contracts.NewCompositionError("register channel", name, contracts.ErrNilArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.channels[name]; exists {
		if existing == ch {
			return nil
		}
		return contracts.NewCompositionError("register channel", name, contracts.ErrDuplicateComponent)
	}
	r.channels[name] = ch
	return nil
}

// Lookup returns the channel registered under name
func (r *Registry) Lookup(name string) (MessageChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// ResolveChannel implements Resolver
func (r *Registry) ResolveChannel(name string) (MessageChannel, error) {
	if ch, ok := r.Lookup(name); ok {
		return ch, nil
	}
	return nil, fmt.Errorf("%w: no channel named '%s'", contracts.ErrChannelResolution, name)
}

// GetOrCreate returns the channel registered under name, creating and
// registering it with factory when absent
func (r *Registry) GetOrCreate(name string, factory func(name string) MessageChannel) (MessageChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[name]; ok {
		return ch, false
	}
	ch := factory(name)
	r.channels[name] = ch
	return ch, true
}

// Remove deletes the channel registered under name
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return false
	}
	delete(r.channels, name)
	return true
}

// Names returns the registered channel names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveDestination turns a header value into a channel. The value may be a
// MessageChannel, a Reference or a channel name resolved through resolver.
func ResolveDestination(value interface{}, resolver Resolver) (MessageChannel, error) {
	switch dest := value.(type) {
	case nil:
		return nil, fmt.Errorf("%w: destination is not set", contracts.ErrChannelResolution)
	case *Reference:
		return dest.resolve(resolver)
	case MessageChannel:
		return dest, nil
	case string:
		if dest == "" {
			return nil, fmt.Errorf("%w: destination name is blank", contracts.ErrChannelResolution)
		}
		if resolver == nil {
			return nil, fmt.Errorf("%w: no resolver for channel name '%s'", contracts.ErrChannelResolution, dest)
		}
		return resolver.ResolveChannel(dest)
	default:
		return nil, fmt.Errorf("%w: unsupported destination type %T", contracts.ErrChannelResolution, value)
	}
}
