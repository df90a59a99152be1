package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-flow/contracts"
)

// Reference is a placeholder for a channel known only by name. It resolves to
// the registered channel on first use and forwards sends to it. The container
// creates a direct or fixed-subscriber channel for references whose name is
// not registered when it starts.
type Reference struct {
	name            string
	fixedSubscriber bool

	mu       sync.RWMutex
	resolver Resolver
	target   MessageChannel
}

// NewReference creates a reference to the named channel
func NewReference(name string) *Reference {
	return &Reference{name: name}
}

// NewFixedSubscriberReference creates a reference whose channel is created as
// a fixed-subscriber channel when missing
func NewFixedSubscriberReference(name string) *Reference {
	return &Reference{name: name, fixedSubscriber: true}
}

// Name implements MessageChannel
func (r *Reference) Name() string {
	return r.name
}

// FixedSubscriber reports whether a missing channel is created as fixed-subscriber
func (r *Reference) FixedSubscriber() bool {
	return r.fixedSubscriber
}

// SetChannelResolver sets the resolver used to find the target
func (r *Reference) SetChannelResolver(resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = resolver
}

// Resolve returns the referenced channel
func (r *Reference) Resolve() (MessageChannel, error) {
	return r.resolve(nil)
}

// resolve uses fallback when no resolver was set on the reference
func (r *Reference) resolve(fallback Resolver) (MessageChannel, error) {
	r.mu.RLock()
	target, resolver := r.target, r.resolver
	r.mu.RUnlock()
	if target != nil {
		return target, nil
	}

	if resolver == nil {
		resolver = fallback
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: reference '%s' is not bound", contracts.ErrChannelResolution, r.name)
	}
	target, err := resolver.ResolveChannel(r.name)
	if err != nil {
		return nil, err
	}
	if ref, ok := target.(*Reference); ok && ref == r {
		return nil, fmt.Errorf("%w: reference '%s' resolves to itself", contracts.ErrChannelResolution, r.name)
	}

	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
	return target, nil
}

// Send implements MessageChannel
func (r *Reference) Send(ctx context.Context, msg contracts.Message) (bool, error) {
	target, err := r.Resolve()
	if err != nil {
		return false, err
	}
	return target.Send(ctx, msg)
}

func (r *Reference) String() string {
	return fmt.Sprintf("Reference{name=%s}", r.name)
}
