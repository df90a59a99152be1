package event

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
)

// HeaderEventType carries the Go type name of a bridged event
const HeaderEventType = "eventType"

const defaultReleaseTimeout = 5 * time.Second

// TypeOf returns the reflect.Type of T for event type filters. An interface
// type matches every event implementing it.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// ApplicationEventSource forwards events published on a Bus as messages to its
// output channel. Delivery is best effort: failed sends are logged and dropped.
type ApplicationEventSource struct {
	endpoint.ProducerSupport

	bus *Bus

	mu          sync.RWMutex
	eventTypes  []reflect.Type
	unsubscribe func()
}

// SourceOption configures an ApplicationEventSource
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	bus    *Bus
	logger *slog.Logger
}

// WithBus sets the bus the source listens on while running
func WithBus(bus *Bus) SourceOption {
	return func(c *sourceConfig) {
		c.bus = bus
	}
}

// WithSourceLogger sets the logger
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(c *sourceConfig) {
		c.logger = logger
	}
}

// NewApplicationEventSource creates an event source sending to output
func NewApplicationEventSource(output channel.MessageChannel, options ...SourceOption) (*ApplicationEventSource, error) {
	if output == nil {
		return nil, contracts.NewCompositionError("application event source", "channel", contracts.ErrNilArgument)
	}

	cfg := &sourceConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	s := &ApplicationEventSource{bus: cfg.bus}
	s.InitProducerSupport(cfg.logger)
	s.SetOutputChannel(output)
	s.SetLifecycleHooks(s.subscribe, s.unsubscribeBus)
	return s, nil
}

// SetEventTypes restricts the forwarded events to the given types. At least
// one type is required; without a call every event is forwarded.
func (s *ApplicationEventSource) SetEventTypes(types ...reflect.Type) error {
	if len(types) == 0 {
		return contracts.NewCompositionError("set event types", "eventTypes",
			fmt.Errorf("%w: at least one event type is required", contracts.ErrInvalidConfiguration))
	}
	for _, t := range types {
		if t == nil {
			return contracts.NewCompositionError("set event types", "eventTypes", contracts.ErrNilArgument)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventTypes = append([]reflect.Type(nil), types...)
	return nil
}

// EventTypes returns the configured filter types
func (s *ApplicationEventSource) EventTypes() []reflect.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]reflect.Type(nil), s.eventTypes...)
}

// OnEvent implements Listener. It never returns an error.
func (s *ApplicationEventSource) OnEvent(ctx context.Context, event interface{}) error {
	if event == nil {
		return nil
	}

	if matched, ok := s.match(reflect.TypeOf(event)); ok {
		s.forward(ctx, event, matched)
	}
	return nil
}

// match returns the first filter type event satisfies
func (s *ApplicationEventSource) match(eventType reflect.Type) (reflect.Type, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.eventTypes) == 0 {
		return eventType, true
	}
	for _, t := range s.eventTypes {
		if assignable(eventType, t) {
			return t, true
		}
	}
	return nil, false
}

func assignable(eventType, filter reflect.Type) bool {
	if filter.Kind() == reflect.Interface {
		return eventType.Implements(filter)
	}
	return eventType.AssignableTo(filter)
}

func (s *ApplicationEventSource) forward(ctx context.Context, event interface{}, matched reflect.Type) {
	msg := contracts.NewMessage(event, contracts.WithHeader(HeaderEventType, reflect.TypeOf(event).String()))
	if err := s.SendMessage(ctx, msg); err != nil {
		s.Logger().Debug("event dropped",
			"eventType", reflect.TypeOf(event).String(),
			"filter", matched.String(),
			"error", err,
		)
	}
}

func (s *ApplicationEventSource) subscribe(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	s.mu.Lock()
	s.unsubscribe = s.bus.Subscribe(s)
	s.mu.Unlock()
	return nil
}

func (s *ApplicationEventSource) unsubscribeBus(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	return nil
}
