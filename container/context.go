package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/dsl"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/gateway"
)

// Context holds registered components and flows. It binds channel
// references, names anonymous channels and drives the component lifecycle.
type Context struct {
	mu         sync.Mutex
	registry   *channel.Registry
	components map[string]interface{}
	order      []string
	references []*channel.Reference
	flows      map[string][]string
	flowOrder  []string
	counters   map[string]int

	scheduler *endpoint.TaskScheduler
	poolSize  int
	logger    *slog.Logger

	running bool
	started []startedComponent
}

type startedComponent struct {
	name      string
	lifecycle endpoint.Lifecycle
}

// Option configures a Context
type Option func(*Context)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPoolSize sets the worker count of the shared task scheduler
func WithPoolSize(size int) Option {
	return func(c *Context) {
		c.poolSize = size
	}
}

// WithChannelRegistry shares an existing channel registry
func WithChannelRegistry(registry *channel.Registry) Option {
	return func(c *Context) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// WithScheduler sets the task scheduler shared by polling endpoints
func WithScheduler(scheduler *endpoint.TaskScheduler) Option {
	return func(c *Context) {
		c.scheduler = scheduler
	}
}

// NewContext creates an empty context
func NewContext(options ...Option) *Context {
	c := &Context{
		registry:   channel.NewRegistry(),
		components: make(map[string]interface{}),
		flows:      make(map[string][]string),
		counters:   make(map[string]int),
		poolSize:   10,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Register adds a component and returns its name. Without a hint the
// component's own name is used, otherwise one is generated. Components
// registered while the context runs are started immediately.
func (c *Context) Register(component interface{}, nameHint string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, added, err := c.register(component, nameHint)
	if err != nil || !c.running {
		return name, err
	}
	if ref, ok := component.(*channel.Reference); ok {
		if err := c.bind(ref); err != nil {
			c.references = c.references[:len(c.references)-1]
			return "", err
		}
		return name, nil
	}
	if !added {
		return name, nil
	}
	if err := c.activate(context.Background(), []string{name}); err != nil {
		c.unregister([]string{name}, len(c.references))
		return "", err
	}
	return name, nil
}

// RegisterFlow registers the components of flow. An empty name generates
// "flow#<n>". Anonymous channels are named "<flow>.channel#<n>". Nothing is
// registered when any component fails.
func (c *Context) RegisterFlow(name string, flow *dsl.IntegrationFlow) error {
	if flow == nil {
		return contracts.NewCompositionError("register flow", name, contracts.ErrNilArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		name = c.generateName("flow")
	}
	if _, exists := c.flows[name]; exists {
		return contracts.NewCompositionError("register flow", name, contracts.ErrDuplicateComponent)
	}

	references := len(c.references)
	var added []string
	for _, component := range flow.Components() {
		hint := component.NameHint
		switch {
		case component.FlowScoped:
			hint = name + hint
		case hint == "" && !isReference(component.Value) && ownName(component.Value) == "":
			hint = fmt.Sprintf("%s.%s#%d", name, kindOf(component.Value), c.next(name+"."+kindOf(component.Value)))
		}

		registered, isNew, err := c.register(component.Value, hint)
		if err != nil {
			c.unregister(added, references)
			return contracts.NewCompositionError("register flow", name, err)
		}
		if isNew {
			added = append(added, registered)
		}
	}

	if c.running {
		if err := c.activate(context.Background(), added); err != nil {
			c.unregister(added, references)
			return err
		}
	}

	c.flows[name] = added
	c.flowOrder = append(c.flowOrder, name)
	c.logger.Debug("flow registered", "flow", name, "components", len(added))
	return nil
}

// RemoveFlow stops and unregisters the components of the named flow
func (c *Context) RemoveFlow(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	names, ok := c.flows[name]
	if !ok {
		return contracts.NewCompositionError("remove flow", name, contracts.ErrInvalidConfiguration)
	}

	members := make(map[string]bool, len(names))
	for _, n := range names {
		members[n] = true
	}
	var errs []error
	kept := c.started[:0]
	for i := len(c.started) - 1; i >= 0; i-- {
		s := c.started[i]
		if members[s.name] {
			if err := s.lifecycle.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop %s: %w", s.name, err))
			}
		}
	}
	for _, s := range c.started {
		if !members[s.name] {
			kept = append(kept, s)
		}
	}
	c.started = kept

	c.unregister(names, len(c.references))
	delete(c.flows, name)
	for i, n := range c.flowOrder {
		if n == name {
			c.flowOrder = append(c.flowOrder[:i], c.flowOrder[i+1:]...)
			break
		}
	}
	return errors.Join(errs...)
}

// Start binds references, injects the resolver and scheduler and starts
// lifecycle components in registration order. Producers start after all
// other components. On failure the started components are stopped again.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if err := c.activate(ctx, c.order); err != nil {
		return err
	}
	c.running = true
	c.logger.Info("integration context started", "components", len(c.order), "flows", len(c.flows))
	return nil
}

// Stop stops the started components in reverse order
func (c *Context) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	err := c.stopStarted(ctx)
	c.running = false
	c.logger.Info("integration context stopped")
	return err
}

// Close stops the context and releases closable components and the scheduler
func (c *Context) Close(ctx context.Context) error {
	errs := []error{c.Stop(ctx)}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.order) - 1; i >= 0; i-- {
		if closer, ok := c.components[c.order[i]].(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s: %w", c.order[i], err))
			}
		}
	}
	if c.scheduler != nil {
		errs = append(errs, c.scheduler.Close())
		c.scheduler = nil
	}
	return errors.Join(errs...)
}

// IsRunning reports whether the context was started
func (c *Context) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Channel returns the channel registered or created under name
func (c *Context) Channel(name string) (channel.MessageChannel, bool) {
	return c.registry.Lookup(name)
}

// ResolveChannel implements channel.Resolver
func (c *Context) ResolveChannel(name string) (channel.MessageChannel, error) {
	return c.registry.ResolveChannel(name)
}

// Registry returns the channel registry
func (c *Context) Registry() *channel.Registry {
	return c.registry
}

// Component returns the component registered under name
func (c *Context) Component(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	component, ok := c.components[name]
	return component, ok
}

// ComponentNames returns the component names in registration order
func (c *Context) ComponentNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	return names
}

// FlowNames returns the registered flow names in registration order
func (c *Context) FlowNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.flowOrder))
	copy(names, c.flowOrder)
	return names
}

// FlowComponents returns the component names of the named flow
func (c *Context) FlowComponents(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.flows[name]))
	copy(names, c.flows[name])
	return names
}

// ComponentAs returns the named component as a T
func ComponentAs[T any](c *Context, name string) (T, bool) {
	var zero T
	component, ok := c.Component(name)
	if !ok {
		return zero, false
	}
	typed, ok := component.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// register records component under a name. It reports whether the component
// was newly added; registering the same component twice is a no-op.
func (c *Context) register(component interface{}, nameHint string) (string, bool, error) {
	if component == nil {
		return "", false, contracts.NewCompositionError("register", nameHint, contracts.ErrNilArgument)
	}

	if ref, ok := component.(*channel.Reference); ok {
		c.references = append(c.references, ref)
		return ref.Name(), false, nil
	}

	name := nameHint
	if name == "" {
		name = ownName(component)
	}
	if name == "" {
		name = c.generateName(kindOf(component))
	}

	if existing, exists := c.components[name]; exists {
		if existing == component {
			return name, false, nil
		}
		return "", false, contracts.NewCompositionError("register", name, contracts.ErrDuplicateComponent)
	}

	if ch, ok := component.(channel.MessageChannel); ok {
		if err := c.registry.Register(name, ch); err != nil {
			return "", false, err
		}
		if nameable, ok := ch.(channel.Nameable); ok {
			nameable.SetName(name)
		}
	}

	c.components[name] = component
	c.order = append(c.order, name)
	return name, true, nil
}

// unregister removes names and the references recorded after index references
func (c *Context) unregister(names []string, references int) {
	removed := make(map[string]bool, len(names))
	for _, name := range names {
		removed[name] = true
		if _, ok := c.components[name].(channel.MessageChannel); ok {
			c.registry.Remove(name)
		}
		delete(c.components, name)
	}
	order := c.order[:0]
	for _, name := range c.order {
		if !removed[name] {
			order = append(order, name)
		}
	}
	c.order = order
	if references < len(c.references) {
		c.references = c.references[:references]
	}
}

// activate prepares and starts the named components
func (c *Context) activate(ctx context.Context, names []string) error {
	if c.scheduler == nil {
		scheduler, err := endpoint.NewTaskScheduler(
			endpoint.WithPoolSize(c.poolSize),
			endpoint.WithSchedulerLogger(c.logger),
		)
		if err != nil {
			return fmt.Errorf("failed to create task scheduler: %w", err)
		}
		c.scheduler = scheduler
	}

	for _, ref := range c.references {
		if err := c.bind(ref); err != nil {
			return err
		}
	}

	var consumers, producers []string
	for _, name := range names {
		component := c.components[name]
		if aware, ok := component.(endpoint.ResolverAware); ok {
			aware.SetChannelResolver(c.registry)
		}
		if scheduled, ok := component.(interface {
			SetScheduler(scheduler *endpoint.TaskScheduler)
		}); ok {
			scheduled.SetScheduler(c.scheduler)
		}
		if _, ok := component.(endpoint.Lifecycle); !ok {
			continue
		}
		if isProducer(component) {
			producers = append(producers, name)
		} else {
			consumers = append(consumers, name)
		}
	}

	mark := len(c.started)
	for _, name := range append(consumers, producers...) {
		lifecycle := c.components[name].(endpoint.Lifecycle)
		if err := lifecycle.Start(ctx); err != nil {
			c.logger.Error("failed to start component, rolling back", "component", name, "error", err)
			rollback := c.started[mark:]
			c.started = c.started[:mark]
			for i := len(rollback) - 1; i >= 0; i-- {
				if stopErr := rollback[i].lifecycle.Stop(ctx); stopErr != nil {
					c.logger.Warn("failed to stop component during rollback", "component", rollback[i].name, "error", stopErr)
				}
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		c.started = append(c.started, startedComponent{name: name, lifecycle: lifecycle})
	}
	return nil
}

// bind resolves a reference, creating the channel when nothing is registered
// under its name
func (c *Context) bind(ref *channel.Reference) error {
	ch, created := c.registry.GetOrCreate(ref.Name(), func(name string) channel.MessageChannel {
		if ref.FixedSubscriber() {
			return channel.NewFixedSubscriberChannel(nil, channel.WithName(name), channel.WithChannelLogger(c.logger))
		}
		return channel.NewDirectChannel(channel.WithName(name), channel.WithChannelLogger(c.logger))
	})
	if created {
		c.components[ref.Name()] = ch
		c.order = append(c.order, ref.Name())
		c.logger.Debug("channel created for reference", "channel", ref.Name(), "fixedSubscriber", ref.FixedSubscriber())
	}
	if _, ok := ch.(*channel.Reference); ok {
		return contracts.NewCompositionError("bind reference", ref.Name(),
			fmt.Errorf("%w: '%s' is registered as a reference", contracts.ErrChannelResolution, ref.Name()))
	}
	ref.SetChannelResolver(c.registry)
	return nil
}

func (c *Context) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(c.started) - 1; i >= 0; i-- {
		s := c.started[i]
		if err := s.lifecycle.Stop(ctx); err != nil {
			c.logger.Warn("failed to stop component", "component", s.name, "error", err)
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", s.name, err))
		}
	}
	c.started = nil
	return errors.Join(errs...)
}

func (c *Context) generateName(kind string) string {
	for {
		name := fmt.Sprintf("%s#%d", kind, c.next(kind))
		if _, exists := c.components[name]; !exists {
			if _, exists := c.flows[name]; !exists {
				return name
			}
		}
	}
}

func (c *Context) next(key string) int {
	n := c.counters[key]
	c.counters[key] = n + 1
	return n
}

func isReference(component interface{}) bool {
	_, ok := component.(*channel.Reference)
	return ok
}

func isProducer(component interface{}) bool {
	switch component.(type) {
	case endpoint.MessageProducer, gateway.InboundGateway:
		return true
	}
	return false
}

func ownName(component interface{}) string {
	if named, ok := component.(interface{ Name() string }); ok {
		return named.Name()
	}
	return ""
}

// kindOf derives a name prefix from the component type, e.g. "consumerEndpoint"
func kindOf(component interface{}) string {
	if _, ok := component.(channel.MessageChannel); ok {
		return "channel"
	}
	t := reflect.TypeOf(component)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "component"
	}
	return strings.ToLower(name[:1]) + name[1:]
}
