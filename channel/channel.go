package channel

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/contracts"
)

// MessageHandler consumes messages delivered by a channel
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg contracts.Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg contracts.Message) error

// HandleMessage implements MessageHandler
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg contracts.Message) error {
	return f(ctx, msg)
}

// MessageChannel is a named conduit for messages
type MessageChannel interface {
	// Name returns the channel name, empty for anonymous channels
	Name() string

	// Send delivers a message. It returns false when the channel rejected the
	// message without failing, for example when a bounded queue is full.
	Send(ctx context.Context, msg contracts.Message) (bool, error)
}

// SubscribableChannel dispatches messages to subscribed handlers
type SubscribableChannel interface {
	MessageChannel

	// Subscribe attaches a handler
	Subscribe(handler MessageHandler) error

	// Unsubscribe detaches a handler, returning whether it was subscribed
	Unsubscribe(handler MessageHandler) bool

	// SubscriberCount returns the number of subscribed handlers
	SubscriberCount() int
}

// PollableChannel buffers messages until they are received
type PollableChannel interface {
	MessageChannel

	// Receive blocks until a message is available or ctx is done
	Receive(ctx context.Context) (contracts.Message, bool)
}

// Nameable is implemented by channels that can be named after construction
type Nameable interface {
	SetName(name string) bool
}

// InterceptableChannel accepts interceptors after construction
type InterceptableChannel interface {
	MessageChannel
	AddInterceptor(interceptor ChannelInterceptor)
}

// ReceiveTimeout receives from a pollable channel waiting at most timeout.
// A zero timeout does not block, a negative timeout blocks until ctx is done.
func ReceiveTimeout(ctx context.Context, ch PollableChannel, timeout time.Duration) (contracts.Message, bool) {
	if timeout == 0 {
		if q, ok := ch.(interface {
			TryReceive() (contracts.Message, bool)
		}); ok {
			return q.TryReceive()
		}
		timeout = time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ch.Receive(ctx)
}

// Option configures a channel
type Option func(*config)

type config struct {
	name         string
	logger       *slog.Logger
	interceptors []ChannelInterceptor
	capacity     int
	blockingSend bool
	failover     bool
	poolSize     int
	executor     Executor
}

func newConfig(options []Option) *config {
	cfg := &config{
		logger:   slog.Default(),
		failover: true,
		poolSize: 10,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// WithName sets the channel name
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithInterceptors adds interceptors to the channel
func WithInterceptors(interceptors ...ChannelInterceptor) Option {
	return func(c *config) {
		c.interceptors = append(c.interceptors, interceptors...)
	}
}

// WithCapacity bounds a queue channel (0 = unbounded)
func WithCapacity(capacity int) Option {
	return func(c *config) {
		c.capacity = capacity
	}
}

// WithBlockingSend makes a full bounded queue block senders until room or ctx done
func WithBlockingSend(blocking bool) Option {
	return func(c *config) {
		c.blockingSend = blocking
	}
}

// WithFailover makes unicasting channels try the next subscriber when one fails
func WithFailover(failover bool) Option {
	return func(c *config) {
		c.failover = failover
	}
}

// WithPoolSize sets the worker pool size of executor channels
func WithPoolSize(size int) Option {
	return func(c *config) {
		c.poolSize = size
	}
}

// WithExecutor sets the executor used by executor and publish-subscribe channels
func WithExecutor(executor Executor) Option {
	return func(c *config) {
		c.executor = executor
	}
}

// baseChannel implements naming and the interceptor chain
type baseChannel struct {
	mu           sync.RWMutex
	name         string
	logger       *slog.Logger
	interceptors *InterceptorChain
}

func (c *baseChannel) init(cfg *config) {
	c.name = cfg.name
	c.logger = cfg.logger
	c.interceptors = NewInterceptorChain(cfg.interceptors...)
}

// Name returns the channel name
func (c *baseChannel) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// SetName names an anonymous channel. Named channels keep their name.
func (c *baseChannel) SetName(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name != "" {
		return false
	}
	c.name = name
	return true
}

// AddInterceptor appends an interceptor
func (c *baseChannel) AddInterceptor(interceptor ChannelInterceptor) {
	c.interceptors.Add(interceptor)
}

// send runs the interceptor chain around doSend
func (c *baseChannel) send(ctx context.Context, self MessageChannel, msg contracts.Message,
	doSend func(ctx context.Context, msg contracts.Message) (bool, error)) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("%w: message cannot be nil", contracts.ErrNilArgument)
	}

	if c.interceptors.Len() == 0 {
		return doSend(ctx, msg)
	}

	ctx, intercepted, applied, err := c.interceptors.applyPreSend(ctx, self, msg)
	if err != nil {
		c.interceptors.triggerAfterSend(ctx, self, msg, false, err, applied)
		return false, err
	}
	if intercepted == nil {
		c.logger.Debug("preSend returned no message, send aborted",
			"channel", c.Name(),
			"messageId", msg.GetID(),
		)
		c.interceptors.triggerAfterSend(ctx, self, msg, false, nil, applied)
		return false, nil
	}

	sent, err := doSend(ctx, intercepted)
	c.interceptors.triggerAfterSend(ctx, self, intercepted, sent, err, applied)
	return sent, err
}

// sameHandler compares handlers without panicking on func values
func sameHandler(a, b MessageHandler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}
