package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/messaging"
)

// MessageProducer pushes messages into its output channel on its own schedule
type MessageProducer interface {
	Lifecycle
	OutputChannel() channel.MessageChannel
	SetOutputChannel(ch channel.MessageChannel)
}

// ProducerSupport is embedded by push producers. It holds the output and error
// channels, sends through an ExchangeTemplate and runs the lifecycle hooks.
type ProducerSupport struct {
	lifecycle lifecycleState

	mu                sync.RWMutex
	outputChannel     channel.MessageChannel
	outputChannelName string
	resolver          channel.Resolver

	template *messaging.ExchangeTemplate
	errors   *ErrorHandler
	logger   *slog.Logger

	onStart func(ctx context.Context) error
	onStop  func(ctx context.Context) error
}

// InitProducerSupport prepares an embedded ProducerSupport. It must be called
// by the embedding constructor.
func (p *ProducerSupport) InitProducerSupport(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	p.logger = logger
	p.template = messaging.NewExchangeTemplate(messaging.WithTemplateLogger(logger))
	p.errors = NewErrorHandler(logger)
}

// SetLifecycleHooks sets the functions run by Start and Stop
func (p *ProducerSupport) SetLifecycleHooks(onStart, onStop func(ctx context.Context) error) {
	p.onStart = onStart
	p.onStop = onStop
}

// Logger returns the producer logger
func (p *ProducerSupport) Logger() *slog.Logger {
	if p.logger == nil {
		return slog.Default()
	}
	return p.logger
}

// SetOutputChannel implements MessageProducer
func (p *ProducerSupport) SetOutputChannel(ch channel.MessageChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputChannel = ch
}

// SetOutputChannelName sets the output channel by name, resolved on first send
func (p *ProducerSupport) SetOutputChannelName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputChannelName = name
}

// OutputChannel implements MessageProducer
func (p *ProducerSupport) OutputChannel() channel.MessageChannel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outputChannel
}

// OutputChannelName returns the configured output channel name
func (p *ProducerSupport) OutputChannelName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outputChannelName
}

// SetErrorChannel routes send failures to ch instead of returning them
func (p *ProducerSupport) SetErrorChannel(ch channel.MessageChannel) {
	p.errorHandler().SetErrorChannel(ch)
}

// SetErrorChannelName routes send failures to the named channel
func (p *ProducerSupport) SetErrorChannelName(name string) {
	p.errorHandler().SetErrorChannelName(name)
}

// SetChannelResolver implements ResolverAware
func (p *ProducerSupport) SetChannelResolver(resolver channel.Resolver) {
	p.mu.Lock()
	p.resolver = resolver
	p.mu.Unlock()
	p.errorHandler().SetChannelResolver(resolver)
}

func (p *ProducerSupport) errorHandler() *ErrorHandler {
	if p.errors == nil {
		p.InitProducerSupport(p.logger)
	}
	return p.errors
}

// resolveOutput returns the output channel, resolving a configured name once
func (p *ProducerSupport) resolveOutput() (channel.MessageChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outputChannel != nil {
		return p.outputChannel, nil
	}
	if p.outputChannelName == "" {
		return nil, contracts.ErrNoOutputChannel
	}
	ch, err := channel.ResolveDestination(p.outputChannelName, p.resolver)
	if err != nil {
		return nil, err
	}
	p.outputChannel = ch
	return ch, nil
}

// send delivers msg to the output channel. A rejected send is an error.
func (p *ProducerSupport) send(ctx context.Context, msg contracts.Message) error {
	out, err := p.resolveOutput()
	if err != nil {
		return err
	}
	if p.template == nil {
		p.InitProducerSupport(p.logger)
	}

	sent, err := p.template.Send(ctx, out, msg)
	if err != nil {
		return err
	}
	if !sent {
		return &contracts.MessageDeliveryError{
			Channel:   out.Name(),
			MessageID: msg.GetID(),
			Err:       contracts.ErrDeliveryRejected,
		}
	}
	return nil
}

// SendMessage delivers msg to the output channel. When an error channel is
// configured failures are published there and nil is returned.
func (p *ProducerSupport) SendMessage(ctx context.Context, msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message cannot be nil", contracts.ErrNilArgument)
	}

	err := p.send(ctx, msg)
	if err == nil {
		return nil
	}
	if p.errorHandler().HasErrorChannel() || msg.GetHeaders().ErrorChannel() != nil {
		if p.errorHandler().Handle(ctx, "send", msg, err) {
			return nil
		}
	}
	return err
}

// Start implements Lifecycle
func (p *ProducerSupport) Start(ctx context.Context) error {
	return p.lifecycle.start(ctx, func(ctx context.Context) error {
		if _, err := p.resolveOutput(); err != nil {
			return contracts.NewCompositionError("start producer", p.OutputChannelName(), err)
		}
		if p.onStart != nil {
			return p.onStart(ctx)
		}
		return nil
	})
}

// Stop implements Lifecycle
func (p *ProducerSupport) Stop(ctx context.Context) error {
	return p.lifecycle.stop(ctx, p.onStop)
}

// IsRunning implements Lifecycle
func (p *ProducerSupport) IsRunning() bool {
	return p.lifecycle.current() == StateRunning
}

// State implements Lifecycle
func (p *ProducerSupport) State() State {
	return p.lifecycle.current()
}
