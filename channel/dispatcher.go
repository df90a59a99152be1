package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-flow/contracts"
	"go.uber.org/atomic"
)

// Executor runs tasks asynchronously. *ants.Pool satisfies it.
type Executor interface {
	Submit(task func()) error
}

// handlerSet is a mutex-guarded list of handlers
type handlerSet struct {
	mu             sync.RWMutex
	handlers       []MessageHandler
	maxSubscribers int // 0 = unlimited
}

func (s *handlerSet) add(handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrNilArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.handlers {
		if sameHandler(h, handler) {
			return nil
		}
	}
	if s.maxSubscribers > 0 && len(s.handlers) >= s.maxSubscribers {
		return fmt.Errorf("%w: maximum of %d subscribers reached", contracts.ErrInvalidConfiguration, s.maxSubscribers)
	}
	s.handlers = append(s.handlers, handler)
	return nil
}

func (s *handlerSet) remove(handler MessageHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.handlers {
		if sameHandler(h, handler) {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (s *handlerSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// snapshot returns a copy to avoid holding the lock during dispatch
func (s *handlerSet) snapshot() []MessageHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MessageHandler(nil), s.handlers...)
}

// UnicastingDispatcher delivers each message to exactly one handler, rotating
// across handlers in round-robin order
type UnicastingDispatcher struct {
	handlerSet
	index    *atomic.Uint64
	failover bool
	executor Executor
	logger   *slog.Logger
}

// NewUnicastingDispatcher creates a new unicasting dispatcher
func NewUnicastingDispatcher(failover bool, logger *slog.Logger) *UnicastingDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnicastingDispatcher{
		index:    atomic.NewUint64(0),
		failover: failover,
		logger:   logger,
	}
}

// AddHandler attaches a handler
func (d *UnicastingDispatcher) AddHandler(handler MessageHandler) error {
	return d.add(handler)
}

// RemoveHandler detaches a handler
func (d *UnicastingDispatcher) RemoveHandler(handler MessageHandler) bool {
	return d.remove(handler)
}

// HandlerCount returns the number of handlers
func (d *UnicastingDispatcher) HandlerCount() int {
	return d.count()
}

// Dispatch delivers msg to one handler. It returns false without error when
// there is no handler.
func (d *UnicastingDispatcher) Dispatch(ctx context.Context, channelName string, msg contracts.Message) (bool, error) {
	handlers := d.snapshot()
	if len(handlers) == 0 {
		d.logger.Warn("no subscribers for channel, message rejected",
			"channel", channelName,
			"messageId", msg.GetID(),
		)
		return false, nil
	}

	if d.executor != nil {
		// the sender's context may end before the task runs
		asyncCtx := context.WithoutCancel(ctx)
		if err := d.executor.Submit(func() {
			if _, err := d.dispatchTo(asyncCtx, channelName, handlers, msg); err != nil {
				d.logger.Error("asynchronous dispatch failed",
					"channel", channelName,
					"messageId", msg.GetID(),
					"error", err,
				)
			}
		}); err != nil {
			d.logger.Warn("executor rejected dispatch task",
				"channel", channelName,
				"messageId", msg.GetID(),
				"error", err,
			)
			return false, nil
		}
		return true, nil
	}

	return d.dispatchTo(ctx, channelName, handlers, msg)
}

func (d *UnicastingDispatcher) dispatchTo(ctx context.Context, channelName string, handlers []MessageHandler, msg contracts.Message) (bool, error) {
	start := int((d.index.Inc() - 1) % uint64(len(handlers)))

	var errs []error
	for i := 0; i < len(handlers); i++ {
		handler := handlers[(start+i)%len(handlers)]
		err := handler.HandleMessage(ctx, msg)
		if err == nil {
			return true, nil
		}
		errs = append(errs, err)
		if !d.failover {
			break
		}
		d.logger.Debug("subscriber failed, trying next",
			"channel", channelName,
			"messageId", msg.GetID(),
			"error", err,
		)
	}

	var cause error
	if len(errs) == 1 {
		cause = errs[0]
	} else {
		cause = errors.Join(errs...)
	}
	return false, &contracts.MessageDeliveryError{
		Channel:   channelName,
		MessageID: msg.GetID(),
		Err:       cause,
	}
}

// BroadcastingDispatcher delivers each message to every handler
type BroadcastingDispatcher struct {
	handlerSet
	executor Executor
	logger   *slog.Logger
}

// NewBroadcastingDispatcher creates a new broadcasting dispatcher. With a nil
// executor handlers run sequentially on the caller's goroutine.
func NewBroadcastingDispatcher(executor Executor, logger *slog.Logger) *BroadcastingDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BroadcastingDispatcher{
		executor: executor,
		logger:   logger,
	}
}

// AddHandler attaches a handler
func (d *BroadcastingDispatcher) AddHandler(handler MessageHandler) error {
	return d.add(handler)
}

// RemoveHandler detaches a handler
func (d *BroadcastingDispatcher) RemoveHandler(handler MessageHandler) bool {
	return d.remove(handler)
}

// HandlerCount returns the number of handlers
func (d *BroadcastingDispatcher) HandlerCount() int {
	return d.count()
}

// Dispatch delivers msg to every handler. Messages are immutable so all
// handlers share the same instance.
func (d *BroadcastingDispatcher) Dispatch(ctx context.Context, channelName string, msg contracts.Message) (bool, error) {
	handlers := d.snapshot()
	if len(handlers) == 0 {
		d.logger.Warn("no subscribers for channel, message rejected",
			"channel", channelName,
			"messageId", msg.GetID(),
		)
		return false, nil
	}

	asyncCtx := context.WithoutCancel(ctx)
	var errs []error
	for _, handler := range handlers {
		if d.executor != nil {
			h := handler
			if err := d.executor.Submit(func() {
				if err := h.HandleMessage(asyncCtx, msg); err != nil {
					d.logger.Error("broadcast subscriber failed",
						"channel", channelName,
						"messageId", msg.GetID(),
						"error", err,
					)
				}
			}); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if err := handler.HandleMessage(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return false, &contracts.MessageDeliveryError{
			Channel:   channelName,
			MessageID: msg.GetID(),
			Err:       errors.Join(errs...),
		}
	}
	return true, nil
}
