package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-flow/channel"
)

// MaxMessagesUnbounded lets a poll cycle run until the source is empty
const MaxMessagesUnbounded = -1

// PollerMetadata configures how a polling endpoint is driven
type PollerMetadata struct {
	// Trigger schedules poll cycles
	Trigger Trigger
	// MaxMessagesPerPoll bounds the messages per cycle, -1 for unbounded.
	// Source polling adapters treat 0 as 1.
	MaxMessagesPerPoll int
	// ReceiveTimeout bounds each receive of a polling consumer
	ReceiveTimeout time.Duration
	// ErrorChannel receives error messages for failed cycles
	ErrorChannel channel.MessageChannel
	// ErrorChannelName is resolved when ErrorChannel is nil
	ErrorChannelName string
	// Scheduler runs the cycles, a private scheduler is created when nil
	Scheduler *TaskScheduler
}

// DefaultPollerMetadata polls once per second, one message per cycle
func DefaultPollerMetadata() PollerMetadata {
	return PollerMetadata{
		Trigger:            NewPeriodicTrigger(time.Second),
		MaxMessagesPerPoll: 1,
		ReceiveTimeout:     time.Second,
	}
}

func (m PollerMetadata) withDefaults() PollerMetadata {
	if m.Trigger == nil {
		m.Trigger = NewPeriodicTrigger(time.Second)
	}
	return m
}

// poller drives a poll cycle function with a scheduler
type poller struct {
	metadata      PollerMetadata
	scheduler     *TaskScheduler
	ownsScheduler bool
	task          *ScheduledTask
}

func newPoller(metadata PollerMetadata) *poller {
	return &poller{metadata: metadata.withDefaults()}
}

// start schedules cycle on the configured or a private scheduler
func (p *poller) start(cycle func(ctx context.Context), logger *slog.Logger) error {
	p.scheduler = p.metadata.Scheduler
	if p.scheduler == nil {
		scheduler, err := NewTaskScheduler(WithPoolSize(1), WithSchedulerLogger(logger))
		if err != nil {
			return err
		}
		p.scheduler = scheduler
		p.ownsScheduler = true
	}

	task, err := p.scheduler.Schedule(cycle, p.metadata.Trigger)
	if err != nil {
		_ = p.release()
		return err
	}
	p.task = task
	return nil
}

// stop cancels scheduling and waits for the in-flight cycle
func (p *poller) stop(ctx context.Context) error {
	var errs []error
	if p.task != nil {
		p.task.Cancel()
		if err := p.task.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
		p.task = nil
	}
	if err := p.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *poller) release() error {
	if !p.ownsScheduler || p.scheduler == nil {
		return nil
	}
	err := p.scheduler.Close()
	p.scheduler = nil
	p.ownsScheduler = false
	return err
}
