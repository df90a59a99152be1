package dsl

import (
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/endpoint"
)

// PollerSpec configures polling endpoints
type PollerSpec struct {
	metadata endpoint.PollerMetadata
}

// FixedDelayPoller polls period after the previous cycle completed
func FixedDelayPoller(period time.Duration, options ...endpoint.PeriodicTriggerOption) *PollerSpec {
	return TriggerPoller(endpoint.NewPeriodicTrigger(period, options...))
}

// FixedRatePoller polls every period measured between cycle starts
func FixedRatePoller(period time.Duration, options ...endpoint.PeriodicTriggerOption) *PollerSpec {
	options = append([]endpoint.PeriodicTriggerOption{endpoint.WithFixedRate()}, options...)
	return TriggerPoller(endpoint.NewPeriodicTrigger(period, options...))
}

// TriggerPoller polls on a custom trigger
func TriggerPoller(trigger endpoint.Trigger) *PollerSpec {
	metadata := endpoint.DefaultPollerMetadata()
	if trigger != nil {
		metadata.Trigger = trigger
	}
	return &PollerSpec{metadata: metadata}
}

// MaxMessagesPerPoll bounds the messages per cycle, endpoint.MaxMessagesUnbounded drains the source
func (p *PollerSpec) MaxMessagesPerPoll(maxMessages int) *PollerSpec {
	p.metadata.MaxMessagesPerPoll = maxMessages
	return p
}

// ReceiveTimeout bounds each receive of a polling consumer
func (p *PollerSpec) ReceiveTimeout(timeout time.Duration) *PollerSpec {
	p.metadata.ReceiveTimeout = timeout
	return p
}

// ErrorChannel routes failed cycles to ch
func (p *PollerSpec) ErrorChannel(ch channel.MessageChannel) *PollerSpec {
	p.metadata.ErrorChannel = ch
	return p
}

// ErrorChannelName routes failed cycles to the named channel
func (p *PollerSpec) ErrorChannelName(name string) *PollerSpec {
	p.metadata.ErrorChannelName = name
	return p
}

// Scheduler runs the cycles on scheduler instead of the container's
func (p *PollerSpec) Scheduler(scheduler *endpoint.TaskScheduler) *PollerSpec {
	p.metadata.Scheduler = scheduler
	return p
}

// Metadata returns the configured poller metadata
func (p *PollerSpec) Metadata() endpoint.PollerMetadata {
	return p.metadata
}
