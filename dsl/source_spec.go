package dsl

import (
	"log/slog"

	"github.com/glimte/mmate-flow/endpoint"
)

// SourcePollingChannelAdapterSpec configures the adapter polling a flow's source
type SourcePollingChannelAdapterSpec struct {
	id         string
	sourceName string
	poller     *PollerSpec
	logger     *slog.Logger
}

// SourceConfigurer customizes the adapter polling a flow's source
type SourceConfigurer func(*SourcePollingChannelAdapterSpec)

// ID registers the adapter under id
func (s *SourcePollingChannelAdapterSpec) ID(id string) *SourcePollingChannelAdapterSpec {
	s.id = id
	return s
}

// Poller sets the poller, the default polls once per second
func (s *SourcePollingChannelAdapterSpec) Poller(poller *PollerSpec) *SourcePollingChannelAdapterSpec {
	s.poller = poller
	return s
}

// SourceName stamps the sourceName header on polled messages
func (s *SourcePollingChannelAdapterSpec) SourceName(name string) *SourcePollingChannelAdapterSpec {
	s.sourceName = name
	return s
}

// Logger sets the adapter logger
func (s *SourcePollingChannelAdapterSpec) Logger(logger *slog.Logger) *SourcePollingChannelAdapterSpec {
	s.logger = logger
	return s
}

func (s *SourcePollingChannelAdapterSpec) build(source endpoint.MessageSource) (*endpoint.SourcePollingChannelAdapter, error) {
	var options []endpoint.AdapterOption
	if s.logger != nil {
		options = append(options, endpoint.WithAdapterLogger(s.logger))
	}
	if s.poller != nil {
		options = append(options, endpoint.WithPollerMetadata(s.poller.Metadata()))
	}
	if s.sourceName != "" {
		options = append(options, endpoint.WithSourceName(s.sourceName))
	}
	return endpoint.NewSourcePollingChannelAdapter(source, options...)
}
