package endpoint

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// State is the lifecycle state of an endpoint
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Lifecycle is implemented by components the container starts and stops.
// Start and Stop are no-ops when the component already is in the target state.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	State() State
}

// lifecycleState serializes start and stop transitions. The zero value is stopped.
type lifecycleState struct {
	mu    sync.Mutex
	state atomic.Int32
}

func (l *lifecycleState) current() State {
	return State(l.state.Load())
}

// start runs doStart unless already running. A failed start leaves the
// component stopped.
func (l *lifecycleState) start(ctx context.Context, doStart func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current() == StateRunning {
		return nil
	}

	l.state.Store(int32(StateStarting))
	if doStart != nil {
		if err := doStart(ctx); err != nil {
			l.state.Store(int32(StateStopped))
			return err
		}
	}
	l.state.Store(int32(StateRunning))
	return nil
}

// stop runs doStop unless already stopped
func (l *lifecycleState) stop(ctx context.Context, doStop func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current() == StateStopped {
		return nil
	}

	l.state.Store(int32(StateStopping))
	var err error
	if doStop != nil {
		err = doStop(ctx)
	}
	l.state.Store(int32(StateStopped))
	return err
}
