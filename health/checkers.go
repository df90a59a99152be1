package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-flow/adapters/rabbitmq"
	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/container"
	"github.com/glimte/mmate-flow/endpoint"
)

// ContainerChecker reports whether a container and its lifecycle components run
type ContainerChecker struct {
	container *container.Context
}

// NewContainerChecker creates a checker for c
func NewContainerChecker(c *container.Context) *ContainerChecker {
	return &ContainerChecker{container: c}
}

func (c *ContainerChecker) Name() string {
	return "container"
}

func (c *ContainerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	names := c.container.ComponentNames()
	var stopped []string
	lifecycles := 0
	for _, name := range names {
		lc, ok := container.ComponentAs[endpoint.Lifecycle](c.container, name)
		if !ok {
			continue
		}
		lifecycles++
		if !lc.IsRunning() {
			stopped = append(stopped, name)
		}
	}

	result.Details["components"] = len(names)
	result.Details["endpoints"] = lifecycles
	result.Details["flows"] = len(c.container.FlowNames())

	switch {
	case !c.container.IsRunning():
		result.Status = StatusUnhealthy
		result.Message = "Container is not running"
	case len(stopped) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d endpoints are stopped", len(stopped))
		result.Details["stopped"] = stopped
	default:
		result.Status = StatusHealthy
		result.Message = "All endpoints are running"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChannelChecker reports how full a bounded queue channel is
type QueueChannelChecker struct {
	name             string
	queue            *channel.QueueChannel
	warningThreshold float64 // fraction of capacity
}

// NewQueueChannelChecker creates a checker that degrades once the queue is
// filled beyond warningThreshold of its capacity
func NewQueueChannelChecker(name string, queue *channel.QueueChannel, warningThreshold float64) *QueueChannelChecker {
	return &QueueChannelChecker{
		name:             name,
		queue:            queue,
		warningThreshold: warningThreshold,
	}
}

func (c *QueueChannelChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.name)
}

func (c *QueueChannelChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("Queue %s is accepting messages", c.name),
		Details:   make(map[string]interface{}),
	}

	size := c.queue.Size()
	remaining := c.queue.RemainingCapacity()
	result.Details["size"] = size
	result.Details["remainingCapacity"] = remaining

	if remaining >= 0 {
		capacity := size + remaining
		fill := 1.0
		if capacity > 0 {
			fill = float64(size) / float64(capacity)
		}
		result.Details["fill"] = fill

		switch {
		case remaining == 0:
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("Queue %s is full", c.name)
		case fill >= c.warningThreshold:
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("Queue %s is filling up", c.name)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// RabbitMQChecker checks the broker connection by opening a channel
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{connManager: connManager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.connManager.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.connManager.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	return result
}

// GoroutineChecker degrades when the process runs too many goroutines,
// which usually means handlers are blocked
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memoryUsedMb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gcRuns"] = m.NumGC

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
