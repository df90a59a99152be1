package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of exchanges, queues and bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// QueueWithDeadLetter returns the topology of a durable queue whose rejected
// messages go to queue+".dlq" through the "dlx" exchange
func QueueWithDeadLetter(queue string) Topology {
	dlq := queue + ".dlq"
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: "dlx", Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
			{Name: queue, Durable: true, Arguments: amqp.Table{
				"x-dead-letter-exchange":    "dlx",
				"x-dead-letter-routing-key": dlq,
			}},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: "dlx", RoutingKey: dlq},
		},
	}
}

// DeclareTopology declares exchanges, then queues, then bindings on one channel
func DeclareTopology(ctx context.Context, provider ChannelProvider, topology Topology) error {
	ch, err := provider.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, exchange := range topology.Exchanges {
		kind := exchange.Type
		if kind == "" {
			kind = amqp.ExchangeTopic
		}
		if err := ch.ExchangeDeclare(exchange.Name, kind, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments); err != nil {
			return topologyError("exchange", exchange.Name, err)
		}
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
			return topologyError("queue", queue.Name, err)
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      binding.Queue + "->" + binding.Exchange,
				Op:        "bind",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
	return nil
}

func topologyError(component, name string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        "declare",
		Err:       err,
		Timestamp: time.Now(),
	}
}
