// Package gateway provides messaging gateways: boundary components that turn
// method calls into messages on a request channel and wait for the reply.
//
// A MessagingGateway is the untyped form. A Proxy stamps the service and
// method on each request, and a Service binds a typed adapter to a proxy:
//
//	type Greeter interface {
//		Greet(ctx context.Context, name string) (string, error)
//	}
//
//	type greeterAdapter struct{ proxy *gateway.Proxy }
//
//	func (g greeterAdapter) Greet(ctx context.Context, name string) (string, error) {
//		reply, _, err := gateway.Call[string](ctx, g.proxy, "Greet", name)
//		return reply, err
//	}
//
//	svc, err := gateway.NewService[Greeter](func(p *gateway.Proxy) Greeter {
//		return greeterAdapter{proxy: p}
//	}, gateway.WithRequestChannel(requests))
//
// Gateways accept calls only while running. A reply that does not arrive
// within the reply timeout is an empty result, not an error.
package gateway
