// Package messaging provides the ExchangeTemplate, the synchronous send and
// receive primitive used by adapters, gateways and pollers to push messages onto
// channels and optionally await a reply.
//
// Example usage:
//
//	template := messaging.NewExchangeTemplate(
//		messaging.WithReplyTimeout(2*time.Second),
//	)
//
//	reply, ok, err := template.SendAndReceive(ctx, requests, contracts.NewMessage("ping"))
//	if err != nil {
//		return err
//	}
//	if !ok {
//		// no reply within the timeout
//	}
//
// The template never retries. A send rejected by the channel is reported as
// false, a reply timeout as an empty result.
package messaging
