// Package dsl builds integration flows.
//
// A flow starts with one of the From functions and continues with channels
// and handler stages:
//
//	builder, err := dsl.From("orders")
//	if err != nil {
//		return err
//	}
//	flow, err := builder.
//		Filter(isPaid).
//		Transform(toInvoice).
//		Channel("invoices").
//		Get()
//
// Named channels are references bound when the flow is registered with a
// container. Consecutive handlers are joined by anonymous direct channels and
// consecutive channels by bridges. A builder records its first error and
// returns it from Get.
package dsl
