// Package natsctx carries OpenTelemetry trace context across NATS
// request/reply messages, the way a broadcast or a reduce contribution
// would otherwise lose its span parentage the moment it crosses a
// process boundary. Adapted from the core library every swarmguard
// service links against.
package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

const tracerName = "sketchcluster-collective"

// Publish injects the current span's traceparent into the message
// headers before publishing, so Subscribe on the other side can
// resume the same trace.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting trace context from each
// incoming message and starting a consumer span before invoking
// handler, so every collective round-trip shows up end-to-end in the
// distributed trace.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer(tracerName)
		ctx, span := tr.Start(ctx, "collective.consume", trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("subject", subject)))
		defer span.End()
		handler(ctx, m)
	})
}
