// Package otel turns bus events into OpenTelemetry spans exported over
// OTLP/gRPC.
package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
	reqid "github.com/hanpama/groqlive/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "groqlive"

// Setup configures OpenTelemetry and attaches bus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unregister := Register(bus, tp.Tracer(tracerName))
	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes span-producing handlers on bus and returns a func that
// removes them.
func Register(bus *eventbus.Bus, tracer trace.Tracer) (unregister func()) {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // rid -> trace.Span
	querySpans sync.Map // fetch id -> trace.Span
}

func (s *subscriber) parent(ctx context.Context) context.Context {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return ctx
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

// instant records a span with no duration.
func (s *subscriber) instant(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	_, span := s.tracer.Start(s.parent(ctx), name, trace.WithAttributes(attrs...))
	span.End()
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryStart) {
			_, span := s.tracer.Start(s.parent(ctx), "groq.query")
			span.SetAttributes(
				attribute.String("groq.query_key", e.Key),
				attribute.String("groq.perspective", e.Perspective),
				attribute.Bool("groq.use_cdn", e.UseCdn),
			)
			s.querySpans.Store(e.FetchID, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryFinish) {
			v, ok := s.querySpans.LoadAndDelete(e.FetchID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("groq.sync_tags", e.SyncTags))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.TagsFetched) {
			s.instant(ctx, "groq.tags",
				attribute.String("groq.query_key", e.Key),
				attribute.StringSlice("groq.tags", e.Tags))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.StrategyChanged) {
			s.instant(ctx, "groq.strategy",
				attribute.String("groq.query_key", e.Key),
				attribute.String("groq.strategy.from", e.From),
				attribute.String("groq.strategy.to", e.To))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.LiveConnected) {
			s.instant(ctx, "live.connected", attribute.String("url.full", e.URL))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.LiveMessage) {
			s.instant(ctx, "live.message",
				attribute.String("live.event_id", e.ID),
				attribute.StringSlice("live.tags", e.Tags))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.LiveRestart) {
			s.instant(ctx, "live.restart")
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
