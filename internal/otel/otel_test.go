package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
	reqid "github.com/hanpama/groqlive/internal/reqid"
)

func newRecorder(t *testing.T) (*eventbus.Bus, *tracetest.SpanRecorder, func()) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	bus := eventbus.New()
	return bus, rec, Register(bus, tp.Tracer("test"))
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(eventbus.New(), "", "groqlive")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestQuerySpansNestUnderHTTP(t *testing.T) {
	bus, rec, _ := newRecorder(t)
	ctx, _ := reqid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "/_sanity/fetch", nil)

	eventbus.Publish(ctx, bus, events.HTTPStart{Request: req})
	eventbus.Publish(ctx, bus, events.QueryStart{FetchID: "f1", Key: "sanity-abc", Perspective: "published", UseCdn: true})
	eventbus.Publish(ctx, bus, events.QueryFinish{FetchID: "f1", Key: "sanity-abc", Err: errors.New("boom")})
	eventbus.Publish(ctx, bus, events.HTTPFinish{Request: req, Status: 502})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	query, http := spans[0], spans[1]
	require.Equal(t, "groq.query", query.Name())
	require.Equal(t, "http.request", http.Name())
	require.Equal(t, http.SpanContext().SpanID(), query.Parent().SpanID())
	require.Equal(t, codes.Error, query.Status().Code)
}

func TestLiveSpans(t *testing.T) {
	bus, rec, unregister := newRecorder(t)
	ctx := context.Background()

	eventbus.Publish(ctx, bus, events.LiveConnected{URL: "https://p.api.sanity.io/v1/data/live/events/production"})
	eventbus.Publish(ctx, bus, events.LiveMessage{ID: "ev-1", Tags: []string{"sanity:a"}})
	eventbus.Publish(ctx, bus, events.LiveRestart{})
	eventbus.Publish(ctx, bus, events.TagsFetched{Key: "k", Tags: []string{"sanity:a"}})
	eventbus.Publish(ctx, bus, events.StrategyChanged{Key: "k", From: "none", To: "tags"})

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"live.connected", "live.message", "live.restart", "groq.tags", "groq.strategy"}, names)

	unregister()
	eventbus.Publish(ctx, bus, events.LiveRestart{})
	require.Len(t, rec.Ended(), 5)
}

func TestFinishWithoutStartIsIgnored(t *testing.T) {
	bus, rec, _ := newRecorder(t)
	eventbus.Publish(context.Background(), bus, events.QueryFinish{FetchID: "nope"})
	eventbus.Publish(context.Background(), bus, events.HTTPFinish{Request: httptest.NewRequest("GET", "/", nil)})
	require.Empty(t, rec.Ended())
}
