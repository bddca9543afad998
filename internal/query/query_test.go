package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	client "github.com/hanpama/groqlive/internal/client"
	comlink "github.com/hanpama/groqlive/internal/comlink"
	config "github.com/hanpama/groqlive/internal/config"
	csm "github.com/hanpama/groqlive/internal/csm"
	detect "github.com/hanpama/groqlive/internal/detect"
	eventbus "github.com/hanpama/groqlive/internal/eventbus"
	events "github.com/hanpama/groqlive/internal/events"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
	live "github.com/hanpama/groqlive/internal/live"
	livequery "github.com/hanpama/groqlive/internal/livequery"
	perspective "github.com/hanpama/groqlive/internal/perspective"
)

const postQuery = `*[_type == "post" && slug.current == $slug][0]{title}`

func okTransport(result string, tags ...string) *client.MockTransport {
	return client.NewMockTransport(client.NewMockResponse(&client.Response{
		Result:   json.RawMessage(result),
		SyncTags: tags,
	}))
}

// mainCalls drops the tag-only requests from a call log.
func mainCalls(calls []client.Call) []client.Call {
	var out []client.Call
	for _, c := range calls {
		if c.Options.Tag != live.TagsRequestTag {
			out = append(out, c)
		}
	}
	return out
}

func TestRunWithoutRevalidation(t *testing.T) {
	tr := okTransport(`{"title":"Hello"}`)
	o := New(Options{Transport: tr})
	q := o.Run(context.Background(), postQuery, map[string]any{"slug": "hello"}, fetchopts.QueryOptions{})
	defer q.Close()

	r := q.Result()
	require.Equal(t, StatusSuccess, r.Status)
	require.False(t, r.Pending)
	require.NoError(t, r.Err)
	require.JSONEq(t, `{"title":"Hello"}`, string(r.Data))
	require.Equal(t, StrategyNone, q.Strategy())

	calls := tr.Calls()
	require.Len(t, calls, 1)
	require.False(t, calls[0].Options.FilterResponse)
	require.True(t, calls[0].Options.ReturnQuery)
	require.Equal(t, map[string]any{"slug": "hello"}, calls[0].Params)
}

func TestRunError(t *testing.T) {
	boom := errors.New("boom")
	o := New(Options{Transport: client.NewMockTransport(client.NewMockError(boom))})
	q := o.Run(context.Background(), postQuery, nil, fetchopts.QueryOptions{})
	defer q.Close()

	r := q.Result()
	require.Equal(t, StatusError, r.Status)
	require.ErrorIs(t, r.Err, boom)
	require.False(t, r.Pending)
}

func TestTagRevalidation(t *testing.T) {
	ctx := context.Background()
	tr := okTransport(`{"title":"v1"}`, "s1:a", "s1:b")
	notifier := live.NewNotifier()
	bus := eventbus.New()
	var mu sync.Mutex
	var finished []events.QueryFinish
	eventbus.Subscribe(bus, func(_ context.Context, e events.QueryFinish) {
		mu.Lock()
		finished = append(finished, e)
		mu.Unlock()
	})

	o := New(Options{
		Transport:   tr,
		Tags:        live.NewChannel(notifier, tr),
		LiveContent: true,
		Server:      true,
		Bus:         bus,
	})
	q := o.Run(ctx, postQuery, map[string]any{"slug": "a"}, fetchopts.QueryOptions{})
	defer q.Close()

	require.Equal(t, StrategyTags, q.Strategy())
	require.Len(t, tr.Calls(), 2)
	require.Equal(t, live.TagsRequestTag, tr.Calls()[0].Options.Tag)
	require.Len(t, mainCalls(tr.Calls()), 1)

	updates := make(chan Result, 8)
	q.Watch(func(r Result) {
		if !r.Pending {
			updates <- r
		}
	})

	t.Run("unrelated tags do not refetch", func(t *testing.T) {
		notifier.Notify([]string{"sanity:s1:zzz"}, "ev-0")
		time.Sleep(20 * time.Millisecond)
		require.Len(t, mainCalls(tr.Calls()), 1)
	})

	t.Run("matching tags refetch with the event id", func(t *testing.T) {
		tr.SetFetch(client.NewMockResponse(&client.Response{Result: json.RawMessage(`{"title":"v2"}`), SyncTags: []string{"s1:a"}}))
		notifier.Notify([]string{"sanity:s1:b"}, "ev-1")

		select {
		case r := <-updates:
			require.JSONEq(t, `{"title":"v2"}`, string(r.Data))
		case <-time.After(2 * time.Second):
			t.Fatal("no refetch")
		}
		calls := mainCalls(tr.Calls())
		require.Len(t, calls, 2)
		require.Equal(t, "ev-1", calls[1].Options.LastLiveEventID)
	})

	mu.Lock()
	require.NotEmpty(t, finished)
	require.Equal(t, q.Key(), finished[0].Key)
	require.Equal(t, 2, finished[0].SyncTags)
	mu.Unlock()
}

func TestTagFetchErrorSurfaces(t *testing.T) {
	boom := errors.New("tags down")
	tr := client.NewMockTransport(client.NewMockError(boom))
	o := New(Options{Transport: tr, Tags: live.NewChannel(live.NewNotifier(), tr), LiveContent: true})
	q := o.Run(context.Background(), postQuery, nil, fetchopts.QueryOptions{})
	defer q.Close()

	require.ErrorIs(t, q.Result().Err, boom)
	require.Len(t, tr.Calls(), 1)
}

func TestSwitchToLive(t *testing.T) {
	ch := comlink.NewMockChannel()
	d := detect.New(detect.Host{Embedded: true}, detect.Options{
		VisualEditing: true,
		Connect:       func(context.Context) (comlink.Channel, error) { return ch, nil },
		Timeout:       time.Minute,
	})
	defer d.Close()

	tr := okTransport(`{"title":"fetched"}`, "s1:a")
	tags := live.NewChannel(live.NewNotifier(), tr)
	o := New(Options{
		Transport:     tr,
		Detector:      d,
		LiveQueries:   livequery.New(d),
		Tags:          tags,
		VisualEditing: true,
		LiveContent:   true,
		Mode:          config.ModeLiveVisualEditing,
		StudioURL:     "https://studio.example.com",
	})
	params := map[string]any{"slug": "a"}
	q := o.Run(context.Background(), postQuery, params, fetchopts.QueryOptions{})
	defer q.Close()
	require.Equal(t, StrategyTags, q.Strategy())
	require.True(t, tags.Tracked(q.Key()))

	require.Eventually(t, func() bool { return d.Channel() != nil }, time.Second, time.Millisecond)
	ch.SetStatus(comlink.StatusConnected)
	require.Eventually(t, func() bool { return q.Strategy() == StrategyLive }, time.Second, time.Millisecond)
	require.False(t, tags.Tracked(q.Key()))
	require.Equal(t, 1, ch.Handlers(livequery.MsgQueryChange))

	sm := &csm.ContentSourceMap{
		Documents: []csm.Document{{ID: "drafts.post-1", Type: "post"}},
		Paths:     []string{"$['title']"},
		Mappings: map[string]csm.Mapping{
			"$['title']": {Type: "value", Source: csm.Source{Type: "documentValue", Document: 0, Path: 0}},
		},
	}
	ch.Emit(livequery.MsgQueryChange, livequery.Change{
		Query:           postQuery,
		Params:          params,
		Result:          json.RawMessage(`{"title":"draft"}`),
		ResultSourceMap: sm,
	})

	r := q.Result()
	require.JSONEq(t, `{"title":"draft"}`, string(r.Data))
	require.Equal(t, StatusSuccess, r.Status)
	require.Equal(t, "id=post-1;type=post;path=title;base=https%3A%2F%2Fstudio.example.com", q.EncodeDataAttribute("title"))
	require.Empty(t, q.EncodeDataAttribute("missing"))
}

func TestPerspectiveChangeRefetches(t *testing.T) {
	store := perspective.NewStore(perspective.NewMemoryJar(), perspective.StoreOptions{VisualEditing: true})
	tr := okTransport(`[]`)
	o := New(Options{
		Transport:     tr,
		Perspective:   store,
		VisualEditing: true,
		Tokens:        fetchopts.Tokens{VisualEditing: "ve"},
	})
	q := o.Run(context.Background(), `*[_type == "post"]`, nil, fetchopts.QueryOptions{})
	defer q.Close()

	first := tr.Calls()[0].Options
	require.Equal(t, perspective.PreviewDrafts, first.Perspective)
	require.Equal(t, "ve", first.Token)
	require.Equal(t, fetchopts.SourceMapWithKeyArraySelector, first.ResultSourceMap)

	store.Set("published")
	require.Eventually(t, func() bool { return len(tr.Calls()) == 2 }, time.Second, time.Millisecond)
	second := tr.Calls()[1].Options
	require.Equal(t, perspective.Published, second.Perspective)
	require.Empty(t, second.Token)
}

func TestPerspectiveChangeRelistens(t *testing.T) {
	store := perspective.NewStore(perspective.NewMemoryJar(), perspective.StoreOptions{VisualEditing: true})
	ch := comlink.NewMockChannel()
	d := detect.New(detect.Host{Embedded: true}, detect.Options{
		VisualEditing: true,
		Connect:       func(context.Context) (comlink.Channel, error) { return ch, nil },
		Timeout:       time.Minute,
	})
	defer d.Close()

	tr := okTransport(`{"title":"fetched"}`)
	o := New(Options{
		Transport:     tr,
		Perspective:   store,
		Detector:      d,
		LiveQueries:   livequery.New(d, livequery.WithPerspective(func() perspective.Perspective { return store.Get("") })),
		VisualEditing: true,
		Mode:          config.ModeLiveVisualEditing,
	})
	params := map[string]any{"slug": "a"}
	q := o.Run(context.Background(), postQuery, params, fetchopts.QueryOptions{})
	defer q.Close()

	require.Eventually(t, func() bool { return d.Channel() != nil }, time.Second, time.Millisecond)
	ch.SetStatus(comlink.StatusConnected)
	require.Eventually(t, func() bool { return q.Strategy() == StrategyLive }, time.Second, time.Millisecond)

	lastListen := func() livequery.ListenRequest {
		var req livequery.ListenRequest
		for _, m := range ch.Posted() {
			if m.Type == livequery.MsgQueryListen {
				req = livequery.ListenRequest{}
				require.NoError(t, json.Unmarshal(m.Data, &req))
			}
		}
		return req
	}
	require.Equal(t, perspective.PreviewDrafts, lastListen().Perspective)

	before := len(tr.Calls())
	store.Set("published")
	require.Eventually(t, func() bool { return lastListen().Perspective == perspective.Published }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return len(tr.Calls()) > before && !q.Result().Pending
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, ch.Handlers(livequery.MsgQueryChange))

	ch.Emit(livequery.MsgQueryChange, livequery.Change{
		Query:       postQuery,
		Params:      params,
		Perspective: perspective.PreviewDrafts,
		Result:      json.RawMessage(`{"title":"draft"}`),
	})
	require.JSONEq(t, `{"title":"fetched"}`, string(q.Result().Data))

	ch.Emit(livequery.MsgQueryChange, livequery.Change{
		Query:       postQuery,
		Params:      params,
		Perspective: perspective.Published,
		Result:      json.RawMessage(`{"title":"published"}`),
	})
	require.JSONEq(t, `{"title":"published"}`, string(q.Result().Data))
}

func TestRestartRefetchesUntaggedQueries(t *testing.T) {
	notifier := live.NewNotifier()
	tr := okTransport(`{"title":"v1"}`)
	tags := live.NewChannel(notifier, tr)
	o := New(Options{Transport: tr, Tags: tags, LiveContent: true, Server: true})
	q := o.Run(context.Background(), postQuery, nil, fetchopts.QueryOptions{})
	defer q.Close()
	require.Equal(t, StrategyTags, q.Strategy())
	require.Len(t, mainCalls(tr.Calls()), 1)

	notifier.Notify([]string{"sanity:s1:a"}, "ev-1")
	time.Sleep(20 * time.Millisecond)
	require.Len(t, mainCalls(tr.Calls()), 1)

	tr.SetFetch(client.NewMockResponse(&client.Response{Result: json.RawMessage(`{"title":"v2"}`)}))
	notifier.Restart()
	require.Eventually(t, func() bool {
		return len(mainCalls(tr.Calls())) == 2 && !q.Result().Pending
	}, time.Second, time.Millisecond)
	require.JSONEq(t, `{"title":"v2"}`, string(q.Result().Data))
}

func TestStaleResultsAreDropped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tr := client.NewMockTransport(func(ctx context.Context, _ string, params map[string]any, _ fetchopts.FetchOptions) (*client.Response, error) {
		if params["slug"] == "slow" {
			started <- struct{}{}
			<-release
			return &client.Response{Result: json.RawMessage(`"slow"`)}, nil
		}
		return &client.Response{Result: json.RawMessage(`"fast"`)}, nil
	})
	o := New(Options{Transport: tr})
	q := o.Run(context.Background(), postQuery, map[string]any{"slug": "fast"}, fetchopts.QueryOptions{})
	defer q.Close()
	key := q.Key()

	done := make(chan Result)
	go func() { done <- q.SetParams(context.Background(), map[string]any{"slug": "slow"}) }()
	<-started
	r := q.SetParams(context.Background(), map[string]any{"slug": "fast"})
	require.Equal(t, `"fast"`, string(r.Data))

	close(release)
	<-done
	require.Equal(t, `"fast"`, string(q.Result().Data))
	require.Equal(t, key, q.Key())
}

func TestClose(t *testing.T) {
	notifier := live.NewNotifier()
	tr := okTransport(`1`, "x")
	store := perspective.NewStore(perspective.NewMemoryJar(), perspective.StoreOptions{VisualEditing: true})
	tags := live.NewChannel(notifier, tr)
	o := New(Options{Transport: tr, Tags: tags, LiveContent: true, Perspective: store})
	q := o.Run(context.Background(), postQuery, nil, fetchopts.QueryOptions{})

	var seen []Result
	q.Watch(func(r Result) { seen = append(seen, r) })

	q.Close()
	q.Close()
	require.False(t, tags.Tracked(q.Key()))
	require.Equal(t, 0, notifier.Len())

	before := len(tr.Calls())
	store.Set("published")
	notifier.Notify([]string{"sanity:x"}, "ev")
	r := q.Execute(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Len(t, tr.Calls(), before)
	require.Empty(t, seen)
	if diff := cmp.Diff(StatusSuccess, r.Status); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
}
