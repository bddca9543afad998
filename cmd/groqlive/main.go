package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	app "github.com/hanpama/groqlive/internal/app"
	comlink "github.com/hanpama/groqlive/internal/comlink"
	config "github.com/hanpama/groqlive/internal/config"
	detect "github.com/hanpama/groqlive/internal/detect"
	fetchopts "github.com/hanpama/groqlive/internal/fetchopts"
	live "github.com/hanpama/groqlive/internal/live"
	otel "github.com/hanpama/groqlive/internal/otel"
	perspective "github.com/hanpama/groqlive/internal/perspective"
	portabletext "github.com/hanpama/groqlive/internal/portabletext"
	query "github.com/hanpama/groqlive/internal/query"
	server "github.com/hanpama/groqlive/internal/server"
	store "github.com/hanpama/groqlive/internal/store"
)

const rootUsage = `groqlive - GROQ content client with live preview

USAGE:
  groqlive <command> [flags]

COMMANDS:
  serve            Run the preview server and the live event stream
  query            Run a GROQ query and print the result as JSON
  watch            Run a GROQ query and print every new result as a JSON line
  render           Render portable text blocks as HTML or markdown
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>               YAML configuration file
  -server.addr <addr>          HTTP listen address (default: :8080)
  -server.pretty               Pretty-print JSON responses
  -server.timeout <duration>   Per-request timeout, e.g. 10s (default: 30s)
  -store.path <file>           SQLite file for live event ids (default: none)
  -store.retention <duration>  Drop stored event ids older than this (default: 168h)
  -otel.endpoint <addr>        OTLP collector endpoint
  -otel.service <name>         OpenTelemetry service name (default: groqlive)
  -log.level <level>           debug, info, warn or error (default: info)
`

const queryUsage = `query FLAGS:
  -config <file>               YAML configuration file
  -q <groq>                    Query text (required)
  -param <name=value>          Query parameter, value parsed as JSON when
                               possible. Repeatable
  -perspective <name>          published, previewDrafts, raw or a release stack
  -client <name>               Named client (default: default)
`

const watchUsage = `watch FLAGS:
  -config <file>               YAML configuration file
  -q <groq>                    Query text (required)
  -param <name=value>          Query parameter, value parsed as JSON when
                               possible. Repeatable
  -perspective <name>          published, previewDrafts, raw or a release stack
  -client <name>               Named client (default: default)
  -presentation <url>          WebSocket URL of the presentation tool. Results
                               then follow its snapshots
  -log.level <level>           debug, info, warn or error (default: info)
`

const renderUsage = `render FLAGS:
  -in <file>                   Portable text JSON array (default: stdin)
  -format <html|markdown>      Output format (default: html)
  -sanitize                    Sanitize HTML output
  -dev                         Log blocks without a serializer
`

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("groqlive", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "query":
		return cmdQuery(cmdArgs)
	case "watch":
		return cmdWatch(cmdArgs)
	case "render":
		return cmdRender(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "query":
		fmt.Fprint(stdout, queryUsage)
	case "watch":
		fmt.Fprint(stdout, watchUsage)
	case "render":
		fmt.Fprint(stdout, renderUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type paramFlag map[string]any

func (p paramFlag) String() string { return "" }

func (p paramFlag) Set(v string) error {
	name, raw, ok := strings.Cut(v, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("invalid param %q", v)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	p[name] = val
	return nil
}

// loadConfig reads path (if any), then overlays the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func cmdServe(args []string) error {
	cfgPath := ""
	addr := ""
	pretty := false
	var timeout time.Duration
	storePath := ""
	retention := 7 * 24 * time.Hour
	otelEndpoint := ""
	otelService := ""
	logLevel := ""

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", cfgPath, "YAML configuration file")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.StringVar(&storePath, "store.path", storePath, "SQLite file for live event ids")
	fs.DurationVar(&retention, "store.retention", retention, "Stored event id retention")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	// Flags override file and environment values.
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if timeout > 0 {
		cfg.Server.Timeout = timeout
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if otelEndpoint != "" {
		cfg.Otel.Endpoint = otelEndpoint
	}
	if otelService != "" {
		cfg.Otel.Service = otelService
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := newLogger(cfg.SlogLevel())
	slog.SetDefault(logger)
	if err := cfg.Check(logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appOpts := []app.Option{app.WithLogger(logger)}
	if cfg.Store.Path != "" {
		st, err := store.Open(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		go pruneLoop(ctx, st, retention, logger)
		appOpts = append(appOpts, app.WithEventIDStore(st))
	}
	a := app.New(cfg, appOpts...)

	shutdown, err := otel.Setup(a.Bus(), cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if cfg.LiveContent.Enabled {
		streams, err := a.Streams()
		if err != nil {
			return fmt.Errorf("live stream: %w", err)
		}
		for name, stream := range streams {
			go startStream(ctx, stream, logger.With("client", name))
		}
	}

	sopts := []server.Option{
		server.WithLogger(logger),
		server.WithPreviewSecret(cfg.Server.PreviewSecret),
	}
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if cfg.Server.Timeout > 0 {
		sopts = append(sopts, server.WithTimeout(cfg.Server.Timeout))
	}
	if cfg.Server.MaxBodyBytes > 0 {
		sopts = append(sopts, server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	}
	if len(cfg.Server.CORS) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORS...))
	}
	// The handler is not closed on shutdown so the event ids of its shared
	// queries survive a restart.
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(a, sopts...),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("preview server listening", "addr", cfg.Server.Addr, "live", cfg.LiveContent.Enabled)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func startStream(ctx context.Context, stream *live.Stream, logger *slog.Logger) {
	if err := stream.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("live stream stopped", "error", err)
	}
}

func pruneLoop(ctx context.Context, st *store.Store, retention time.Duration, logger *slog.Logger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		n, err := st.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to prune live event ids", "error", err)
		} else if n > 0 {
			logger.Debug("pruned live event ids", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func cmdQuery(args []string) error {
	cfgPath := ""
	text := ""
	persp := ""
	clientName := ""
	params := paramFlag{}

	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", cfgPath, "YAML configuration file")
	fs.StringVar(&text, "q", text, "Query text")
	fs.Var(params, "param", "Query parameter")
	fs.StringVar(&persp, "perspective", persp, "Perspective")
	fs.StringVar(&clientName, "client", clientName, "Named client")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, queryUsage)
		return err
	}
	if text == "" {
		fmt.Fprint(os.Stderr, queryUsage)
		return fmt.Errorf("-q is required")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.SlogLevel())
	if err := cfg.Check(logger); err != nil {
		return err
	}
	var qopts fetchopts.QueryOptions
	if persp != "" {
		p, err := perspective.Parse(persp)
		if err != nil {
			return err
		}
		qopts.Perspective = p
	}

	a := app.New(cfg, app.WithLogger(logger))
	sess, err := a.NewSession(app.SessionOptions{Client: clientName, Host: detect.Host{Server: true}, OneShot: true})
	if err != nil {
		return err
	}
	defer sess.Close()

	res := sess.Query(context.Background(), text, params, qopts).Result()
	if res.Status == query.StatusError {
		return fmt.Errorf("query: %w", res.Err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, res.Data, "", "  "); err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	out.WriteByte('\n')
	_, err = stdout.Write(out.Bytes())
	return err
}

func cmdWatch(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watch(ctx, args)
}

// watch keeps a query open until ctx ends. Results follow live events when
// live content is enabled, and presentation snapshots once the tool at
// -presentation completes its handshake.
func watch(ctx context.Context, args []string) error {
	cfgPath := ""
	text := ""
	persp := ""
	clientName := ""
	presentation := ""
	logLevel := ""
	params := paramFlag{}

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&cfgPath, "config", cfgPath, "YAML configuration file")
	fs.StringVar(&text, "q", text, "Query text")
	fs.Var(params, "param", "Query parameter")
	fs.StringVar(&persp, "perspective", persp, "Perspective")
	fs.StringVar(&clientName, "client", clientName, "Named client")
	fs.StringVar(&presentation, "presentation", presentation, "Presentation tool WebSocket URL")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, watchUsage)
		return err
	}
	if text == "" {
		fmt.Fprint(os.Stderr, watchUsage)
		return fmt.Errorf("-q is required")
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := newLogger(cfg.SlogLevel())
	if err := cfg.Check(logger); err != nil {
		return err
	}
	var qopts fetchopts.QueryOptions
	if persp != "" {
		p, err := perspective.Parse(persp)
		if err != nil {
			return err
		}
		qopts.Perspective = p
	}

	a := app.New(cfg, app.WithLogger(logger))
	sopts := app.SessionOptions{Client: clientName}
	if presentation != "" {
		sopts.Host.Embedded = true
		sopts.Connect = func(ctx context.Context) (comlink.Channel, error) {
			return comlink.Dial(ctx, presentation, comlink.NodeLoaders, comlink.PeerPresentation, comlink.WithLogger(logger))
		}
	}
	sess, err := a.NewSession(sopts)
	if err != nil {
		return err
	}
	defer sess.Close()

	if cfg.LiveContent.Enabled {
		stream, err := a.Stream(clientName)
		if err != nil {
			return fmt.Errorf("live stream: %w", err)
		}
		go startStream(ctx, stream, logger)
	}

	var mu sync.Mutex
	emit := func(r query.Result) {
		mu.Lock()
		defer mu.Unlock()
		if r.Status == query.StatusError {
			logger.Error("query failed", "error", r.Err)
			return
		}
		var out bytes.Buffer
		if err := json.Compact(&out, r.Data); err != nil {
			logger.Error("failed to format result", "error", err)
			return
		}
		out.WriteByte('\n')
		_, _ = stdout.Write(out.Bytes())
	}

	q := sess.Query(ctx, text, params, qopts)
	unwatch := q.Watch(func(r query.Result) {
		if !r.Pending {
			emit(r)
		}
	})
	defer unwatch()
	emit(q.Result())

	<-ctx.Done()
	return nil
}

func cmdRender(args []string) error {
	in := ""
	format := "html"
	sanitize := false
	dev := false

	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&in, "in", in, "Portable text JSON file")
	fs.StringVar(&format, "format", format, "Output format")
	fs.BoolVar(&sanitize, "sanitize", sanitize, "Sanitize HTML output")
	fs.BoolVar(&dev, "dev", dev, "Log blocks without a serializer")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, renderUsage)
		return err
	}

	var data []byte
	var err error
	if in == "" || in == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(in)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	blocks, err := portabletext.Parse(data)
	if err != nil {
		return err
	}

	r := portabletext.New(portabletext.WithDev(dev), portabletext.WithLogger(newLogger(slog.LevelInfo)))
	var out string
	switch format {
	case "html":
		out, err = r.RenderHTML(blocks)
		if err == nil && sanitize {
			out = portabletext.Sanitize(out)
		}
	case "markdown", "md":
		out, err = r.RenderMarkdown(blocks)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	_, err = fmt.Fprintln(stdout, out)
	return err
}
