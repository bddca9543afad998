// Package detect decides, once per session, whether the site is running
// inside the editing tool (embedded in an iframe or opened as a window) or
// standalone.
package detect

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	comlink "github.com/hanpama/groqlive/internal/comlink"
	perspective "github.com/hanpama/groqlive/internal/perspective"
)

// Environment is the detected preview environment.
type Environment string

const (
	Checking           Environment = "checking"
	PresentationIframe Environment = "presentation-iframe"
	PresentationWindow Environment = "presentation-window"
	Live               Environment = "live"
	Static             Environment = "static"
	Unknown            Environment = "unknown"
)

// InPresentation reports whether e means the editing tool is attached.
func (e Environment) InPresentation() bool {
	return e == PresentationIframe || e == PresentationWindow
}

// Terminal reports whether e is a final state.
func (e Environment) Terminal() bool { return e != Checking }

// DefaultTimeout bounds the handshake with the editing tool.
const DefaultTimeout = 5 * time.Second

// Host describes where the site is running.
type Host struct {
	// Server is true while rendering on the server. The detector then
	// reports Unknown without doing any work.
	Server bool
	// Embedded is true when the page is framed by another window.
	Embedded bool
	// Opener is true when the page was opened by another window.
	Opener bool
}

// Candidate reports whether the page might be running inside the editing
// tool.
func (h Host) Candidate() bool { return h.Embedded || h.Opener }

// Connector opens the message channel to the editing tool.
type Connector func(ctx context.Context) (comlink.Channel, error)

// Options configures a Detector.
type Options struct {
	VisualEditing bool
	// LiveBrowserToken is the browser-usable Live Content API token.
	LiveBrowserToken string

	Timeout time.Duration
	Connect Connector

	// Perspective receives perspective changes sent by the editing tool.
	Perspective *perspective.Store

	Logger *slog.Logger
}

// Detector is the preview-environment state machine. It starts in Checking
// and moves exactly once to a terminal state.
type Detector struct {
	host Host
	opts Options

	mu        sync.Mutex
	env       Environment
	listeners map[int]func(Environment)
	nextID    int
	ch        comlink.Channel
	unsubs    []func()
	timer     *time.Timer
	cancel    context.CancelFunc
	closed    bool
}

// New creates a Detector and starts detection. Non-candidate pages resolve
// before New returns; candidates resolve when the handshake completes or the
// timeout fires.
func New(host Host, opts Options) *Detector {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Detector{
		host:      host,
		opts:      opts,
		env:       Checking,
		listeners: make(map[int]func(Environment)),
	}
	switch {
	case host.Server:
		d.env = Unknown
	case host.Candidate() && opts.Connect != nil:
		d.startHandshake()
	default:
		d.env = d.staticEnvironment()
	}
	return d
}

// Environment returns the current state.
func (d *Detector) Environment() Environment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.env
}

// InPresentation reports whether the editing tool is attached.
func (d *Detector) InPresentation() bool {
	if d == nil {
		return false
	}
	return d.Environment().InPresentation()
}

// OnResolve registers fn to run when the detector reaches its terminal state.
// If it already has, fn runs immediately.
func (d *Detector) OnResolve(fn func(Environment)) (unsubscribe func()) {
	d.mu.Lock()
	if d.env.Terminal() {
		env := d.env
		d.mu.Unlock()
		fn(env)
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}

// Close tears down the message channel and the timer. It is safe to call
// more than once.
func (d *Detector) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	ch, unsubs, timer, cancel := d.ch, d.unsubs, d.timer, d.cancel
	d.ch, d.unsubs, d.timer, d.cancel = nil, nil, nil, nil
	d.listeners = make(map[int]func(Environment))
	d.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	for _, u := range unsubs {
		u()
	}
	if ch != nil {
		_ = ch.Close()
	}
}

func (d *Detector) staticEnvironment() Environment {
	switch {
	case d.opts.VisualEditing && d.opts.LiveBrowserToken != "":
		return Live
	case d.opts.VisualEditing:
		return Static
	default:
		return Unknown
	}
}

func (d *Detector) startHandshake() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.timer = time.AfterFunc(d.opts.Timeout, func() {
		d.opts.Logger.Info("editing tool handshake timed out", "timeout", d.opts.Timeout)
		d.resolve(Live)
	})
	go d.connect(ctx)
}

func (d *Detector) connect(ctx context.Context) {
	ch, err := d.opts.Connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.opts.Logger.Warn("could not reach editing tool", "error", err)
			d.resolve(Live)
		}
		return
	}

	unsubPerspective := ch.On("presentation/perspective", d.handlePerspective)

	d.mu.Lock()
	if d.closed || d.env.Terminal() {
		d.mu.Unlock()
		unsubPerspective()
		_ = ch.Close()
		return
	}
	d.ch = ch
	d.unsubs = append(d.unsubs, unsubPerspective)
	d.mu.Unlock()

	unsubStatus := ch.OnStatus(func(s comlink.Status) {
		if s != comlink.StatusConnected {
			return
		}
		if d.host.Opener && !d.host.Embedded {
			d.resolve(PresentationWindow)
		} else {
			d.resolve(PresentationIframe)
		}
	})

	d.mu.Lock()
	owned := !d.closed && d.ch == ch
	if owned {
		d.unsubs = append(d.unsubs, unsubStatus)
	}
	d.mu.Unlock()
	if !owned {
		unsubStatus()
	}
}

func (d *Detector) handlePerspective(data json.RawMessage) {
	if d.opts.Perspective == nil {
		return
	}
	var msg struct {
		Perspective json.RawMessage `json:"perspective"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		d.opts.Logger.Warn("malformed perspective message", "error", err)
		return
	}
	var one string
	if err := json.Unmarshal(msg.Perspective, &one); err == nil {
		d.opts.Perspective.Set(one)
		return
	}
	var stack []string
	if err := json.Unmarshal(msg.Perspective, &stack); err == nil {
		p, err := perspective.FromStack(stack)
		if err != nil {
			d.opts.Logger.Warn("ignoring invalid perspective stack", "stack", stack, "error", err)
			return
		}
		d.opts.Perspective.Set(string(p))
		return
	}
	d.opts.Logger.Warn("malformed perspective message", "data", string(data))
}

// resolve moves to env if still checking. Later calls are ignored.
func (d *Detector) resolve(env Environment) {
	d.mu.Lock()
	if d.env.Terminal() || d.closed {
		d.mu.Unlock()
		return
	}
	d.env = env
	timer := d.timer
	d.timer = nil
	var ch comlink.Channel
	var unsubs []func()
	if !env.InPresentation() {
		ch, unsubs = d.ch, d.unsubs
		d.ch, d.unsubs = nil, nil
	}
	fns := make([]func(Environment), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.listeners = make(map[int]func(Environment))
	d.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, u := range unsubs {
		u()
	}
	if ch != nil {
		_ = ch.Close()
	}
	d.opts.Logger.Debug("preview environment resolved", "environment", env)
	for _, fn := range fns {
		fn(env)
	}
}

// Channel returns the message channel while the editing tool is attached.
func (d *Detector) Channel() comlink.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch
}
