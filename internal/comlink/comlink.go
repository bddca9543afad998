// Package comlink is a small bidirectional message channel between the site
// and the editing tool that embeds it. Messages are JSON envelopes carried
// over a WebSocket; a three-way handshake establishes the connection.
package comlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Well-known node names.
const (
	PeerPresentation  = "presentation"
	NodeVisualEditing = "visual-editing"
	NodeLoaders       = "loaders"
)

// Handshake message types.
const (
	typeSyn    = "handshake/syn"
	typeSynAck = "handshake/syn-ack"
	typeAck    = "handshake/ack"
)

// Status is the connection state of a node.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusHandshaking  Status = "handshaking"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Message is the wire envelope.
type Message struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	To   string          `json:"to"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Channel is the part of a node consumers depend on.
type Channel interface {
	Post(typ string, data any) error
	On(typ string, fn func(data json.RawMessage)) (unsubscribe func())
	OnStatus(fn func(Status)) (unsubscribe func())
	Close() error
}

// Node is one end of a channel.
type Node struct {
	name string
	peer string
	conn *websocket.Conn
	opts *Options

	writeMu sync.Mutex

	mu        sync.Mutex
	status    Status
	handlers  map[string]map[int]func(json.RawMessage)
	statusFns map[int]func(Status)
	nextID    int
	seq       int

	closeOnce sync.Once
	done      chan struct{}
}

var _ Channel = (*Node)(nil)

// Dial connects to the peer at rawURL and starts the handshake. The returned
// node reports StatusConnected once the peer acknowledges.
func Dial(ctx context.Context, rawURL, name, peer string, opts ...Option) (*Node, error) {
	o := buildOptions(opts)
	conn, _, err := o.Dialer.DialContext(ctx, rawURL, o.Header)
	if err != nil {
		return nil, fmt.Errorf("comlink: dial %s: %w", rawURL, err)
	}
	n := newNode(conn, name, peer, o)
	go n.readLoop()
	n.setStatus(StatusHandshaking)
	if err := n.send(typeSyn, nil); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request and waits for the remote side to start the
// handshake.
func Accept(w http.ResponseWriter, r *http.Request, name, peer string, opts ...Option) (*Node, error) {
	o := buildOptions(opts)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("comlink: upgrade: %w", err)
	}
	n := newNode(conn, name, peer, o)
	go n.readLoop()
	return n, nil
}

func newNode(conn *websocket.Conn, name, peer string, o *Options) *Node {
	return &Node{
		name:      name,
		peer:      peer,
		conn:      conn,
		opts:      o,
		status:    StatusIdle,
		handlers:  make(map[string]map[int]func(json.RawMessage)),
		statusFns: make(map[int]func(Status)),
		done:      make(chan struct{}),
	}
}

// Name returns the node's own identity.
func (n *Node) Name() string { return n.name }

// Status returns the current connection state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Done is closed when the connection ends.
func (n *Node) Done() <-chan struct{} { return n.done }

// Post sends a message of the given type to the peer.
func (n *Node) Post(typ string, data any) error {
	select {
	case <-n.done:
		return ErrClosed
	default:
	}
	return n.send(typ, data)
}

// On registers fn for messages of type typ.
func (n *Node) On(typ string, fn func(json.RawMessage)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.handlers[typ] == nil {
		n.handlers[typ] = make(map[int]func(json.RawMessage))
	}
	n.handlers[typ][id] = fn
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers[typ], id)
			if len(n.handlers[typ]) == 0 {
				delete(n.handlers, typ)
			}
			n.mu.Unlock()
		})
	}
}

// OnStatus registers fn for status changes. If the node has already left the
// idle state fn is called with the current status right away.
func (n *Node) OnStatus(fn func(Status)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.statusFns[id] = fn
	current := n.status
	n.mu.Unlock()
	if current != StatusIdle {
		fn(current)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.statusFns, id)
			n.mu.Unlock()
		})
	}
}

// Close ends the connection. It is safe to call more than once.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.writeMu.Lock()
		_ = n.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		n.writeMu.Unlock()
		err = n.conn.Close()
	})
	return err
}

func (n *Node) send(typ string, data any) error {
	msg := Message{Type: typ, From: n.name, To: n.peer}
	n.mu.Lock()
	n.seq++
	msg.ID = fmt.Sprintf("%s-%d", n.name, n.seq)
	n.mu.Unlock()
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("comlink: encode %s: %w", typ, err)
		}
		msg.Data = b
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if n.opts.WriteTimeout > 0 {
		_ = n.conn.SetWriteDeadline(time.Now().Add(n.opts.WriteTimeout))
	}
	if err := n.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("comlink: write %s: %w", typ, err)
	}
	return nil
}

func (n *Node) readLoop() {
	defer func() {
		n.setStatus(StatusDisconnected)
		close(n.done)
	}()
	for {
		var msg Message
		if err := n.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.opts.Logger.Debug("comlink read ended", "node", n.name, "error", err)
			}
			return
		}
		if msg.From != n.peer || (msg.To != "" && msg.To != n.name) {
			n.opts.Logger.Warn("comlink dropped message from unexpected node",
				"node", n.name, "from", msg.From, "to", msg.To, "type", msg.Type)
			continue
		}
		n.handle(msg)
	}
}

func (n *Node) handle(msg Message) {
	switch msg.Type {
	case typeSyn:
		n.setStatus(StatusHandshaking)
		if err := n.send(typeSynAck, nil); err != nil {
			n.opts.Logger.Warn("comlink handshake reply failed", "node", n.name, "error", err)
		}
		return
	case typeSynAck:
		if err := n.send(typeAck, nil); err != nil {
			n.opts.Logger.Warn("comlink handshake ack failed", "node", n.name, "error", err)
			return
		}
		n.setStatus(StatusConnected)
		return
	case typeAck:
		n.setStatus(StatusConnected)
		return
	}

	n.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(n.handlers[msg.Type]))
	for _, fn := range n.handlers[msg.Type] {
		hs = append(hs, fn)
	}
	n.mu.Unlock()
	for _, fn := range hs {
		fn(msg.Data)
	}
}

func (n *Node) setStatus(s Status) {
	n.mu.Lock()
	if n.status == s || n.status == StatusDisconnected {
		n.mu.Unlock()
		return
	}
	n.status = s
	fns := make([]func(Status), 0, len(n.statusFns))
	for _, fn := range n.statusFns {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Options configures a node.
type Options struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type Option func(*Options)

func WithDialer(d *websocket.Dialer) Option   { return func(o *Options) { o.Dialer = d } }
func WithHeader(h http.Header) Option         { return func(o *Options) { o.Header = h } }
func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }
func WithLogger(l *slog.Logger) Option        { return func(o *Options) { o.Logger = l } }

func buildOptions(opts []Option) *Options {
	o := &Options{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 5 * time.Second,
	}
	for _, f := range opts {
		f(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
