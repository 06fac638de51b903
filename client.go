// Package resclient implements the client side of the RES protocol: a JSON
// message protocol over a single WebSocket connection that synchronizes
// live, reference linked resources between a gateway and this process.
package resclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

const (
	defaultNamespace           = "resclient"
	defaultSubscribeStaleDelay = 2 * time.Second
	defaultReconnectDelay      = 3 * time.Second

	supportedProtocol = "1.2.1"
	legacyProtocol    = 10101 // 1.1.1, gateways that predate the version handshake
)

// ConnectState is the client's connection state.
type ConnectState byte

const (
	StateDisconnected ConnectState = iota
	StateConnecting
	StateConnected
)

// OnConnectHandler runs after every successful transport open, before the
// connect promise resolves and before stale resources are resubscribed.
// Returning an error closes the transport and triggers another reconnect
// cycle. Typically used to authenticate the connection.
type OnConnectHandler func(c *Client) error

// Option configures a Client.
type Option func(*Client)

// WithOnConnect installs the handler invoked on every connection open.
func WithOnConnect(h OnConnectHandler) Option {
	return func(c *Client) { c.onConnect = h }
}

// WithNamespace overrides the event bus namespace, default "resclient".
func WithNamespace(ns string) Option {
	return func(c *Client) { c.namespace = ns }
}

// WithEventBus overrides the process wide shared event bus.
func WithEventBus(bus EventBus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithLogWriter enables logging to the given writer.
func WithLogWriter(w io.Writer) Option {
	return func(c *Client) { c.logger = newWriterLogger(w) }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader sets extra headers sent on every dial.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithConnParams replaces the dial parameter source entirely, so URL and
// headers can be resolved per connection.
func WithConnParams(getter OpenConnectionParamsGetter) Option {
	return func(c *Client) { c.connParams = getter }
}

// WithSubscribeStaleDelay overrides the delay before a stale resource is
// resubscribed.
func WithSubscribeStaleDelay(d time.Duration) Option {
	return func(c *Client) { c.subscribeStaleDelay = d }
}

// WithReconnectDelay overrides the delay before reconnecting after a lost
// connection.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

type emission struct {
	event string
	data  any
}

// Client is a RES protocol client. It maintains a reference counted cache
// of materialized resources, keeps it consistent with the gateway through
// server pushed events, and multiplexes method calls onto the single
// connection.
//
// The cache, stale set and request table are owned by the client and
// mutated only under its mutex; user visible events are flushed to the bus
// after the mutating turn completes, in emission order.
type Client struct {
	mu sync.Mutex

	logger    logger
	namespace string
	bus       EventBus

	dialer     *websocket.Dialer
	header     http.Header
	connParams OpenConnectionParamsGetter
	dialFn     func(ctx context.Context) (connection, error)

	onConnect           OnConnectHandler
	subscribeStaleDelay time.Duration
	reconnectDelay      time.Duration

	cache   map[string]*cacheItem
	stale   map[string]struct{}
	pending map[uint64]*pendingRequest
	nextID  uint64
	sendq   *queue.Queue

	modelTypes      *typeList
	collectionTypes *typeList

	conn           connection
	ready          bool
	state          ConnectState
	attempt        *connectAttempt
	tryConnect     bool
	reconnectTimer *time.Timer
	protocol       int

	emitq []emission
}

// New creates a RES client for the given host URL. No connection is opened
// until Connect is called or a request needs one.
func New(hostURL string, opts ...Option) *Client {
	c := &Client{
		logger:              noopLogger{},
		namespace:           defaultNamespace,
		bus:                 DefaultEventBus,
		dialer:              websocket.DefaultDialer,
		subscribeStaleDelay: defaultSubscribeStaleDelay,
		reconnectDelay:      defaultReconnectDelay,
		cache:               make(map[string]*cacheItem),
		stale:               make(map[string]struct{}),
		pending:             make(map[uint64]*pendingRequest),
		sendq:               queue.New(),
		protocol:            legacyProtocol,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("lib", "resclient")
	if c.connParams == nil {
		c.connParams = staticConnectionParams(hostURL, c.header)
	}
	c.modelTypes = newTypeList(NewModel)
	c.collectionTypes = newTypeList(NewCollection)
	c.dialFn = func(ctx context.Context) (connection, error) {
		params, err := newOpenConnectionParamsRepo(c.logger, c.connParams).get(ctx)
		if err != nil {
			return nil, err
		}
		return dialWs(c.dialer, params, c.logger)
	}
	return c
}

// RegisterModelType maps a RID pattern ("*" one token, ">" rest) to a model
// factory.
func (c *Client) RegisterModelType(pattern string, f ResourceFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelTypes.addFactory(pattern, f)
}

// UnregisterModelType removes a model factory pattern, returning the
// factory or nil.
func (c *Client) UnregisterModelType(pattern string) ResourceFactory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelTypes.removeFactory(pattern)
}

// RegisterCollectionType maps a RID pattern to a collection factory.
func (c *Client) RegisterCollectionType(pattern string, f ResourceFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectionTypes.addFactory(pattern, f)
}

// UnregisterCollectionType removes a collection factory pattern, returning
// the factory or nil.
func (c *Client) UnregisterCollectionType(pattern string) ResourceFactory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectionTypes.removeFactory(pattern)
}

// SupportedProtocol returns the RES protocol version this client speaks.
func (c *Client) SupportedProtocol() string { return supportedProtocol }

// State returns the current connection state.
func (c *Client) State() ConnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection unless one is already open or opening, and
// waits for it to be ready.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	at := c.connectLocked()
	c.unlockAndFlush()

	select {
	case <-at.done:
		return at.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and disables reconnection. A pending
// connect is rejected with a disconnect error. Cached resources with
// listeners stay cached and turn stale.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.tryConnect = false
	c.state = StateDisconnected
	if t := c.reconnectTimer; t != nil {
		t.Stop()
		c.reconnectTimer = nil
	}
	if at := c.attempt; at != nil {
		c.attempt = nil
		at.err = newDisconnectError()
		close(at.done)
	}
	conn := c.conn
	if conn == nil {
		// No connection to tear down; settle whatever was queued on the
		// aborted connect here.
		c.rejectPendingLocked(newDisconnectError())
	}
	c.unlockAndFlush()

	if conn != nil {
		conn.close()
	}
}

// connectLocked starts a connect attempt if none is running.
func (c *Client) connectLocked() *connectAttempt {
	c.tryConnect = true
	if c.attempt != nil {
		return c.attempt
	}
	at := &connectAttempt{done: make(chan struct{})}
	c.attempt = at
	c.state = StateConnecting
	go c.runConnect(at)
	return at
}

// runConnect drives one connect cycle: dial, version handshake, OnConnect
// hook, stale resubscription, queue flush. Any failure after the dial
// closes the transport, which settles the attempt through the disconnect
// path.
func (c *Client) runConnect(at *connectAttempt) {
	ctx := context.Background()

	conn, err := c.dialFn(ctx)
	if err != nil {
		c.mu.Lock()
		if c.attempt == at {
			c.attempt = nil
			c.state = StateDisconnected
			at.err = newConnectionError(err)
			close(at.done)
			// Everything queued was waiting on this connect.
			c.rejectPendingLocked(newConnectionError(err))
			c.emit(c.eventName("close"), err)
			c.scheduleReconnectLocked()
		}
		c.unlockAndFlush()
		return
	}

	c.mu.Lock()
	if c.attempt != at {
		// Disconnected while dialing.
		c.mu.Unlock()
		conn.close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	conn.start(c.handleFrame, func(reason error) {
		c.handleDisconnect(conn, reason)
	})

	// Version handshake. A gateway that rejects it is treated as legacy.
	res, err := c.requestOn(ctx, conn, "version", versionParams{Protocol: supportedProtocol})
	protocol := legacyProtocol
	if err != nil {
		var rerr *ResError
		if !errors.As(err, &rerr) {
			conn.close()
			return
		}
	} else if raw, ok := res.(json.RawMessage); ok && len(raw) > 0 {
		var vr versionResult
		if jerr := json.Unmarshal(raw, &vr); jerr == nil {
			if v := versionToInt(vr.Protocol); v > 0 {
				protocol = v
			}
		}
	}

	c.mu.Lock()
	if c.attempt != at || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.protocol = protocol
	// Mark the transport usable before the hook runs, so calls issued from
	// within it are sent directly instead of queued behind the attempt.
	c.ready = true
	c.mu.Unlock()

	if c.onConnect != nil {
		if err := c.onConnect(c); err != nil {
			c.logger.Errorf("onConnect failed: %s", err)
			conn.close()
			return
		}
	}

	c.mu.Lock()
	if c.attempt != at || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.subscribeToAllStaleLocked()
	frames := c.flushQueueLocked()
	c.attempt = nil
	c.emit(c.eventName("connect"), nil)
	close(at.done)
	c.unlockAndFlush()

	for _, frame := range frames {
		if err := conn.send(frame); err != nil {
			return
		}
	}
}

func (c *Client) eventName(ev string) string {
	return c.namespace + "." + ev
}

func (c *Client) resourceEventName(rid, ev string) string {
	return c.namespace + ".resource." + rid + "." + ev
}

// emit queues a user visible event; the queue is flushed to the bus after
// the current turn releases the mutex, preserving emission order.
func (c *Client) emit(event string, data any) {
	c.emitq = append(c.emitq, emission{event: event, data: data})
}

func (c *Client) unlockAndFlush() {
	ems := c.emitq
	c.emitq = nil
	c.mu.Unlock()
	for _, e := range ems {
		c.bus.Emit(e.event, e.data)
	}
}

// versionToInt converts "1.2.1" to 10201. Unparsable versions yield 0.
func versionToInt(v string) int {
	if v == "" {
		return 0
	}
	out := 0
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		out = out*100 + n
	}
	return out
}
