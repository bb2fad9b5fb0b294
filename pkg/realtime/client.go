// Package realtime multiplexes many GraphQL subscriptions over one
// long-lived, SigV4-authorized websocket to an AppSync realtime endpoint.
//
// The connection is shared: Connect may be called any number of times and
// concurrent callers wait on the same attempt. Subscriptions registered while
// the connection is down stay pending and are started once the handshake
// completes. A reconnection always yields a fresh connection; subscriptions
// that were started on the previous one are dropped, their OnError handler
// receives ErrConnectionLost and callers have to subscribe again.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ondemandenv/user-pool/internal/util"
	"github.com/ondemandenv/user-pool/pkg/logger"
	"github.com/ondemandenv/user-pool/pkg/sigv4"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// Handlers receive the events of one subscription. All of them are optional
// except OnData. Handlers run on the connection's reader goroutine, one at a
// time.
type Handlers struct {
	OnSubscribed func()
	OnData       func(data json.RawMessage)
	OnError      func(err error)
	OnComplete   func()
}

// Request is a GraphQL subscription operation.
type Request struct {
	Query         string
	Variables     map[string]any
	OperationName string
}

// Options configures a Client.
type Options struct {
	// WSSEndpoint is the realtime url, e.g.
	// wss://xxx.appsync-realtime-api.us-east-1.amazonaws.com/graphql.
	WSSEndpoint string
	Signer      sigv4.Signer

	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          util.Backoff

	// OnConnected runs in its own goroutine after every successful
	// connection, including reconnections.
	OnConnected func()
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = time.Second
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 5 * time.Second
	}
	if o.Backoff.MaxAttempts <= 0 {
		o.Backoff.MaxAttempts = 3
	}
}

// Client is the shared subscription connection.
type Client struct {
	opts Options

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	generation int
	attempts   int
	closed     bool
	// subs is the dispatch table, keyed by correlation id.
	subs map[string]*Subscription

	writeMu sync.Mutex
	connect singleflight.Group

	afterFunc func(d time.Duration, f func())
	newID     func() (string, error)
}

// Subscription is the handle of one registered subscription.
type Subscription struct {
	id       string
	req      Request
	handlers Handlers
	client   *Client

	// guarded by client.mu
	started bool
	active  bool
}

// New creates a disconnected client.
func New(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:  opts,
		state: Disconnected,
		subs:  make(map[string]*Subscription),
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		newID: func() (string, error) { return gonanoid.New() },
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the shared connection unless it is already open. Concurrent
// callers share one in-flight attempt. Connect also leaves the GaveUp state,
// resetting the reconnect budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if c.state == GaveUp {
		c.attempts = 0
		c.state = Disconnected
	}
	c.mu.Unlock()

	return c.connectShared(ctx)
}

func (c *Client) connectShared(ctx context.Context) error {
	ch := c.connect.DoChan("connect", func() (any, error) {
		return nil, c.dial()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Client) dial() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	logger.Debug("[Realtime] Initiating connection", "endpoint", c.opts.WSSEndpoint)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()

	wsURL, err := c.handshakeURL(ctx)
	if err != nil {
		// signing failures reject the attempt without entering backoff
		c.setState(Disconnected)
		return err
	}

	conn, err := c.handshake(ctx, wsURL)
	if err != nil {
		logger.Warn("[Realtime] Connection failed", "err", err)
		c.setState(Disconnected)
		// the scheduled retry must start a new flight instead of joining this one
		c.connect.Forget("connect")
		if c.scheduleReconnect() {
			return fmt.Errorf("%w: %w", ErrGaveUp, err)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = Connected
	c.attempts = 0
	c.generation++
	gen := c.generation
	var pending []*Subscription
	for _, sub := range c.subs {
		if !sub.started {
			sub.started = true
			pending = append(pending, sub)
		}
	}
	c.mu.Unlock()

	logger.Info("[Realtime] Connected", "pending", len(pending))
	go c.readLoop(conn, gen)

	for _, sub := range pending {
		if err := c.start(context.Background(), conn, sub); err != nil {
			logger.Error("[Realtime] Failed to start pending subscription", "id", sub.id, "err", err)
			c.forget(sub.id)
			if sub.handlers.OnError != nil {
				sub.handlers.OnError(err)
			}
		}
	}
	if c.opts.OnConnected != nil {
		go c.opts.OnConnected()
	}
	return nil
}

func (c *Client) handshakeURL(ctx context.Context) (string, error) {
	headers, err := c.opts.Signer.Sign(ctx, "/graphql/connect", []byte("{}"), nil)
	if err != nil {
		return "", fmt.Errorf("failed to sign handshake: %w", err)
	}
	headerObj := map[string]string{
		"host":                 headers["host"],
		"content-type":         headers["content-type"],
		"x-amz-content-sha256": headers["x-amz-content-sha256"],
		"x-amz-date":           headers["x-amz-date"],
		"authorization":        headers["authorization"],
	}
	if token, ok := headers["x-amz-security-token"]; ok {
		headerObj["x-amz-security-token"] = token
	}
	encoded, err := json.Marshal(headerObj)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(c.opts.WSSEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	q := u.Query()
	q.Set("header", base64.StdEncoding.EncodeToString(encoded))
	q.Set("payload", "e30=")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) handshake(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dialer := *c.opts.Dialer
	dialer.Subprotocols = []string{subprotocol}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	if err := c.write(conn, message{Type: msgConnectionInit, Payload: json.RawMessage(`{}`)}); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", msgConnectionInit, err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", msgConnectionAck, err)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("[Realtime] Dropping malformed handshake message", "err", err)
			continue
		}
		switch msg.Type {
		case msgConnectionAck:
			conn.SetReadDeadline(time.Time{})
			success = true
			return conn, nil
		case msgConnectionError:
			return nil, fmt.Errorf("%w: %s", ErrHandshake, string(msg.Payload))
		case msgKeepAlive:
		default:
			logger.Debug("[Realtime] Ignoring message before ack", "type", msg.Type)
		}
	}
}

// Subscribe registers handlers under a fresh correlation id. If the
// connection is up the start message is sent right away, otherwise it is
// sent once Connect succeeds.
func (c *Client) Subscribe(ctx context.Context, req Request, handlers Handlers) (*Subscription, error) {
	id, err := c.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate subscription id: %w", err)
	}
	sub := &Subscription{id: id, req: req, handlers: handlers, client: c, active: true}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[id] = sub
	conn := c.conn
	sendNow := c.state == Connected && conn != nil
	if sendNow {
		sub.started = true
	}
	c.mu.Unlock()

	if !sendNow {
		logger.Debug("[Realtime] Subscription pending until connected", "id", id, "operation", req.OperationName)
		return sub, nil
	}
	if err := c.start(ctx, conn, sub); err != nil {
		c.forget(id)
		return nil, err
	}
	return sub, nil
}

func (c *Client) start(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	vars := sub.req.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	data, err := json.Marshal(operation{
		Query:         sub.req.Query,
		Variables:     vars,
		OperationName: sub.req.OperationName,
	})
	if err != nil {
		return err
	}

	headers, err := c.opts.Signer.Sign(ctx, "/graphql", data, map[string]string{
		"accept":           "application/json, text/javascript",
		"content-encoding": "amz-1.0",
		"content-type":     "application/json; charset=UTF-8",
	})
	if err != nil {
		return fmt.Errorf("failed to sign subscription: %w", err)
	}
	auth := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		auth[k] = v
	}
	auth["Authorization"] = headers["authorization"]

	payload, err := json.Marshal(startPayload{
		Data:       string(data),
		Extensions: startExtensions{Authorization: auth},
	})
	if err != nil {
		return err
	}

	logger.Debug("[Realtime] Starting subscription", "id", sub.id, "operation", sub.req.OperationName)
	if err := c.write(conn, message{ID: sub.id, Type: msgStart, Payload: payload}); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgStart, err)
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) lookup(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *Client) forget(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return nil
	}
	sub.active = false
	delete(c.subs, id)
	return sub
}

func (c *Client) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.drop(&ProtocolError{Reason: "malformed message: " + err.Error(), Raw: data})
		return
	}

	switch msg.Type {
	case msgKeepAlive, msgConnectionAck:
		return
	case msgStartAck:
		if msg.ID == "" {
			c.drop(&ProtocolError{Reason: "start_ack without id", Raw: data})
			return
		}
		if sub := c.lookup(msg.ID); sub != nil && sub.handlers.OnSubscribed != nil {
			sub.handlers.OnSubscribed()
		}
	case msgData:
		if msg.ID == "" {
			c.drop(&ProtocolError{Reason: "data without id", Raw: data})
			return
		}
		sub := c.lookup(msg.ID)
		if sub == nil || sub.handlers.OnData == nil {
			return
		}
		result := gjson.GetBytes(msg.Payload, "data")
		if !result.Exists() {
			c.drop(&ProtocolError{Reason: "data payload without data field", Raw: data})
			return
		}
		sub.handlers.OnData(json.RawMessage(result.Raw))
	case msgError:
		serverErr := &ServerError{ID: msg.ID, Payload: msg.Payload}
		logger.Error("[Realtime] Error message received", "err", serverErr)
		if msg.ID == "" {
			return
		}
		if sub := c.lookup(msg.ID); sub != nil && sub.handlers.OnError != nil {
			sub.handlers.OnError(serverErr)
		}
	case msgComplete:
		if msg.ID == "" {
			c.drop(&ProtocolError{Reason: "complete without id", Raw: data})
			return
		}
		if sub := c.forget(msg.ID); sub != nil && sub.handlers.OnComplete != nil {
			sub.handlers.OnComplete()
		}
	default:
		c.drop(&ProtocolError{Reason: "unexpected message type " + msg.Type, Raw: data})
	}
}

func (c *Client) drop(err *ProtocolError) {
	logger.Warn("[Realtime] Dropping message", "err", err, "raw", string(err.Raw))
}

func (c *Client) handleClose(conn *websocket.Conn, gen int, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.generation != gen {
		c.mu.Unlock()
		return
	}
	conn.Close()
	c.conn = nil
	c.state = Disconnected
	closed := c.closed

	var dropped []*Subscription
	for id, sub := range c.subs {
		if sub.started {
			sub.active = false
			delete(c.subs, id)
			dropped = append(dropped, sub)
		}
	}
	c.mu.Unlock()

	logger.Info("[Realtime] Connection closed", "err", cause, "dropped", len(dropped))
	for _, sub := range dropped {
		if sub.handlers.OnError != nil {
			sub.handlers.OnError(ErrConnectionLost)
		}
	}
	if !closed {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the next attempt and reports whether the budget is
// exhausted instead.
func (c *Client) scheduleReconnect() bool {
	c.mu.Lock()
	if c.closed || c.state == Connected {
		c.mu.Unlock()
		return false
	}
	c.attempts++
	attempt := c.attempts
	if c.opts.Backoff.Exhausted(attempt) {
		c.state = GaveUp
		c.mu.Unlock()
		logger.Warn("[Realtime] Giving up reconnecting", "attempts", attempt-1)
		return true
	}
	c.state = Disconnected
	c.mu.Unlock()

	delay := c.opts.Backoff.Delay(attempt)
	logger.Info("[Realtime] Reconnecting", "attempt", attempt, "delay", delay)
	c.afterFunc(delay, func() {
		if err := c.connectShared(context.Background()); err != nil {
			logger.Debug("[Realtime] Reconnect attempt failed", "attempt", attempt, "err", err)
		}
	})
	return false
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Close clears the dispatch table, closes the connection with a normal
// closure and stops any further reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, sub := range c.subs {
		sub.active = false
		delete(c.subs, id)
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	werr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disposed"),
		time.Now().Add(c.opts.WriteTimeout))
	c.writeMu.Unlock()
	cerr := conn.Close()
	logger.Info("[Realtime] Disposed")
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

// ID returns the correlation id.
func (s *Subscription) ID() string {
	return s.id
}

// Active reports whether the subscription is still registered. It turns
// false after Unsubscribe, after a complete message and when the connection
// it was started on is lost.
func (s *Subscription) Active() bool {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.active
}

// Unsubscribe removes the handlers immediately and, if the subscription was
// started on the live connection, sends a stop message without waiting for
// an answer.
func (s *Subscription) Unsubscribe() {
	c := s.client
	c.mu.Lock()
	_, registered := c.subs[s.id]
	delete(c.subs, s.id)
	wasActive := s.active
	s.active = false
	conn := c.conn
	sendStop := registered && wasActive && s.started && c.state == Connected && conn != nil
	c.mu.Unlock()

	if !sendStop {
		return
	}
	if err := c.write(conn, message{ID: s.id, Type: msgStop}); err != nil {
		logger.Debug("[Realtime] Failed to send stop", "id", s.id, "err", err)
	}
}
