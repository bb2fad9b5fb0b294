package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ondemandenv/user-pool/internal/util"

	"github.com/gorilla/websocket"
)

const waitTimeout = 2 * time.Second

type fakeSigner struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (s *fakeSigner) Sign(ctx context.Context, path string, payload []byte, extra map[string]string) (map[string]string, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("no credentials")
	}
	return map[string]string{
		"host":          "example.appsync-api.us-east-1.amazonaws.com",
		"content-type":  "application/json",
		"x-amz-date":    "20260102T030405Z",
		"authorization": "AWS4-HMAC-SHA256 " + path,
	}, nil
}

// fakeServer plays the realtime endpoint: it acks the handshake and forwards
// every later client message to received.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	received chan message
	upgrades atomic.Int32
	autoAck  bool

	mu      sync.Mutex
	conn    *websocket.Conn
	headers []string
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		t:        t,
		upgrader: websocket.Upgrader{Subprotocols: []string{subprotocol}},
		received: make(chan message, 64),
		autoAck:  true,
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/graphql"
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.upgrades.Add(1)
	defer conn.Close()

	var init message
	if err := conn.ReadJSON(&init); err != nil || init.Type != msgConnectionInit {
		return
	}
	fs.mu.Lock()
	fs.conn = conn
	fs.headers = append(fs.headers, r.URL.Query().Get("header"))
	fs.mu.Unlock()
	fs.send(message{Type: msgKeepAlive})
	fs.send(message{Type: msgConnectionAck})

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		fs.received <- msg
		if msg.Type == msgStart && fs.autoAck {
			fs.send(message{ID: msg.ID, Type: msgStartAck})
		}
	}
}

func (fs *fakeServer) send(msg message) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.conn == nil {
		return
	}
	fs.conn.WriteJSON(msg)
}

func (fs *fakeServer) sendRaw(data string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (fs *fakeServer) dropConnection() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.conn != nil {
		fs.conn.Close()
		fs.conn = nil
	}
}

func (fs *fakeServer) next(t *testing.T) message {
	t.Helper()
	select {
	case msg := <-fs.received:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client message")
		return message{}
	}
}

func (fs *fakeServer) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case msg := <-fs.received:
		t.Fatalf("unexpected client message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestClient(fs *fakeServer, signer *fakeSigner) *Client {
	c := New(Options{
		WSSEndpoint: fs.url(),
		Signer:      signer,
		Backoff:     util.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3},
	})
	return c
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSubscribe_DeferredUntilConnected(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()
	ctx := context.Background()

	a, err := c.Subscribe(ctx, Request{Query: "subscription A"}, Handlers{OnData: func(json.RawMessage) {}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := c.Subscribe(ctx, Request{Query: "subscription B"}, Handlers{OnData: func(json.RawMessage) {}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gone, err := c.Subscribe(ctx, Request{Query: "subscription C"}, Handlers{OnData: func(json.RawMessage) {}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gone.Unsubscribe()

	if fs.upgrades.Load() != 0 {
		t.Fatal("subscribe must not open a connection on its own")
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	started := map[string]int{}
	for i := 0; i < 2; i++ {
		msg := fs.next(t)
		if msg.Type != msgStart {
			t.Fatalf("expected start, got %s", msg.Type)
		}
		started[msg.ID]++
	}
	fs.expectNothing(t)

	if started[a.ID()] != 1 || started[b.ID()] != 1 {
		t.Fatalf("expected exactly one start per pending subscription, got %v", started)
	}
	if started[gone.ID()] != 0 {
		t.Fatal("unsubscribed pending subscription must not be started")
	}
}

func TestSubscribe_StartMessageCarriesSignedOperation(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	_, err := c.Subscribe(ctx, Request{
		Query:     "subscription OnEntityChangedById($id: ID!) { onEntityChanged(id: $id) { id content } }",
		Variables: map[string]any{"id": "BuildA"},
	}, Handlers{OnData: func(json.RawMessage) {}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := fs.next(t)
	var payload startPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("invalid start payload: %v", err)
	}
	var op operation
	if err := json.Unmarshal([]byte(payload.Data), &op); err != nil {
		t.Fatalf("invalid operation: %v", err)
	}
	if op.Variables["id"] != "BuildA" {
		t.Fatalf("unexpected variables %v", op.Variables)
	}
	if payload.Extensions.Authorization["Authorization"] != "AWS4-HMAC-SHA256 /graphql" {
		t.Fatalf("unexpected authorization %v", payload.Extensions.Authorization)
	}

	fs.mu.Lock()
	header := fs.headers[0]
	fs.mu.Unlock()
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		t.Fatalf("handshake header is not base64: %v", err)
	}
	var handshake map[string]string
	if err := json.Unmarshal(raw, &handshake); err != nil {
		t.Fatalf("handshake header is not json: %v", err)
	}
	if handshake["authorization"] != "AWS4-HMAC-SHA256 /graphql/connect" {
		t.Fatalf("unexpected handshake authorization %q", handshake["authorization"])
	}
}

func TestDispatch_RoutesByCorrelationID(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	subscribed := make(chan struct{}, 1)
	data := make(chan string, 4)
	errs := make(chan error, 1)
	completed := make(chan struct{}, 1)
	sub, err := c.Subscribe(ctx, Request{Query: "q"}, Handlers{
		OnSubscribed: func() { subscribed <- struct{}{} },
		OnData:       func(d json.RawMessage) { data <- string(d) },
		OnError:      func(err error) { errs <- err },
		OnComplete:   func() { completed <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fs.next(t)
	waitSignal(t, subscribed, "start_ack")

	fs.send(message{ID: "someone-else", Type: msgData, Payload: json.RawMessage(`{"data":{"x":0}}`)})
	fs.send(message{ID: sub.ID(), Type: msgData, Payload: json.RawMessage(`{"data":{"onEntityChanged":{"id":"BuildA"}}}`)})
	select {
	case d := <-data:
		if d != `{"onEntityChanged":{"id":"BuildA"}}` {
			t.Fatalf("unexpected data %s", d)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for data")
	}

	fs.send(message{ID: sub.ID(), Type: msgError, Payload: json.RawMessage(`{"errors":[{"message":"denied"}]}`)})
	select {
	case err := <-errs:
		var serverErr *ServerError
		if !errors.As(err, &serverErr) || serverErr.ID != sub.ID() {
			t.Fatalf("expected ServerError for %s, got %v", sub.ID(), err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for error")
	}

	fs.send(message{ID: sub.ID(), Type: msgComplete})
	waitSignal(t, completed, "complete")
	if sub.Active() {
		t.Fatal("subscription must be forgotten after complete")
	}

	fs.send(message{ID: sub.ID(), Type: msgData, Payload: json.RawMessage(`{"data":{}}`)})
	select {
	case d := <-data:
		t.Fatalf("data after complete must be ignored, got %s", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatch_MalformedMessageKeepsConnection(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	data := make(chan struct{}, 1)
	sub, err := c.Subscribe(ctx, Request{Query: "q"}, Handlers{OnData: func(json.RawMessage) { data <- struct{}{} }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fs.next(t)

	fs.sendRaw("{not json")
	fs.sendRaw(`{"type":"mystery"}`)
	fs.sendRaw(`{"type":"data"}`)
	fs.send(message{ID: sub.ID(), Type: msgData, Payload: json.RawMessage(`{"data":{}}`)})

	waitSignal(t, data, "data after malformed messages")
	if c.State() != Connected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if fs.upgrades.Load() != 1 {
		t.Fatalf("expected the original connection to survive, got %d upgrades", fs.upgrades.Load())
	}
}

func TestUnsubscribe_SendsStopAndForgets(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	data := make(chan struct{}, 1)
	sub, err := c.Subscribe(ctx, Request{Query: "q"}, Handlers{OnData: func(json.RawMessage) { data <- struct{}{} }})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fs.next(t)

	sub.Unsubscribe()
	if sub.Active() {
		t.Fatal("subscription must be inactive right after unsubscribe")
	}
	msg := fs.next(t)
	if msg.Type != msgStop || msg.ID != sub.ID() {
		t.Fatalf("expected stop for %s, got %+v", sub.ID(), msg)
	}

	sub.Unsubscribe()
	fs.expectNothing(t)

	fs.send(message{ID: sub.ID(), Type: msgData, Payload: json.RawMessage(`{"data":{}}`)})
	select {
	case <-data:
		t.Fatal("data after unsubscribe must be ignored")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnect_ConcurrentCallersShareOneConnection(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
	}
	if n := fs.upgrades.Load(); n != 1 {
		t.Fatalf("expected one physical connection, got %d", n)
	}
	if c.State() != Connected {
		t.Fatalf("expected connected, got %s", c.State())
	}
}

func TestReconnect_DoesNotResumeSubscriptions(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	lost := make(chan error, 1)
	sub, err := c.Subscribe(ctx, Request{Query: "q"}, Handlers{
		OnData:  func(json.RawMessage) {},
		OnError: func(err error) { lost <- err },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fs.next(t)

	fs.dropConnection()

	select {
	case err := <-lost:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connection loss")
	}
	if sub.Active() {
		t.Fatal("subscription of the lost connection must be inactive")
	}

	deadline := time.Now().Add(waitTimeout)
	for c.State() != Connected || fs.upgrades.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected automatic reconnection, state %s upgrades %d", c.State(), fs.upgrades.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	fs.expectNothing(t)
}

func TestReconnect_GivesUpAfterBudget(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	defer c.Close()

	var mu sync.Mutex
	var delays []time.Duration
	c.afterFunc = func(d time.Duration, f func()) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		go f()
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	fs.srv.Close()
	fs.dropConnection()

	deadline := time.Now().Add(waitTimeout)
	for c.State() != GaveUp {
		if time.Now().After(deadline) {
			t.Fatalf("expected gave-up state, got %s", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	got := append([]time.Duration(nil), delays...)
	mu.Unlock()
	want := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("expected %d scheduled reconnects, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := len(delays)
	mu.Unlock()
	if after != len(want) {
		t.Fatalf("no reconnect may be scheduled after giving up, got %d", after)
	}
}

func TestConnect_SigningFailureRejects(t *testing.T) {
	fs := newFakeServer(t)
	signer := &fakeSigner{}
	signer.fail.Store(true)
	c := newTestClient(fs, signer)
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected signing failure")
	}
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if fs.upgrades.Load() != 0 {
		t.Fatal("no socket may be opened without a signature")
	}
}

func TestClose_StopsEverything(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(fs, &fakeSigner{})
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	sub, err := c.Subscribe(ctx, Request{Query: "q"}, Handlers{OnData: func(json.RawMessage) {}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fs.next(t)

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if sub.Active() {
		t.Fatal("subscriptions must be cleared on close")
	}
	if err := c.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Subscribe(ctx, Request{Query: "q"}, Handlers{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOnConnected_RunsAfterEveryConnection(t *testing.T) {
	fs := newFakeServer(t)
	connected := make(chan struct{}, 4)
	c := New(Options{
		WSSEndpoint: fs.url(),
		Signer:      &fakeSigner{},
		Backoff:     util.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 3},
		OnConnected: func() { connected <- struct{}{} },
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitSignal(t, connected, "first connection")

	fs.dropConnection()
	waitSignal(t, connected, "reconnection")
}
