// Package graph keeps a live node/edge graph of repositories, builds,
// environments and products consistent with the authoritative entity set.
//
// Reconcile applies the minimal structural delta for a new set of builds,
// recomputes the layout and, when the viewer is authenticated, subscribes
// every tracked node to change notifications. Parameter reads and change
// notifications then update node and edge state in place. Every mutation is
// reported to the registered watchers as an Event.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/params"
	"github.com/ondemandenv/user-pool/pkg/realtime"
)

// Subscription is a live change-notification subscription of one node.
type Subscription interface {
	Active() bool
	Unsubscribe()
}

// Subscriber opens the shared notification connection and registers
// subscriptions on it.
type Subscriber interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, req realtime.Request, handlers realtime.Handlers) (Subscription, error)
}

// Fetcher queues parameter reads. *params.Batcher implements it.
type Fetcher interface {
	Fetch(names []string, handler params.Handler)
}

// EntitySource queries build entities by id.
type EntitySource interface {
	QueryBuilds(ctx context.Context, ids []string) ([]common.Entity, error)
}

// AuthState reports whether the viewer is signed in.
type AuthState interface {
	Authenticated() bool
}

// Viewport is the size of the drawing area the layout is fitted to.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Options struct {
	Subscriber Subscriber
	Fetcher    Fetcher
	Source     EntitySource
	Auth       AuthState
	Viewport   Viewport
	// Region is part of the workflow status parameter path.
	Region string
}

var ErrUnknownNode = errors.New("unknown node")

// InvariantViolation is the panic value raised when the store is asked to do
// something its own bookkeeping rules out, such as removing a node that is
// not tracked.
type InvariantViolation struct {
	Op string
	ID string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("graph invariant violated: %s %q", e.Op, e.ID)
}

// Store is the entity graph.
type Store struct {
	opts Options

	mu    sync.Mutex
	nodes map[string]*Node
	edges map[string]*Edge
	// repos holds repository ids in creation order; it drives the layout ring.
	repos []string

	watchers map[int]func(Event)
	nextID   int
	pending  []Event
	// stops holds subscriptions of removed nodes; they are ended once s.mu
	// is released since Unsubscribe writes to the socket.
	stops []Subscription
}

func New(opts Options) *Store {
	if opts.Viewport.Width <= 0 {
		opts.Viewport.Width = 1600
	}
	if opts.Viewport.Height <= 0 {
		opts.Viewport.Height = 900
	}
	return &Store{
		opts:     opts,
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		watchers: make(map[int]func(Event)),
	}
}

// Watch registers fn for every subsequent event and returns a function that
// removes it. Events are delivered in order while the store is locked; fn
// must not block and must not call back into the store.
func (s *Store) Watch(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watch(fn)
}

// WatchSnapshot registers fn like Watch and returns the graph as of the
// registration: fn sees exactly the events that follow the snapshot.
func (s *Store) WatchSnapshot(fn func(Event)) (Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), s.watch(fn)
}

func (s *Store) watch(fn func(Event)) func() {
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// emit queues an event; flush delivers queued events. Both require s.mu.
func (s *Store) emit(ev Event) {
	s.pending = append(s.pending, ev)
}

func (s *Store) flush() {
	events := s.pending
	s.pending = nil
	for _, ev := range events {
		for _, fn := range s.watchers {
			fn(ev)
		}
	}
}

// unlock delivers queued events, releases s.mu and then ends the
// subscriptions of nodes removed while it was held.
func (s *Store) unlock() {
	s.flush()
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, sub := range stops {
		sub.Unsubscribe()
	}
}

// Snapshot returns every tracked node and edge, sorted by id.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Store) snapshot() Snapshot {
	snap := Snapshot{
		Viewport: s.opts.Viewport,
		Nodes:    make([]NodeView, 0, len(s.nodes)),
		Edges:    make([]EdgeView, 0, len(s.edges)),
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n.view())
	}
	for _, e := range s.edges {
		snap.Edges = append(snap.Edges, e.view())
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].ID < snap.Edges[j].ID })
	return snap
}

// Node returns the state of one node.
func (s *Store) Node(id string) (NodeView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return NodeView{}, false
	}
	return n.view(), true
}

// Edge returns the state of one edge.
func (s *Store) Edge(id string) (EdgeView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return EdgeView{}, false
	}
	return e.view(), true
}

// Len returns the number of tracked nodes and edges.
func (s *Store) Len() (nodes, edges int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes), len(s.edges)
}

func (s *Store) authenticated() bool {
	return s.opts.Auth != nil && s.opts.Auth.Authenticated()
}
