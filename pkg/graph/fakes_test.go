package graph

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/params"
	"github.com/ondemandenv/user-pool/pkg/realtime"
)

type fakeSub struct {
	mu     sync.Mutex
	id     string
	active bool
	onStop func()
}

func (f *fakeSub) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSub) Unsubscribe() {
	f.mu.Lock()
	f.active = false
	hook := f.onStop
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeSub) setOnStop(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStop = fn
}

type fakeSubscriber struct {
	mu       sync.Mutex
	connects int
	subs     map[string]*fakeSub
	handlers map[string]realtime.Handlers
	order    []string
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: map[string]*fakeSub{}, handlers: map[string]realtime.Handlers{}}
}

func (f *fakeSubscriber) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, req realtime.Request, h realtime.Handlers) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := req.Variables["id"].(string)
	sub := &fakeSub{id: id, active: true}
	f.subs[id] = sub
	f.handlers[id] = h
	f.order = append(f.order, id)
	return sub, nil
}

func (f *fakeSubscriber) handler(id string) realtime.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[id]
}

func (f *fakeSubscriber) sub(id string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[id]
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type fetchCall struct {
	names   []string
	handler params.Handler
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
}

func (f *fakeFetcher) Fetch(names []string, h params.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{names: append([]string(nil), names...), handler: h})
}

func (f *fakeFetcher) last() fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAuth bool

func (a fakeAuth) Authenticated() bool { return bool(a) }

type fakeSource struct {
	mu       sync.Mutex
	entities map[string]common.Entity
}

func (f *fakeSource) QueryBuilds(ctx context.Context, ids []string) ([]common.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []common.Entity
	for _, id := range ids {
		if e, ok := f.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) set(e common.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = e
}

func enverEntity(id, resType string, products []string, consumings ...common.Consuming) common.Entity {
	c := common.EnverContent{
		Account:    [2]string{"111111111111", "workspace0"},
		CsResType:  resType,
		Consumings: consumings,
	}
	for _, p := range products {
		c.Products = append(c.Products, common.Entity{ID: p})
	}
	raw, _ := json.Marshal(c)
	str, _ := json.Marshal(string(raw))
	return common.Entity{ID: id, Content: str}
}

func buildEntity(id, owner, name string, envers ...common.Entity) common.Entity {
	raw, _ := json.Marshal(common.BuildContent{
		Repo:   common.Repo{Owner: owner, Name: name},
		Envers: envers,
	})
	return common.Entity{ID: id, Content: raw}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) count(types ...EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		for _, t := range types {
			if ev.Type == t {
				n++
			}
		}
	}
	return n
}

func (r *recorder) removedNodes() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]bool{}
	for _, ev := range r.events {
		if ev.Type == NodeRemoved {
			out[ev.Node.ID] = true
		}
	}
	return out
}

func (r *recorder) removedEdges() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]bool{}
	for _, ev := range r.events {
		if ev.Type == EdgeRemoved {
			out[ev.Edge.ID] = true
		}
	}
	return out
}

func nodeIDs(s *Store) map[string]bool {
	out := map[string]bool{}
	for _, n := range s.Snapshot().Nodes {
		out[n.ID] = true
	}
	return out
}

func edgeIDs(s *Store) map[string]bool {
	out := map[string]bool{}
	for _, e := range s.Snapshot().Edges {
		out[e.ID] = true
	}
	return out
}
