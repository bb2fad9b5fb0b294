package graph

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/logger"
	"github.com/ondemandenv/user-pool/pkg/params"
	"github.com/ondemandenv/user-pool/pkg/realtime"
)

const onEntityChangedQuery = `subscription OnEntityChangedById($id: ID!) {
    onEntityChanged(id: $id) {
        id
        content
    }
}`

const refreshTimeout = 30 * time.Second

type realtimeSubscriber struct {
	client *realtime.Client
}

// NewRealtimeSubscriber adapts a realtime client to Subscriber.
func NewRealtimeSubscriber(client *realtime.Client) Subscriber {
	return realtimeSubscriber{client: client}
}

func (r realtimeSubscriber) Connect(ctx context.Context) error {
	return r.client.Connect(ctx)
}

func (r realtimeSubscriber) Subscribe(ctx context.Context, req realtime.Request, handlers realtime.Handlers) (Subscription, error) {
	sub, err := r.client.Subscribe(ctx, req, handlers)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Resubscribe opens the notification connection and subscribes every
// subscribable node that has no live subscription. It does nothing unless
// the viewer is authenticated. Subscriptions registered while the
// connection is down start once it is up.
func (s *Store) Resubscribe(ctx context.Context) error {
	if s.opts.Subscriber == nil || !s.authenticated() {
		return nil
	}

	var errs []error
	if err := s.opts.Subscriber.Connect(ctx); err != nil {
		logger.Warn("[Graph] Connect failed, subscriptions stay pending", "err", err)
		errs = append(errs, err)
	}

	s.mu.Lock()
	var todo []*Node
	for _, n := range s.nodes {
		if !capabilityOf(n.Kind).subscribable || n.subscribing || n.subscribed() {
			continue
		}
		n.subscribing = true
		todo = append(todo, n)
	}
	s.mu.Unlock()
	sort.Slice(todo, func(i, j int) bool { return todo[i].ID < todo[j].ID })

	for _, n := range todo {
		sub, err := s.opts.Subscriber.Subscribe(ctx, realtime.Request{
			Query:         onEntityChangedQuery,
			Variables:     map[string]any{"id": n.Entity.ID},
			OperationName: "OnEntityChangedById",
		}, s.handlers(n))

		s.mu.Lock()
		n.subscribing = false
		if err != nil {
			s.unlock()
			logger.Error("[Graph] Failed to subscribe", "id", n.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		if !s.tracked(n) {
			s.unlock()
			sub.Unsubscribe()
			continue
		}
		n.sub = sub
		s.emit(nodeEvent(NodeUpdated, n))
		s.unlock()
		logger.Debug("[Graph] Subscribed", "id", n.ID)
	}
	return errors.Join(errs...)
}

// tracked reports whether n is still the node indexed under its id.
// Requires s.mu.
func (s *Store) tracked(n *Node) bool {
	cur, ok := s.nodes[n.ID]
	return ok && cur == n
}

func (s *Store) handlers(n *Node) realtime.Handlers {
	return realtime.Handlers{
		OnSubscribed: func() { s.onSubscribed(n) },
		OnData:       func(data json.RawMessage) { s.onData(n, data) },
		OnError: func(err error) {
			logger.Warn("[Graph] Subscription error", "id", n.ID, "err", err)
			if errors.Is(err, realtime.ErrConnectionLost) {
				s.mu.Lock()
				if s.tracked(n) {
					s.emit(nodeEvent(NodeUpdated, n))
				}
				s.unlock()
			}
		},
		OnComplete: func() {
			logger.Info("[Graph] Subscription completed", "id", n.ID)
		},
	}
}

func (s *Store) onSubscribed(n *Node) {
	if n.Kind != common.KindEnvironment {
		logger.Debug("[Graph] Ready", "id", n.ID)
		return
	}

	s.mu.Lock()
	if !s.tracked(n) {
		s.mu.Unlock()
		return
	}
	s.wireConsumption()
	var names []string
	for _, productID := range n.Children {
		names = append(names, sharePath(productID))
	}
	names = append(names, n.enver.Paths.all()...)
	s.unlock()

	s.fetch(n, names)
}

func (s *Store) onData(n *Node, data json.RawMessage) {
	change, err := changeFromData(data)
	if err != nil {
		logger.Warn("[Graph] Dropping change notification", "id", n.ID, "err", err)
		return
	}
	logger.Debug("[Graph] Change", "id", n.ID, "operation", change.Operation, "name", change.Name)

	switch n.Kind {
	case common.KindEnvironment:
		if change.Operation != common.ChangeDelete {
			s.fetch(n, []string{change.Name})
		}
	case common.KindBuild:
		if strings.HasPrefix(change.Name, enverChangePrefix) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
				defer cancel()
				if err := s.RefreshBuild(ctx, n.ID); err != nil {
					logger.Error("[Graph] Failed to refresh build", "id", n.ID, "err", err)
				}
			}()
		}
	}
}

func (s *Store) fetch(n *Node, names []string) {
	if s.opts.Fetcher == nil || len(names) == 0 {
		return
	}
	s.opts.Fetcher.Fetch(names, func(r params.Result) { s.onParam(n, r) })
}

// onParam caches a parameter on the environment that requested it and
// propagates share versions to products and consumption edges.
func (s *Store) onParam(n *Node, r params.Result) {
	found, ok := r.(params.Found)
	if !ok {
		logger.Debug("[Graph] Parameter not found", "id", n.ID, "name", r.ParamName())
		return
	}
	p := found.Parameter

	s.mu.Lock()
	defer s.unlock()
	if !s.tracked(n) {
		return
	}
	n.Params[p.Name] = p
	s.emit(nodeEvent(NodeUpdated, n))

	switch {
	case n.enver != nil && p.Name == n.enver.Paths.SharingVersion:
		consumed, err := parseSharingVersions(p.Value)
		if err != nil {
			logger.Warn("[Graph] Invalid sharing versions", "id", n.ID, "err", err)
			return
		}
		n.enver.consumed = consumed
		for _, c := range n.enver.Consumings {
			v, ok := consumed[sharePath(c.ProductID)]
			if !ok {
				continue
			}
			e, ok := s.edges[EdgeID(n.ID, c.ProductID)]
			if !ok || e.Kind != EdgeConsumption || e.ConsumerVersion == v {
				continue
			}
			e.ConsumerVersion = v
			s.emit(edgeEvent(EdgeUpdated, e))
		}
	case strings.HasPrefix(p.Name, sharePrefix):
		product, ok := s.nodes[strings.TrimPrefix(p.Name, sharePrefix)]
		if !ok || product.Kind != common.KindProduct {
			return
		}
		s.updateProduct(product, p)
	}
}

// updateProduct records the latest produced version and pushes it to every
// consumption edge of the product. Requires s.mu.
func (s *Store) updateProduct(product *Node, p common.Parameter) {
	product.Params[p.Name] = p
	product.product.Version = p.Version
	product.product.Known = true
	s.emit(nodeEvent(NodeUpdated, product))

	for _, e := range s.edges {
		if e.Kind != EdgeConsumption || e.To != product.ID || e.ProducerVersion == p.Version {
			continue
		}
		e.ProducerVersion = p.Version
		s.emit(edgeEvent(EdgeUpdated, e))
	}
}
