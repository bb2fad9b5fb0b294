package graph

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/logger"
)

// delta counts the structural changes of one pass and remembers subscribed
// environments whose parameter set changed.
type delta struct {
	added   int
	removed int
	refetch []*Node
}

// Reconcile makes the graph consistent with builds, the new authoritative
// set of build entities. Builds that cannot be parsed are logged and
// skipped. Nodes no longer reachable from the set are torn down, new ones
// are created, and the layout is recomputed. If the viewer is authenticated
// every subscribable node without a live subscription is subscribed.
func (s *Store) Reconcile(ctx context.Context, builds []common.Entity) error {
	parsed := make([]parsedBuild, 0, len(builds))
	wanted := make(map[string]bool, len(builds))
	for _, e := range builds {
		if wanted[e.ID] {
			continue
		}
		pb, err := parseBuild(e)
		if err != nil {
			logger.Error("[Graph] Skipping build", "id", e.ID, "err", err)
			continue
		}
		wanted[e.ID] = true
		parsed = append(parsed, pb)
	}

	s.mu.Lock()
	var d delta
	d.removed += s.removeUnwanted(wanted)
	for _, pb := range parsed {
		s.syncBuild(pb, &d)
	}
	d.removed += s.removeEmptyRepos()
	s.wireConsumption()
	s.layout()
	s.unlock()

	logger.Info("[Graph] Reconciled", "builds", len(parsed), "added", d.added, "removed", d.removed)
	s.refetch(d.refetch)
	return s.Resubscribe(ctx)
}

// RefreshBuild re-queries one tracked build and reconciles its environments
// in place.
func (s *Store) RefreshBuild(ctx context.Context, buildID string) error {
	if s.opts.Source == nil {
		return fmt.Errorf("no entity source configured")
	}
	entities, err := s.opts.Source.QueryBuilds(ctx, []string{buildID})
	if err != nil {
		return fmt.Errorf("failed to query build %s: %w", buildID, err)
	}
	idx := slices.IndexFunc(entities, func(e common.Entity) bool { return e.ID == buildID })
	if idx < 0 {
		return fmt.Errorf("build %s not returned by source", buildID)
	}
	pb, err := parseBuild(entities[idx])
	if err != nil {
		return err
	}

	s.mu.Lock()
	if n, ok := s.nodes[buildID]; !ok || n.Kind != common.KindBuild {
		s.unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, buildID)
	}
	var d delta
	s.syncBuild(pb, &d)
	d.removed += s.removeEmptyRepos()
	s.wireConsumption()
	s.layout()
	s.unlock()

	logger.Info("[Graph] Refreshed build", "id", buildID, "added", d.added, "removed", d.removed)
	s.refetch(d.refetch)
	return s.Resubscribe(ctx)
}

// Cleanup tears down every node.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.unlock()
	for _, id := range slices.Clone(s.repos) {
		s.removeSubtree(id)
	}
	// nodes not reachable from a repository, if any
	for id := range s.nodes {
		s.removeSubtree(id)
	}
}

// removeUnwanted removes repositories none of whose builds is wanted, and
// builds that are not wanted, together with their subtrees. Requires s.mu.
func (s *Store) removeUnwanted(wanted map[string]bool) int {
	var roots []string
	for _, repoID := range s.repos {
		repo := s.nodes[repoID]
		if !slices.ContainsFunc(repo.Children, func(b string) bool { return wanted[b] }) {
			roots = append(roots, repoID)
			continue
		}
		for _, b := range repo.Children {
			if !wanted[b] {
				roots = append(roots, b)
			}
		}
	}

	removed := 0
	for _, id := range roots {
		removed += s.removeSubtree(id)
	}
	return removed
}

// removeEmptyRepos drops repositories left without builds, e.g. after a
// build moved to another repository. Requires s.mu.
func (s *Store) removeEmptyRepos() int {
	removed := 0
	for _, id := range slices.Clone(s.repos) {
		if len(s.nodes[id].Children) == 0 {
			removed += s.removeSubtree(id)
		}
	}
	return removed
}

// removeSubtree removes id and all of its descendants, each exactly once,
// and returns how many nodes were removed. Requires s.mu.
func (s *Store) removeSubtree(id string) int {
	var order []string
	seen := make(map[string]bool)
	var collect func(string)
	collect = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
		if n, ok := s.nodes[id]; ok {
			for _, c := range n.Children {
				collect(c)
			}
		}
	}
	collect(id)

	// leaves first
	for i := len(order) - 1; i >= 0; i-- {
		s.removeNode(order[i])
	}
	return len(order)
}

// removeNode queues the node's subscription for stopping, removes its edges
// and deletes it from the index. Removing an untracked id panics with
// *InvariantViolation. Requires s.mu; release it with s.unlock.
func (s *Store) removeNode(id string) {
	n, ok := s.nodes[id]
	if !ok {
		panic(&InvariantViolation{Op: "remove untracked node", ID: id})
	}

	if n.sub != nil {
		s.stops = append(s.stops, n.sub)
		n.sub = nil
		logger.Debug("[Graph] Unsubscribing", "id", id)
	}

	for eid, e := range s.edges {
		if e.From == id || e.To == id {
			delete(s.edges, eid)
			s.emit(edgeEvent(EdgeRemoved, e))
		}
	}

	if parent, ok := s.nodes[n.Parent]; ok {
		parent.removeChild(id)
	}
	if n.Kind == common.KindRepository {
		s.repos = slices.DeleteFunc(s.repos, func(r string) bool { return r == id })
	}
	delete(s.nodes, id)
	s.emit(nodeEvent(NodeRemoved, n))
}

// addNode is a no-op when id is already tracked. Requires s.mu.
func (s *Store) addNode(n *Node) *Node {
	if existing, ok := s.nodes[n.ID]; ok {
		return existing
	}
	s.nodes[n.ID] = n
	if parent, ok := s.nodes[n.Parent]; ok {
		parent.addChild(n.ID)
	}
	if n.Kind == common.KindRepository {
		s.repos = append(s.repos, n.ID)
	}
	s.emit(nodeEvent(NodeAdded, n))
	return n
}

// addEdge is a no-op when the edge id is already tracked. Requires s.mu.
func (s *Store) addEdge(e *Edge) *Edge {
	if existing, ok := s.edges[e.ID]; ok {
		return existing
	}
	s.edges[e.ID] = e
	s.emit(edgeEvent(EdgeAdded, e))
	return e
}

// syncBuild creates the build with its subtree, or brings a tracked build's
// environments in line with its declaration. A build whose repository
// changed is rebuilt under the new one. Requires s.mu.
func (s *Store) syncBuild(pb parsedBuild, d *delta) {
	build, ok := s.nodes[pb.entity.ID]
	if ok && build.Parent != pb.content.Repo.NodeID() {
		d.removed += s.removeSubtree(build.ID)
		ok = false
	}
	if !ok {
		d.added += s.addBuild(pb)
		return
	}

	build.Entity = pb.entity
	if !slices.Equal(build.build.WorkDirs, pb.content.WorkDirs) {
		build.build.WorkDirs = pb.content.WorkDirs
		s.emit(nodeEvent(NodeUpdated, build))
	}

	declared := make(map[string]bool, len(pb.envers))
	for _, pe := range pb.envers {
		declared[pe.entity.ID] = true
	}
	for _, id := range slices.Clone(build.Children) {
		if !declared[id] {
			d.removed += s.removeSubtree(id)
		}
	}
	for _, pe := range pb.envers {
		enver, ok := s.nodes[pe.entity.ID]
		if !ok {
			d.added += s.addEnver(build, pe)
			continue
		}
		s.syncEnver(enver, pe, d)
	}
}

// syncEnver applies a changed environment declaration: products and
// consumption edges that are no longer declared go away, new ones are added.
// Requires s.mu.
func (s *Store) syncEnver(enver *Node, pe parsedEnver, d *delta) {
	if enver.enver == nil || reflect.DeepEqual(enver.enver.Content, pe.content) {
		return
	}
	build := s.nodes[enver.Parent]
	enver.Entity = pe.entity
	enver.enver.Content = pe.content
	enver.enver.Consumings = pe.content.Consumings
	enver.enver.Paths = newEnverPaths(enver.ID, build.build.Repo, s.opts.Region, pe.content)
	s.emit(nodeEvent(NodeUpdated, enver))

	declared := make(map[string]bool, len(pe.content.Products))
	for _, p := range pe.content.Products {
		declared[p.ID] = true
	}
	for _, id := range slices.Clone(enver.Children) {
		if !declared[id] {
			d.removed += s.removeSubtree(id)
		}
	}
	d.added += s.addProducts(enver, pe.content.Products)

	consumes := make(map[string]bool, len(pe.content.Consumings))
	for _, c := range pe.content.Consumings {
		consumes[EdgeID(enver.ID, c.ProductID)] = true
	}
	for id, e := range s.edges {
		if e.Kind == EdgeConsumption && e.From == enver.ID && !consumes[id] {
			delete(s.edges, id)
			s.emit(edgeEvent(EdgeRemoved, e))
		}
	}

	if enver.subscribed() {
		d.refetch = append(d.refetch, enver)
	}
}

func (s *Store) addBuild(pb parsedBuild) int {
	added := 0
	repoID := pb.content.Repo.NodeID()
	repo, ok := s.nodes[repoID]
	if !ok {
		repo = s.addNode(newNode(repoID, common.KindRepository, common.Entity{ID: pb.content.Repo.ID()}, ""))
		added++
	}

	build := newNode(pb.entity.ID, common.KindBuild, pb.entity, repo.ID)
	build.build = &buildInfo{Repo: pb.content.Repo.ID(), WorkDirs: pb.content.WorkDirs}
	s.addNode(build)
	s.addEdge(newEdge(repo.ID, build.ID, EdgeRepoBuild))
	added++

	for _, pe := range pb.envers {
		added += s.addEnver(build, pe)
	}
	return added
}

func (s *Store) addEnver(build *Node, pe parsedEnver) int {
	if _, ok := s.nodes[pe.entity.ID]; ok {
		return 0
	}
	enver := newNode(pe.entity.ID, common.KindEnvironment, pe.entity, build.ID)
	buildID, rev, _ := strings.Cut(pe.entity.ID, "/")
	enver.enver = &enverInfo{
		BuildID:    buildID,
		Revision:   rev,
		Content:    pe.content,
		Paths:      newEnverPaths(pe.entity.ID, build.build.Repo, s.opts.Region, pe.content),
		Consumings: pe.content.Consumings,
		consumed:   make(map[string]int64),
	}
	s.addNode(enver)
	s.addEdge(newEdge(build.ID, enver.ID, EdgeBuildEnver))

	return 1 + s.addProducts(enver, pe.content.Products)
}

func (s *Store) addProducts(enver *Node, products []common.Entity) int {
	added := 0
	for _, p := range products {
		if _, ok := s.nodes[p.ID]; ok {
			continue
		}
		product := newNode(p.ID, common.KindProduct, p, enver.ID)
		product.product = &productInfo{Version: -1}
		s.addNode(product)
		s.addEdge(newEdge(enver.ID, p.ID, EdgeProduction))
		added++
	}
	return added
}

// wireConsumption adds the consumption edges whose product is tracked.
// Edges to products that appear later are added by a later pass. Requires
// s.mu.
func (s *Store) wireConsumption() {
	for _, n := range s.nodes {
		if n.enver == nil {
			continue
		}
		for _, c := range n.enver.Consumings {
			product, ok := s.nodes[c.ProductID]
			if !ok || product.Kind != common.KindProduct {
				continue
			}
			id := EdgeID(n.ID, c.ProductID)
			if _, ok := s.edges[id]; ok {
				continue
			}
			e := newEdge(n.ID, c.ProductID, EdgeConsumption)
			if product.product.Known {
				e.ProducerVersion = product.product.Version
			}
			if v, ok := n.enver.consumed[sharePath(c.ProductID)]; ok {
				e.ConsumerVersion = v
			}
			s.addEdge(e)
		}
	}
}

// refetch re-reads the parameter set of environments whose declaration
// changed while subscribed.
func (s *Store) refetch(envers []*Node) {
	for _, n := range envers {
		s.onSubscribed(n)
	}
}
