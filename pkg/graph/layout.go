package graph

import (
	"fmt"
	"math"
)

// Ring margins from the viewport edge.
const (
	repoMargin  = 30
	buildMargin = 200
	enverMargin = 300
)

// layout places repositories at equal angles on an ellipse fitted to the
// viewport. Each repository's builds share its angular sector and each
// build's environments share the build's sub-sector. Repositories and
// builds are pinned; environments stay physics-enabled. Products are left to
// the physics engine. Requires s.mu.
func (s *Store) layout() {
	count := len(s.repos)
	if count == 0 {
		return
	}
	repoDi := 2 * math.Pi / float64(count)

	for i, repoID := range s.repos {
		repo := s.nodes[repoID]
		angle := repoDi * float64(i)
		s.place(repo, angle, repoMargin, true)

		builds := repo.Children
		buildStart := angle - repoDi/2
		buildDi := repoDi / float64(len(builds)+1)
		for j, buildID := range builds {
			build, ok := s.nodes[buildID]
			if !ok {
				continue
			}
			buildAngle := buildStart + buildDi*float64(j+1)
			s.place(build, buildAngle, buildMargin, true)

			envers := build.Children
			enverStart := buildAngle - buildDi/2
			enverDi := buildDi / float64(len(envers)+1)
			for k, enverID := range envers {
				if enver, ok := s.nodes[enverID]; ok {
					s.place(enver, enverStart+enverDi*float64(k+1), enverMargin, false)
				}
			}
		}
	}
}

// place puts n on the ellipse at angle. User-adjusted nodes are left alone.
func (s *Store) place(n *Node, angle, margin float64, pinned bool) {
	if n.UserAdjusted {
		return
	}
	x := (s.opts.Viewport.Width/2 - margin) * math.Cos(angle)
	y := (s.opts.Viewport.Height/2 - margin) * math.Sin(angle)
	physics := !pinned
	if n.Placed && n.X == x && n.Y == y && n.Physics == physics {
		return
	}
	n.X, n.Y, n.Physics, n.Placed = x, y, physics, true
	s.emit(nodeEvent(NodeUpdated, n))
}

// SetViewport resizes the layout ellipse and recomputes the layout.
func (s *Store) SetViewport(v Viewport) {
	s.mu.Lock()
	defer s.unlock()
	if v.Width > 0 {
		s.opts.Viewport.Width = v.Width
	}
	if v.Height > 0 {
		s.opts.Viewport.Height = v.Height
	}
	s.layout()
}

// TogglePhysics switches the physics of a node, or sets it when enabled is
// given. The node keeps its position in later layout passes.
func (s *Store) TogglePhysics(id string, enabled *bool) (NodeView, error) {
	s.mu.Lock()
	defer s.unlock()
	n, ok := s.nodes[id]
	if !ok {
		return NodeView{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if enabled != nil {
		n.Physics = *enabled
	} else {
		n.Physics = !n.Physics
	}
	n.UserAdjusted = true
	s.emit(nodeEvent(NodeUpdated, n))
	return n.view(), nil
}

// Drag records the position a node was dropped at and locks its physics.
func (s *Store) Drag(id string, x, y float64) (NodeView, error) {
	s.mu.Lock()
	defer s.unlock()
	n, ok := s.nodes[id]
	if !ok {
		return NodeView{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.X, n.Y = x, y
	n.Physics = false
	n.Placed = true
	n.UserAdjusted = true
	s.emit(nodeEvent(NodeUpdated, n))
	return n.view(), nil
}
