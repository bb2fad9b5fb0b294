package graph

type EventType string

const (
	NodeAdded   EventType = "node-added"
	NodeUpdated EventType = "node-updated"
	NodeRemoved EventType = "node-removed"
	EdgeAdded   EventType = "edge-added"
	EdgeUpdated EventType = "edge-updated"
	EdgeRemoved EventType = "edge-removed"
)

// Event reports one change of the graph. Node is set for node events, Edge
// for edge events; removals carry the last known state.
type Event struct {
	Type EventType `json:"type"`
	Node *NodeView `json:"node,omitempty"`
	Edge *EdgeView `json:"edge,omitempty"`
}

// Snapshot is the complete graph at one point in time.
type Snapshot struct {
	Viewport Viewport   `json:"viewport"`
	Nodes    []NodeView `json:"nodes"`
	Edges    []EdgeView `json:"edges"`
}

func nodeEvent(t EventType, n *Node) Event {
	v := n.view()
	return Event{Type: t, Node: &v}
}

func edgeEvent(t EventType, e *Edge) Event {
	v := e.view()
	return Event{Type: t, Edge: &v}
}
