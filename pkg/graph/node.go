package graph

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ondemandenv/user-pool/pkg/common"
)

// Node is the tracked state of one entity.
type Node struct {
	ID     string
	Kind   common.Kind
	Entity common.Entity
	Parent string
	// Children in declaration order.
	Children []string

	X, Y    float64
	Placed  bool
	Physics bool
	// UserAdjusted nodes keep their position across layout passes.
	UserAdjusted bool

	Params map[string]common.Parameter

	sub         Subscription
	subscribing bool

	build   *buildInfo
	enver   *enverInfo
	product *productInfo
}

type buildInfo struct {
	Repo     string
	WorkDirs []string
}

type enverInfo struct {
	BuildID    string
	Revision   string
	Content    common.EnverContent
	Paths      enverPaths
	Consumings []common.Consuming
	// consumed maps a product share path to the version this environment
	// currently consumes.
	consumed map[string]int64
}

type productInfo struct {
	Version int64
	Known   bool
}

func newNode(id string, kind common.Kind, entity common.Entity, parent string) *Node {
	return &Node{
		ID:      id,
		Kind:    kind,
		Entity:  entity,
		Parent:  parent,
		Physics: true,
		Params:  make(map[string]common.Parameter),
	}
}

func (n *Node) label() string {
	switch n.Kind {
	case common.KindRepository:
		return n.Entity.ID
	case common.KindProduct:
		label := n.ID[strings.LastIndex(n.ID, "/")+1:]
		if n.product != nil && n.product.Known {
			label += "@" + strconv.FormatInt(n.product.Version, 10)
		}
		return label
	default:
		return n.ID
	}
}

func (n *Node) subscribed() bool {
	return n.sub != nil && n.sub.Active()
}

func (n *Node) removeChild(id string) {
	for i, c := range n.Children {
		if c == id {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}

func (n *Node) addChild(id string) {
	for _, c := range n.Children {
		if c == id {
			return
		}
	}
	n.Children = append(n.Children, id)
}

// NodeView is the read-only state of a node handed to the presentation layer.
type NodeView struct {
	ID           string      `json:"id"`
	Kind         common.Kind `json:"kind"`
	Label        string      `json:"label"`
	Parent       string      `json:"parent,omitempty"`
	Children     []string    `json:"children,omitempty"`
	X            float64     `json:"x"`
	Y            float64     `json:"y"`
	Placed       bool        `json:"placed"`
	Physics      bool        `json:"physics"`
	UserAdjusted bool        `json:"userAdjusted"`
	Subscribed   bool        `json:"subscribed"`
	Visual       Visual      `json:"visual"`
}

func (n *Node) view() NodeView {
	return NodeView{
		ID:           n.ID,
		Kind:         n.Kind,
		Label:        n.label(),
		Parent:       n.Parent,
		Children:     append([]string(nil), n.Children...),
		X:            n.X,
		Y:            n.Y,
		Placed:       n.Placed,
		Physics:      n.Physics,
		UserAdjusted: n.UserAdjusted,
		Subscribed:   n.subscribed(),
		Visual:       capabilityOf(n.Kind).visual,
	}
}

// parameters returns the cached parameters sorted by name.
func (n *Node) parameters() []common.Parameter {
	out := make([]common.Parameter, 0, len(n.Params))
	for _, p := range n.Params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
