package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ondemandenv/user-pool/pkg/common"
)

type Visual struct {
	Shape      string `json:"shape"`
	Background string `json:"background"`
	Border     string `json:"border"`
	Size       int    `json:"size"`
}

type MenuItem struct {
	Icon  string `json:"icon"`
	Label string `json:"label"`
}

// Field is one labelled value of a node's detail window.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// capability is what a node kind can do and how it looks.
type capability struct {
	visual Visual
	menu   []MenuItem
	// subscribable kinds open their own change subscription; passive kinds
	// are kept up to date by their parent.
	subscribable bool
	tooltip      func(s *Store, n *Node) string
	fields       func(s *Store, n *Node) []Field
}

var capabilities = map[common.Kind]capability{
	common.KindRepository: {
		visual: Visual{Shape: "diamond", Background: "#ff9999", Border: "#ff0000", Size: 16},
		menu: []MenuItem{
			{Icon: "source", Label: "View Source"},
			{Icon: "build", Label: "Build Jobs"},
			{Icon: "history", Label: "View History"},
		},
		subscribable: true,
		tooltip: func(s *Store, n *Node) string {
			return fmt.Sprintf("%s\nBuilds: %s", n.Entity.ID, strings.Join(n.Children, ", "))
		},
		fields: func(s *Store, n *Node) []Field {
			return []Field{
				{Label: "Repository", Value: n.Entity.ID},
				{Label: "Builds", Value: strings.Join(n.Children, "\n")},
			}
		},
	},
	common.KindBuild: {
		visual: Visual{Shape: "square", Background: "#99ff99", Border: "#00ff00", Size: 16},
		menu: []MenuItem{
			{Icon: "play_arrow", Label: "Run Job"},
			{Icon: "schedule", Label: "Schedule"},
			{Icon: "analytics", Label: "View Logs"},
		},
		subscribable: true,
		tooltip: func(s *Store, n *Node) string {
			var b strings.Builder
			fmt.Fprintf(&b, "%s\nRepository: %s", n.ID, n.build.Repo)
			if len(n.Children) > 0 {
				b.WriteString("\nEnvironments:")
				for _, c := range n.Children {
					_, rev, _ := strings.Cut(c, "/")
					b.WriteString("\n- " + rev)
				}
			}
			return b.String()
		},
		fields: func(s *Store, n *Node) []Field {
			return []Field{
				{Label: "Build", Value: n.ID},
				{Label: "Repository", Value: n.build.Repo},
				{Label: "Work dirs", Value: strings.Join(n.build.WorkDirs, "\n")},
				{Label: "Environments", Value: strings.Join(n.Children, "\n")},
			}
		},
	},
	common.KindEnvironment: {
		visual: Visual{Shape: "dot", Background: "#9999ff", Border: "#0000ff", Size: 16},
		menu: []MenuItem{
			{Icon: "visibility", Label: "Show Productions"},
			{Icon: "settings", Label: "Environment Settings"},
			{Icon: "refresh", Label: "Refresh Status"},
		},
		subscribable: true,
		tooltip:      enverTooltip,
		fields:       enverFields,
	},
	common.KindProduct: {
		visual: Visual{Shape: "triangle", Background: "#ffff99", Border: "#ffff00", Size: 16},
		menu: []MenuItem{
			{Icon: "info", Label: "View Details"},
			{Icon: "history", Label: "Version History"},
		},
		subscribable: false,
		tooltip: func(s *Store, n *Node) string {
			title := n.ID[strings.LastIndex(n.ID, "/")+1:]
			p, ok := n.Params[sharePath(n.ID)]
			switch {
			case ok:
				return fmt.Sprintf("%s\nVersion: %d\nValue: %s", title, p.Version, p.Value)
			case s.authenticated():
				return title + "\nVersion information unavailable. Enver not deployed."
			default:
				return title + "\nLogin to view version details."
			}
		},
		fields: func(s *Store, n *Node) []Field {
			p, ok := n.Params[sharePath(n.ID)]
			if !ok {
				return []Field{{Label: "Product", Value: "not loaded"}}
			}
			return []Field{
				{Label: "Product", Value: p.Name},
				{Label: "Version", Value: strconv.FormatInt(p.Version, 10)},
				{Label: "Value", Value: p.Value},
			}
		},
	},
}

func capabilityOf(kind common.Kind) capability {
	return capabilities[kind]
}

func enverTooltip(s *Store, n *Node) string {
	e := n.enver
	var b strings.Builder
	b.WriteString(n.ID)

	var produces []string
	for _, c := range n.Children {
		produces = append(produces, c[strings.LastIndex(c, "/")+1:])
	}
	if len(produces) > 0 {
		b.WriteString("\nProduces: " + strings.Join(produces, ", "))
	}
	var consumes []string
	for _, c := range e.Consumings {
		consumes = append(consumes, c.ProductID[strings.LastIndex(c.ProductID, "/")+1:])
	}
	if len(consumes) > 0 {
		b.WriteString("\nConsumes: " + strings.Join(consumes, ", "))
	}

	b.WriteString("\n" + e.Paths.WorkflowStatus)
	status, ok := n.Params[e.Paths.WorkflowStatus]
	if !ok {
		b.WriteString("\nVersion: n/a updated on n/a")
		if s.authenticated() {
			b.WriteString("\nNever ran ...")
		} else {
			b.WriteString("\nLogin to see details")
		}
		return b.String()
	}
	fmt.Fprintf(&b, "\nVersion: %d updated on %s", status.Version, status.LastModified.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "\nWFL status: %s\ntrigger msg: %s", status.Value, n.Params[e.Paths.WorkflowTrigger].Value)
	return b.String()
}

func enverFields(s *Store, n *Node) []Field {
	e := n.enver
	value := func(name string) string {
		if p, ok := n.Params[name]; ok {
			return p.Value
		}
		return "N/A"
	}
	fields := []Field{
		{Label: "Environment", Value: n.ID},
		{Label: "Account", Value: e.Content.Account[1] + " (" + e.Content.Account[0] + ")"},
		{Label: "Kind", Value: e.Content.CsResType},
		{Label: "Workflow status", Value: value(e.Paths.WorkflowStatus)},
		{Label: "Trigger message", Value: value(e.Paths.WorkflowTrigger)},
		{Label: "Control plane stack", Value: value(e.Paths.CtlPpStack)},
		{Label: "Central stack", Value: value(e.Paths.CentralStack)},
	}
	for _, sp := range e.Paths.Stacks {
		fields = append(fields, Field{Label: sp[strings.LastIndex(sp, "/")+1:], Value: value(sp)})
	}
	return fields
}

// Details is everything the presentation layer shows for one node.
type Details struct {
	Node       NodeView           `json:"node"`
	Tooltip    string             `json:"tooltip"`
	Fields     []Field            `json:"fields"`
	Menu       []MenuItem         `json:"menu"`
	Parameters []common.Parameter `json:"parameters"`
}

// Details returns the tooltip, detail fields, menu and cached parameters of a
// node.
func (s *Store) Details(id string) (Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Details{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	c := capabilityOf(n.Kind)
	return Details{
		Node:       n.view(),
		Tooltip:    c.tooltip(s, n),
		Fields:     c.fields(s, n),
		Menu:       append([]MenuItem(nil), c.menu...),
		Parameters: n.parameters(),
	}, nil
}
