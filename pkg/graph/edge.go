package graph

import "strconv"

type EdgeKind string

const (
	EdgeRepoBuild   EdgeKind = "repo-build"
	EdgeBuildEnver  EdgeKind = "build-enver"
	EdgeProduction  EdgeKind = "production"
	EdgeConsumption EdgeKind = "consumption"
)

// EdgeID is deterministic in the endpoints.
func EdgeID(from, to string) string {
	return from + " -> " + to
}

// Edge is a directed relation between two tracked nodes. Consumption edges
// track the version the consumer uses and the latest produced version, both
// -1 until known.
type Edge struct {
	ID   string
	From string
	To   string
	Kind EdgeKind

	ProducerVersion int64
	ConsumerVersion int64
}

func newEdge(from, to string, kind EdgeKind) *Edge {
	return &Edge{
		ID:              EdgeID(from, to),
		From:            from,
		To:              to,
		Kind:            kind,
		ProducerVersion: -1,
		ConsumerVersion: -1,
	}
}

// Outdated reports whether the consumer lags behind the producer.
func (e *Edge) Outdated() bool {
	return e.Kind == EdgeConsumption && e.ConsumerVersion < e.ProducerVersion
}

func (e *Edge) label() string {
	switch e.Kind {
	case EdgeRepoBuild, EdgeBuildEnver:
		return "owns"
	case EdgeProduction:
		return "produces"
	case EdgeConsumption:
		if e.ConsumerVersion < 0 && e.ProducerVersion < 0 {
			return "consumes"
		}
		return "Consuming " + strconv.FormatInt(e.ConsumerVersion, 10)
	default:
		return ""
	}
}

// EdgeView is the read-only state of an edge.
type EdgeView struct {
	ID              string   `json:"id"`
	From            string   `json:"from"`
	To              string   `json:"to"`
	Kind            EdgeKind `json:"kind"`
	Label           string   `json:"label"`
	ProducerVersion int64    `json:"producerVersion"`
	ConsumerVersion int64    `json:"consumerVersion"`
	Outdated        bool     `json:"outdated"`
	Color           string   `json:"color"`
	Dashes          bool     `json:"dashes"`
}

func (e *Edge) view() EdgeView {
	v := EdgeView{
		ID:              e.ID,
		From:            e.From,
		To:              e.To,
		Kind:            e.Kind,
		Label:           e.label(),
		ProducerVersion: e.ProducerVersion,
		ConsumerVersion: e.ConsumerVersion,
		Outdated:        e.Outdated(),
	}
	switch e.Kind {
	case EdgeProduction:
		v.Color = "#00aa00"
	case EdgeConsumption:
		v.Color = "#aa0000"
		if v.Outdated {
			v.Color = "#ff9900"
			v.Dashes = true
		}
	default:
		v.Color = "#666666"
	}
	return v
}
