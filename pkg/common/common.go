package common

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind classifies an entity in the dependency graph. For build, environment
// and product entities the kind follows from the depth of the path-like id;
// repositories are synthesized from build content and carry their kind
// explicitly.
type Kind string

const (
	KindRepository  Kind = "REPOSITORY"
	KindBuild       Kind = "BUILD"
	KindEnvironment Kind = "ENVER"
	KindProduct     Kind = "PRODUCT"
)

// RepoNodePrefix marks synthesized repository node ids, keeping them apart
// from `build/revision` environment ids.
const RepoNodePrefix = "repo:"

// KindFromID derives the kind of a node id. Repository ids carry
// RepoNodePrefix; the others follow from the number of path segments:
// `build`, `build/revision`, `build/revision/product`.
func KindFromID(id string) (Kind, bool) {
	if strings.HasPrefix(id, RepoNodePrefix) {
		return KindRepository, true
	}
	switch len(strings.Split(id, "/")) {
	case 1:
		return KindBuild, true
	case 2:
		return KindEnvironment, true
	case 3:
		return KindProduct, true
	default:
		return "", false
	}
}

// Entity is a node of the dependency graph as delivered by the backend.
// Content is an opaque structured payload; for builds and environments it is
// either a JSON object or a JSON string containing an object.
type Entity struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content,omitempty"`
}

// DecodeContent unmarshals the entity payload into v, unwrapping one level of
// JSON string encoding when the backend delivered the object as a string.
func (e Entity) DecodeContent(v any) error {
	return DecodeMaybeString(e.Content, v)
}

// DecodeMaybeString unmarshals raw into v. If raw is a JSON string the string
// itself is decoded as JSON.
func DecodeMaybeString(raw json.RawMessage, v any) error {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		return json.Unmarshal([]byte(inner), v)
	}
	return json.Unmarshal(raw, v)
}

// Repo identifies the source repository of a build.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ID returns the repository entity id, `owner/name`.
func (r Repo) ID() string {
	return r.Owner + "/" + r.Name
}

// NodeID returns the graph node id of the repository, `repo:owner/name`.
func (r Repo) NodeID() string {
	return RepoNodePrefix + r.ID()
}

// BuildContent is the payload of a build entity.
type BuildContent struct {
	Repo     Repo     `json:"repo"`
	WorkDirs []string `json:"workDirs,omitempty"`
	Envers   []Entity `json:"envers"`
}

// Consuming declares that an environment consumes a product of another
// environment.
type Consuming struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
}

// EnverContent is the payload of an environment entity. Account holds the
// account id and the account name.
type EnverContent struct {
	Account    [2]string   `json:"account"`
	CsResType  string      `json:"csResType"`
	Products   []Entity    `json:"products"`
	Consumings []Consuming `json:"consumings"`
	// Stacks lists managed stack names, CDK environments only.
	Stacks []string `json:"stacks,omitempty"`
}

// Parameter is one record returned by the bulk key-read backend.
type Parameter struct {
	Name         string    `json:"name"`
	Value        string    `json:"value"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// ChangeOperation is the kind of change announced by an entity change
// notification.
type ChangeOperation string

const (
	ChangeCreate ChangeOperation = "Create"
	ChangeUpdate ChangeOperation = "Update"
	ChangeDelete ChangeOperation = "Delete"
)

// Change is the decoded content of an onEntityChanged notification. Name is
// the parameter path that changed.
type Change struct {
	Operation ChangeOperation `json:"operation"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
}
