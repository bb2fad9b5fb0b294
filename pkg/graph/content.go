package graph

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ondemandenv/user-pool/pkg/common"

	"github.com/tidwall/gjson"
)

// Environment kinds by csResType.
const (
	ResTypeCmdsGH            = "CmdsGH"
	ResTypeCdkGithubWF       = "CdkGithubWF"
	ResTypeContainerImageEcr = "ContainerImageEcr"
)

const (
	sharePrefix       = "/odmd-share/"
	enverChangePrefix = "/odmd-enver"
	contractsShareKey = "ContractsShareInNow"
)

type parsedBuild struct {
	entity  common.Entity
	content common.BuildContent
	envers  []parsedEnver
}

type parsedEnver struct {
	entity  common.Entity
	content common.EnverContent
}

// parseBuild decodes a build entity and its declared environments. A build
// declaring an environment of unknown kind is rejected as a whole.
func parseBuild(e common.Entity) (parsedBuild, error) {
	if kind, ok := common.KindFromID(e.ID); !ok || kind != common.KindBuild {
		return parsedBuild{}, fmt.Errorf("build %q: id is not a build id", e.ID)
	}
	pb := parsedBuild{entity: e}
	if err := e.DecodeContent(&pb.content); err != nil {
		return parsedBuild{}, fmt.Errorf("build %q: failed to decode content: %w", e.ID, err)
	}
	if pb.content.Repo.Owner == "" || pb.content.Repo.Name == "" {
		return parsedBuild{}, fmt.Errorf("build %q: missing repo", e.ID)
	}

	for _, ce := range pb.content.Envers {
		pe, err := parseEnver(ce)
		if err != nil {
			return parsedBuild{}, fmt.Errorf("build %q: %w", e.ID, err)
		}
		pb.envers = append(pb.envers, pe)
	}
	return pb, nil
}

func parseEnver(e common.Entity) (parsedEnver, error) {
	if kind, ok := common.KindFromID(e.ID); !ok || kind != common.KindEnvironment {
		return parsedEnver{}, fmt.Errorf("enver %q: id is not an environment id", e.ID)
	}
	pe := parsedEnver{entity: e}
	if err := e.DecodeContent(&pe.content); err != nil {
		return parsedEnver{}, fmt.Errorf("enver %q: failed to decode content: %w", e.ID, err)
	}
	switch pe.content.CsResType {
	case ResTypeCmdsGH, ResTypeCdkGithubWF, ResTypeContainerImageEcr:
	default:
		return parsedEnver{}, fmt.Errorf("enver %q: unsupported csResType %q", e.ID, pe.content.CsResType)
	}
	for _, p := range pe.content.Products {
		if kind, ok := common.KindFromID(p.ID); !ok || kind != common.KindProduct {
			return parsedEnver{}, fmt.Errorf("enver %q: %q is not a product id", e.ID, p.ID)
		}
	}
	return pe, nil
}

// enverPaths are the parameter names an environment reads on subscription.
type enverPaths struct {
	SharingVersion  string
	WorkflowStatus  string
	WorkflowTrigger string
	CtlPpStack      string
	CentralStack    string
	Stacks          []string
}

var nonStackChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

func sharePath(productID string) string {
	return sharePrefix + productID
}

// revisionTail is the part of a revision reference after its last "..".
func revisionTail(rev string) string {
	parts := strings.Split(rev, "..")
	return parts[len(parts)-1]
}

func newEnverPaths(enverID, repo, region string, c common.EnverContent) enverPaths {
	buildID, rev, _ := strings.Cut(enverID, "/")
	tail := revisionTail(rev)

	workflow := fmt.Sprintf("ODMD_%s-%s%s-%s", buildID, c.CsResType, region, c.Account[0])
	status := fmt.Sprintf("/odmd-github/%s/%s/.github/workflows/%s.yaml", repo, tail, workflow)

	p := enverPaths{
		SharingVersion:  fmt.Sprintf("%s%s/%s/share..version", sharePrefix, buildID, rev),
		WorkflowStatus:  status,
		WorkflowTrigger: status + "/triggerMsg",
		CtlPpStack: fmt.Sprintf("/odmd-managed-stack/%s/odmd-ctl-BUILD-%s-%s-pp-%s",
			buildID, buildID, c.Account[1], nonStackChars.ReplaceAllString(tail, "")),
		CentralStack: fmt.Sprintf("/odmd-managed-stack/%s/odmd-BUILD-%s-%s", buildID, buildID, c.Account[1]),
	}
	if c.CsResType == ResTypeCdkGithubWF {
		for _, s := range c.Stacks {
			p.Stacks = append(p.Stacks, fmt.Sprintf("/odmd-managed-stack/%s/%s", buildID, s))
		}
	}
	return p
}

func (p enverPaths) all() []string {
	return append([]string{
		p.SharingVersion,
		p.WorkflowStatus,
		p.WorkflowTrigger,
		p.CtlPpStack,
		p.CentralStack,
	}, p.Stacks...)
}

// parseSharingVersions decodes the share-version parameter: a JSON array of
// `<enver id>:<base64 json object>` entries, each object mapping product names
// to the consumed version. The result is keyed by product share path.
func parseSharingVersions(value string) (map[string]int64, error) {
	var entries []string
	if err := json.Unmarshal([]byte(value), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode sharing versions: %w", err)
	}

	out := make(map[string]int64)
	for _, entry := range entries {
		k, encoded, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("malformed sharing version entry %q", entry)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("sharing version entry %q: %w", k, err)
		}
		if !gjson.ValidBytes(decoded) {
			return nil, fmt.Errorf("sharing version entry %q: invalid json", k)
		}
		gjson.ParseBytes(decoded).ForEach(func(name, version gjson.Result) bool {
			if name.String() != contractsShareKey {
				out[sharePrefix+k+"/"+name.String()] = version.Int()
			}
			return true
		})
	}
	return out, nil
}

// changeFromData extracts the change notification carried by a subscription
// data payload, `{"onEntityChanged":{"id":..., "content":...}}`.
func changeFromData(data json.RawMessage) (common.Change, error) {
	content := gjson.GetBytes(data, "onEntityChanged.content")
	if !content.Exists() {
		return common.Change{}, fmt.Errorf("data without onEntityChanged.content")
	}
	var change common.Change
	if err := common.DecodeMaybeString(json.RawMessage(content.Raw), &change); err != nil {
		return common.Change{}, fmt.Errorf("failed to decode change: %w", err)
	}
	return change, nil
}
