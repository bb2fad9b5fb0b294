package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ondemandenv/user-pool/internal/util"
	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/logger"

	"github.com/tidwall/gjson"
)

const listEntitiesQuery = `query ListEntitiesWithFilter($filter: String, $pagination: PaginationInput) {
    listEntitiesWithFilter(filter: $filter, pagination: $pagination) {
        items {
            id
            content
        }
        nextToken
    }
}`

const (
	defaultPageLimit = 1000
	defaultMaxTries  = 3
)

// RequestSigner authorizes an outgoing request whose body is payload.
type RequestSigner interface {
	SignRequest(ctx context.Context, req *http.Request, payload []byte) error
}

type AppSyncOptions struct {
	HTTPClient *http.Client
	// MaxTries per page, default 3.
	MaxTries int
	// PageLimit is the pagination limit sent with each query, default 1000.
	PageLimit int
}

// AppSync queries build entities with listEntitiesWithFilter, following
// nextToken until the result is complete.
type AppSync struct {
	endpoint string
	signer   RequestSigner
	opts     AppSyncOptions
}

func NewAppSync(endpoint string, signer RequestSigner, opts AppSyncOptions) *AppSync {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = defaultMaxTries
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	return &AppSync{endpoint: endpoint, signer: signer, opts: opts}
}

type page struct {
	items []common.Entity
	next  string
}

func (a *AppSync) QueryBuilds(ctx context.Context, ids []string) ([]common.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}

	var out []common.Entity
	token := ""
	for {
		p, err := util.RetryWithContext(ctx, a.opts.MaxTries, func(ctx context.Context) (page, error) {
			return a.list(ctx, string(filter), token)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, p.items...)
		if p.next == "" {
			break
		}
		token = p.next
	}
	logger.Debug("[Source] Queried builds", "requested", len(ids), "returned", len(out))
	return out, nil
}

func (a *AppSync) list(ctx context.Context, filter, token string) (page, error) {
	pagination := map[string]any{"limit": a.opts.PageLimit}
	if token != "" {
		pagination["nextToken"] = token
	}
	payload, err := json.Marshal(map[string]any{
		"query":         listEntitiesQuery,
		"operationName": "ListEntitiesWithFilter",
		"variables": map[string]any{
			"filter":     filter,
			"pagination": pagination,
		},
	})
	if err != nil {
		return page{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return page{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.signer != nil {
		if err := a.signer.SignRequest(ctx, req, payload); err != nil {
			return page{}, err
		}
	}

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("failed to query entities: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return page{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return page{}, fmt.Errorf("entity query failed with status %d: %s", resp.StatusCode, body)
	}

	if !gjson.ValidBytes(body) {
		return page{}, fmt.Errorf("entity query returned invalid json")
	}
	res := gjson.ParseBytes(body)
	if errs := res.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return page{}, fmt.Errorf("%w: %s", ErrGraphQL, errs.Get("0.message").String())
	}

	conn := res.Get("data.listEntitiesWithFilter")
	var p page
	if items := conn.Get("items"); items.Exists() && items.Type != gjson.Null {
		if err := json.Unmarshal([]byte(items.Raw), &p.items); err != nil {
			return page{}, fmt.Errorf("failed to decode entities: %w", err)
		}
	}
	p.next = conn.Get("nextToken").String()
	return p, nil
}
