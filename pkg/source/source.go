// Package source answers query-by-ids for build entities, either live from
// the AppSync HTTP GraphQL endpoint or from an entity snapshot kept in S3.
package source

import (
	"context"
	"errors"

	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/logger"
)

// ErrGraphQL wraps errors reported in a GraphQL response body.
var ErrGraphQL = errors.New("graphql error")

// Source returns the build entities for ids. Unknown ids are omitted.
type Source interface {
	QueryBuilds(ctx context.Context, ids []string) ([]common.Entity, error)
}

// Recorder passes queries through to Source and writes every successful
// result to Snapshot, so a later run can replay it offline.
type Recorder struct {
	Source   Source
	Snapshot *Snapshot
}

func (r Recorder) QueryBuilds(ctx context.Context, ids []string) ([]common.Entity, error) {
	entities, err := r.Source.QueryBuilds(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := r.Snapshot.Save(ctx, entities); err != nil {
		logger.Warn("[Source] Failed to record snapshot", "err", err)
	}
	return entities, nil
}
