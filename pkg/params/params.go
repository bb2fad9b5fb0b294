// Package params deduplicates and batches key reads against a bulk-read
// backend that accepts at most a handful of names per call.
package params

import (
	"context"

	"github.com/ondemandenv/user-pool/pkg/common"
)

// MaxBatchSize is the largest number of names the parameter store accepts in
// one GetParameters call.
const MaxBatchSize = 10

// BulkGetter reads up to MaxBatchSize names in one call. Names missing from
// the returned records are treated as not found.
type BulkGetter interface {
	GetParameters(ctx context.Context, names []string) ([]common.Parameter, error)
}

// BulkGetterFunc adapts a function to BulkGetter.
type BulkGetterFunc func(ctx context.Context, names []string) ([]common.Parameter, error)

func (f BulkGetterFunc) GetParameters(ctx context.Context, names []string) ([]common.Parameter, error) {
	return f(ctx, names)
}

// Result is delivered to a Handler once per requested name. It is either a
// Found or a NotFound.
type Result interface {
	ParamName() string
}

// Found carries the record of a name that has a current value.
type Found struct {
	common.Parameter
}

func (f Found) ParamName() string { return f.Name }

// NotFound is the sentinel for a name without a current value.
type NotFound string

func (n NotFound) ParamName() string { return string(n) }

// Handler receives the result for one name.
type Handler func(Result)
