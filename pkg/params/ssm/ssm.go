// Package ssm implements the bulk key-read backend on top of AWS Systems
// Manager Parameter Store.
package ssm

import (
	"context"
	"fmt"

	"github.com/ondemandenv/user-pool/pkg/common"
	"github.com/ondemandenv/user-pool/pkg/params"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// API is the subset of the SSM client used here.
type API interface {
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

type Store struct {
	api API
}

var _ params.BulkGetter = (*Store)(nil)

func New(api API) *Store {
	return &Store{api: api}
}

// NewFromConfig creates a store with an SSM client for cfg. endpoint
// overrides the service url when set, e.g. for LocalStack.
func NewFromConfig(cfg aws.Config, endpoint string) *Store {
	client := ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client)
}

// GetParameters reads up to params.MaxBatchSize decrypted parameters. Invalid
// names are left out of the result.
func (s *Store) GetParameters(ctx context.Context, names []string) ([]common.Parameter, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if len(names) > params.MaxBatchSize {
		return nil, fmt.Errorf("requested %d parameters, at most %d allowed", len(names), params.MaxBatchSize)
	}

	out, err := s.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get parameters: %w", err)
	}

	records := make([]common.Parameter, 0, len(out.Parameters))
	for _, p := range out.Parameters {
		rec := common.Parameter{
			Name:    aws.ToString(p.Name),
			Value:   aws.ToString(p.Value),
			Version: p.Version,
		}
		if p.LastModifiedDate != nil {
			rec.LastModified = *p.LastModifiedDate
		}
		records = append(records, rec)
	}
	return records, nil
}
