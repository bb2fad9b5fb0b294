package auth

import (
	"context"
	"fmt"

	"github.com/ondemandenv/user-pool/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// LoadAWSConfig resolves the AWS configuration used for signing and for the
// parameter store. Static keys from AWS_ACCESS_KEY / AWS_SECRET_KEY /
// AWS_SESSION_TOKEN win over the default credential chain.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey := util.GetEnv("AWS_ACCESS_KEY"); accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			util.GetEnv("AWS_SECRET_KEY"),
			util.GetEnv("AWS_SESSION_TOKEN"),
		)))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	if cfg.Credentials == nil {
		return aws.Config{}, fmt.Errorf("no aws credentials available")
	}
	return cfg, nil
}
