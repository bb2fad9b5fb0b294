// Package sigv4 signs AppSync requests with AWS Signature Version 4. The same
// signature scheme authorizes the realtime handshake, every subscription
// start message and plain HTTP GraphQL calls.
package sigv4

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const serviceName = "appsync"

// Signer produces the lower-cased header set that authorizes a POST of
// payload to path on the AppSync HTTP endpoint.
type Signer interface {
	Sign(ctx context.Context, path string, payload []byte, extra map[string]string) (map[string]string, error)
}

// AppSyncSigner signs with credentials from an aws.CredentialsProvider.
type AppSyncSigner struct {
	endpoint *url.URL
	region   string
	creds    aws.CredentialsProvider
	signer   *v4.Signer
	now      func() time.Time
}

// NewAppSyncSigner creates a signer for the AppSync HTTP endpoint, e.g.
// https://xxx.appsync-api.us-east-1.amazonaws.com/graphql.
func NewAppSyncSigner(httpEndpoint, region string, creds aws.CredentialsProvider) (*AppSyncSigner, error) {
	u, err := url.Parse(httpEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid AppSync endpoint %q: %w", httpEndpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid AppSync endpoint %q: missing host", httpEndpoint)
	}
	return &AppSyncSigner{
		endpoint: u,
		region:   region,
		creds:    creds,
		signer:   v4.NewSigner(),
		now:      time.Now,
	}, nil
}

// Host returns the host of the HTTP endpoint the signatures are scoped to.
func (s *AppSyncSigner) Host() string {
	return s.endpoint.Host
}

// Sign builds a request for path, signs it and returns its headers keyed in
// lower case. Extra headers take part in the signature.
func (s *AppSyncSigner) Sign(ctx context.Context, path string, payload []byte, extra map[string]string) (map[string]string, error) {
	target := *s.endpoint
	target.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build signing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	if err := s.SignRequest(ctx, req, payload); err != nil {
		return nil, err
	}

	headers := map[string]string{"host": req.URL.Host}
	for k, v := range req.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ",")
	}
	return headers, nil
}

// SignRequest signs req in place. payload must be the exact request body.
func (s *AppSyncSigner) SignRequest(ctx context.Context, req *http.Request, payload []byte) error {
	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve credentials: %w", err)
	}
	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, serviceName, s.region, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}
