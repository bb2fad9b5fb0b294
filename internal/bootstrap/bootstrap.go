// Package bootstrap assembles the live graph runtime from the environment.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ondemandenv/user-pool/internal/storage"
	"github.com/ondemandenv/user-pool/internal/util"
	"github.com/ondemandenv/user-pool/pkg/auth"
	"github.com/ondemandenv/user-pool/pkg/graph"
	"github.com/ondemandenv/user-pool/pkg/logger"
	"github.com/ondemandenv/user-pool/pkg/params"
	"github.com/ondemandenv/user-pool/pkg/params/ssm"
	"github.com/ondemandenv/user-pool/pkg/realtime"
	"github.com/ondemandenv/user-pool/pkg/sigv4"
	"github.com/ondemandenv/user-pool/pkg/source"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	paramCallTimeout   = 15 * time.Second
	resubscribeTimeout = 30 * time.Second
)

// Runtime is every long-lived component of one viewer.
type Runtime struct {
	Session *auth.Session
	Client  *realtime.Client
	Batcher *params.Batcher
	Source  source.Source
	Store   *graph.Store
}

// Load reads the configuration and builds the runtime. Nothing connects
// until the first reconcile of an authenticated viewer.
func Load(ctx context.Context) (*Runtime, error) {
	region := util.GetEnvString("AWS_REGION", "us-east-1")
	httpURL := util.GetEnv("APPSYNC_HTTP_URL")
	if httpURL == "" {
		return nil, fmt.Errorf("APPSYNC_HTTP_URL is required")
	}

	cfg, err := auth.LoadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}

	var kf jwt.Keyfunc
	if jwksURL := util.GetEnv("AUTH_JWKS_URL"); jwksURL != "" {
		if kf, err = auth.NewJWKSKeyfunc(ctx, jwksURL); err != nil {
			return nil, err
		}
	}
	session := auth.NewSession(kf)
	if token := util.GetEnv("ID_TOKEN"); token != "" {
		if err := session.SetToken(token); err != nil {
			logger.Warn("[Bootstrap] Ignoring ID_TOKEN", "err", err)
		}
	}

	signer, err := sigv4.NewAppSyncSigner(httpURL, region, cfg.Credentials)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Session: session}

	rt.Client = realtime.New(realtime.Options{
		WSSEndpoint: util.GetEnvString("APPSYNC_WSS_URL", RealtimeURL(httpURL)),
		Signer:      signer,
		Backoff: util.Backoff{
			Base:        util.GetEnvMillis("WS_BACKOFF_BASE_MS", time.Second),
			Max:         util.GetEnvMillis("WS_BACKOFF_MAX_MS", 5*time.Second),
			MaxAttempts: int(util.GetEnvNumeric("WS_MAX_RECONNECT", 3)),
		},
		// subscriptions are not resumed by the socket; the store renews them
		OnConnected: func() {
			ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
			defer cancel()
			if err := rt.Store.Resubscribe(ctx); err != nil {
				logger.Error("[Bootstrap] Failed to resubscribe", "err", err)
			}
		},
	})

	var limiter *rate.Limiter
	if perSec := util.GetEnvNumeric("PARAM_RATE_PER_SEC", 0); perSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	rt.Batcher = params.NewBatcher(ssm.NewFromConfig(cfg, util.GetEnv("SSM_ENDPOINT")), params.Options{
		BatchSize:   int(util.GetEnvNumeric("PARAM_BATCH_SIZE", params.MaxBatchSize)),
		CallTimeout: paramCallTimeout,
		Limiter:     limiter,
		OnBatchError: func(names []string, err error) {
			logger.Error("[Bootstrap] Parameter batch failed", "names", names, "err", err)
		},
	})

	rt.Source, err = loadSource(ctx, httpURL, signer)
	if err != nil {
		rt.Batcher.Close()
		return nil, err
	}

	rt.Store = graph.New(graph.Options{
		Subscriber: graph.NewRealtimeSubscriber(rt.Client),
		Fetcher:    rt.Batcher,
		Source:     rt.Source,
		Auth:       session,
		Viewport: graph.Viewport{
			Width:  util.GetEnvNumeric("VIEWPORT_WIDTH", 1600),
			Height: util.GetEnvNumeric("VIEWPORT_HEIGHT", 900),
		},
		Region: region,
	})
	return rt, nil
}

func loadSource(ctx context.Context, httpURL string, signer *sigv4.AppSyncSigner) (source.Source, error) {
	live := source.NewAppSync(httpURL, signer, source.AppSyncOptions{})
	mode := util.GetEnvString("ENTITY_SOURCE", "appsync")
	record := util.GetEnvBool("ENTITY_RECORD", false)
	if mode == "appsync" && !record {
		return live, nil
	}

	bucket := util.GetEnv("AWS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("AWS_BUCKET is required for entity snapshots")
	}
	client, err := storage.NewS3Client(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := source.NewSnapshot(
		storage.NewBucket(client, bucket),
		util.GetEnvString("ENTITY_SNAPSHOT_KEY", "entities.json"),
	)

	switch mode {
	case "s3":
		logger.Info("[Bootstrap] Serving entities from snapshot", "bucket", bucket)
		return snapshot, nil
	case "appsync":
		logger.Info("[Bootstrap] Recording entities to snapshot", "bucket", bucket)
		return source.Recorder{Source: live, Snapshot: snapshot}, nil
	default:
		return nil, fmt.Errorf("unknown ENTITY_SOURCE %q", mode)
	}
}

// RealtimeURL derives the realtime endpoint from the AppSync HTTP endpoint.
func RealtimeURL(httpURL string) string {
	u := strings.Replace(httpURL, "https://", "wss://", 1)
	return strings.Replace(u, "appsync-api", "appsync-realtime-api", 1)
}

// Select queries ids and reconciles the graph against the result.
func (rt *Runtime) Select(ctx context.Context, ids []string) error {
	entities, err := rt.Source.QueryBuilds(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to query builds: %w", err)
	}
	return rt.Store.Reconcile(ctx, entities)
}

// Close tears the graph down and stops the socket and the batcher.
func (rt *Runtime) Close() {
	rt.Store.Cleanup()
	if err := rt.Client.Close(); err != nil {
		logger.Warn("[Bootstrap] Failed to close realtime client", "err", err)
	}
	rt.Batcher.Close()
}
