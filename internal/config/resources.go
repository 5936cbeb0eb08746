package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

// healthCheckTimeout bounds one full probe pass across all backends.
const healthCheckTimeout = 5 * time.Second

// Resources owns the backend clients the chat server depends on: postgres
// holds conversations and message history, redis backs the presence tracker,
// and object storage receives transcript archives. Opening, probing and
// closing them happens in one place.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	cfg      Config
}

// NewResources opens every backend client and probes each one before
// returning. A failed probe closes whatever was already opened.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("create object client: %w", err)
	}

	res := &Resources{
		Postgres: pool,
		Redis:    redisClient,
		Object:   objectClient,
		cfg:      cfg,
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}

	return res, nil
}

// HealthCheck probes every backend and reports the first failure.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	probes := []struct {
		name  string
		probe func(context.Context) error
	}{
		{"postgres", r.probePostgres},
		{"redis", r.probeRedis},
		{"object storage", r.probeObject},
	}
	for _, p := range probes {
		if err := p.probe(ctx); err != nil {
			return fmt.Errorf("%s healthcheck: %w", p.name, err)
		}
	}
	return nil
}

func (r *Resources) probePostgres(ctx context.Context) error {
	return r.Postgres.Ping(ctx)
}

func (r *Resources) probeRedis(ctx context.Context) error {
	return r.Redis.Ping(ctx).Err()
}

// probeObject stats the transcript bucket. S3 has no ping; this both checks
// connectivity and catches a misconfigured bucket name before the archive
// worker hits it.
func (r *Resources) probeObject(ctx context.Context) error {
	exists, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %q not found", r.cfg.ObjectBucket)
	}
	return nil
}

// Close disposes every client that holds sockets. The minio client keeps no
// persistent connection and needs no teardown.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
