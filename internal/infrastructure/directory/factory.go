// Package directory selects the directory backend a process uses.
package directory

import (
	"context"

	"stagewire/internal/core/ports"
	"stagewire/internal/infrastructure/directory/memory"
	redisdir "stagewire/internal/infrastructure/directory/redis"
	"stagewire/pkg/auth"
	"stagewire/pkg/config"
	"stagewire/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory creates directory connections with fallback to the in-process hub
// when Redis cannot be reached.
type Factory struct {
	cfg         config.DirectoryConfig
	retry       retry.Config
	tokens      *auth.TokenService
	hub         *memory.Hub
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewFactory(ctx context.Context, cfg *config.Config, tokens *auth.TokenService, logger *zap.SugaredLogger) (*Factory, error) {
	factory := &Factory{
		cfg:    cfg.Directory,
		retry:  cfg.Retry,
		tokens: tokens,
		logger: logger,
	}

	if cfg.Directory.Backend == "redis" {
		client, err := redisdir.NewClient(ctx, redisdir.ClientOptions{
			Address:  cfg.Directory.Redis.Address,
			Password: cfg.Directory.Redis.Password,
			DB:       cfg.Directory.Redis.DB,
			PoolSize: cfg.Directory.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to in-process directory",
				"error", err,
			)
		} else {
			factory.redisClient = client
			logger.Info("using Redis directory")
		}
	}

	if factory.redisClient == nil {
		factory.hub = memory.NewHub()
		logger.Info("using in-process directory")
	}
	return factory, nil
}

// Shared reports whether participants in other processes see this directory.
func (f *Factory) Shared() bool {
	return f.redisClient != nil
}

// Directory opens a directory connection authenticated by token.
func (f *Factory) Directory(token string) ports.Directory {
	if f.redisClient != nil {
		return redisdir.NewDirectory(f.redisClient, redisdir.Options{
			DB:                f.cfg.Redis.DB,
			EntryTTL:          f.cfg.Redis.EntryTTL,
			HeartbeatInterval: f.cfg.Redis.HeartbeatInterval,
			Breaker:           f.cfg.Breaker,
			Retry:             f.retry,
		}, f.tokens, token, f.logger.Named("directory"))
	}
	return memory.NewDirectory(f.hub, f.tokens, token, f.logger.Named("directory"))
}

// Client is the Redis client, nil for the in-process backend.
func (f *Factory) Client() *redis.Client {
	return f.redisClient
}

func (f *Factory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
