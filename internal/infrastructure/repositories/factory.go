package repositories

import (
	"context"

	"chathub/internal/core/ports"
	"chathub/internal/infrastructure/repositories/memory"
	redisrepo "chathub/internal/infrastructure/repositories/redis"
	"chathub/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis-backed storage when it is enabled and
// reachable, and memory storage otherwise.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, cfg, logger)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories", "error", err)
		} else {
			factory.redisClient = client
			logger.Info("Using Redis repositories")
			return factory
		}
	}

	logger.Info("Using memory repositories")
	return factory
}

func (f *RepositoryFactory) CreatePresenceRepository() ports.PresenceRepository {
	if f.redisClient != nil {
		return redisrepo.NewRedisPresenceRepository(f.redisClient)
	}
	return memory.NewMemoryPresenceRepository()
}

// RedisClient is nil when running on memory storage.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
