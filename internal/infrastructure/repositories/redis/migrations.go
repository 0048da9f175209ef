package redis

import (
	"context"
	"fmt"
	"time"

	"chathub/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = "chathub:schema:version"
	migrationLockKey = "chathub:lock:migrate"
)

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "prune presence index entries without a presence hash",
		Up:          prunePresenceIndex,
	},
}

// Migrate applies pending migrations. Instances starting together take a
// short lease so only one of them writes.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, migrationLockKey, 30*time.Second)
	if err := lock.Lock(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warnw("Failed to release migration lock", "error", err)
		}
	}()

	current, err := schemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Infow("Running migration", "version", m.Version, "description", m.Description)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		applied++
	}

	logger.Infow("Schema is up to date", "applied", applied, "version", LatestVersion())
	return nil
}

func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

func schemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	v, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func prunePresenceIndex(ctx context.Context, client *redis.Client) error {
	members, err := client.SMembers(ctx, onlineIndexKey).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		n, err := client.Exists(ctx, presencePrefix+m).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := client.SRem(ctx, onlineIndexKey, m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}
