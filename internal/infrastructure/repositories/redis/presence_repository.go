package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	presencePrefix   = "chathub:presence:"
	onlineIndexKey   = "chathub:online"
	fieldInstance    = "instance"
	fieldOnlineSince = "since"
)

// clearIfOwner drops the presence hash and index entry only when the
// stored instance matches ARGV[1].
var clearIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "instance") == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

type RedisPresenceRepository struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{client: client, now: time.Now}
}

func presenceKey(id domain.UserID) string {
	return presencePrefix + string(id)
}

func (r *RedisPresenceRepository) SetOnline(ctx context.Context, userID domain.UserID, instanceID string) error {
	key := presenceKey(userID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldInstance, instanceID,
			fieldOnlineSince, r.now().UnixMilli(),
		)
		pipe.SAdd(ctx, onlineIndexKey, string(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) SetOffline(ctx context.Context, userID domain.UserID, instanceID string) error {
	keys := []string{presenceKey(userID), onlineIndexKey}
	if err := clearIfOwner.Run(ctx, r.client, keys, instanceID, string(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Get(ctx context.Context, userID domain.UserID) (*domain.Presence, error) {
	fields, err := r.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence from Redis: %w", err)
	}

	presence := &domain.Presence{UserID: userID}
	instance, ok := fields[fieldInstance]
	if !ok {
		return presence, nil
	}
	presence.Online = true
	presence.InstanceID = instance
	if ms, err := strconv.ParseInt(fields[fieldOnlineSince], 10, 64); err == nil {
		presence.Since = time.UnixMilli(ms)
	}
	return presence, nil
}

func (r *RedisPresenceRepository) ListOnline(ctx context.Context) ([]domain.UserID, error) {
	members, err := r.client.SMembers(ctx, onlineIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}

	users := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		users = append(users, domain.UserID(m))
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}
