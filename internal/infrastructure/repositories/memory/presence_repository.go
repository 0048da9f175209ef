package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
)

type MemoryPresenceRepository struct {
	online map[domain.UserID]domain.Presence
	mu     sync.RWMutex
	now    func() time.Time
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		online: make(map[domain.UserID]domain.Presence),
		now:    time.Now,
	}
}

func (r *MemoryPresenceRepository) SetOnline(ctx context.Context, userID domain.UserID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.online[userID] = domain.Presence{
		UserID:     userID,
		Online:     true,
		InstanceID: instanceID,
		Since:      r.now(),
	}
	return nil
}

func (r *MemoryPresenceRepository) SetOffline(ctx context.Context, userID domain.UserID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.online[userID]; ok && p.InstanceID == instanceID {
		delete(r.online, userID)
	}
	return nil
}

func (r *MemoryPresenceRepository) Get(ctx context.Context, userID domain.UserID) (*domain.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.online[userID]
	if !ok {
		return &domain.Presence{UserID: userID}, nil
	}
	return &p, nil
}

func (r *MemoryPresenceRepository) ListOnline(ctx context.Context) ([]domain.UserID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]domain.UserID, 0, len(r.online))
	for id := range r.online {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}
