package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sensmed/internal/models"
)

// EpisodeStore tracks open breach episodes, one flag per (device, sensor).
// Arm is atomic: of several concurrent callers for the same key exactly one
// is told it opened the episode.
type EpisodeStore interface {
	// Arm opens the episode and reports whether it was closed before.
	Arm(ctx context.Context, key string) (bool, error)
	// Disarm closes the episode. Disarming a closed episode is a no-op.
	Disarm(ctx context.Context, key string) error
	Close() error
}

// EpisodeKey names the episode of one sensor on one device
func EpisodeKey(deviceID int64, sensor models.SensorType) string {
	return fmt.Sprintf("%d:%s", deviceID, sensor)
}

// MemoryEpisodes keeps episodes in process. A zero TTL keeps them open until
// disarmed.
type MemoryEpisodes struct {
	mu   sync.Mutex
	open map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryEpisodes creates an in-process episode store
func NewMemoryEpisodes(ttl time.Duration) *MemoryEpisodes {
	return &MemoryEpisodes{
		open: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Arm implements EpisodeStore
func (m *MemoryEpisodes) Arm(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.open[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}

	var expires time.Time
	if m.ttl > 0 {
		expires = now.Add(m.ttl)
	}
	m.open[key] = expires
	return true, nil
}

// Disarm implements EpisodeStore
func (m *MemoryEpisodes) Disarm(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.open, key)
	m.mu.Unlock()
	return nil
}

// Close implements EpisodeStore
func (m *MemoryEpisodes) Close() error { return nil }
