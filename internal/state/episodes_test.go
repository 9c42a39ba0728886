package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensmed/internal/models"
)

func TestEpisodeKey(t *testing.T) {
	assert.Equal(t, "12:pulse", EpisodeKey(12, models.SensorPulse))
}

func TestMemoryEpisodes_ArmDisarm(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryEpisodes(0)

	opened, err := m.Arm(ctx, "1:temperature")
	require.NoError(t, err)
	assert.True(t, opened)

	opened, err = m.Arm(ctx, "1:temperature")
	require.NoError(t, err)
	assert.False(t, opened)

	require.NoError(t, m.Disarm(ctx, "1:temperature"))
	require.NoError(t, m.Disarm(ctx, "1:temperature"))

	opened, err = m.Arm(ctx, "1:temperature")
	require.NoError(t, err)
	assert.True(t, opened)
}

func TestMemoryEpisodes_Expire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	m := NewMemoryEpisodes(time.Hour)
	m.now = func() time.Time { return now }

	opened, _ := m.Arm(ctx, "k")
	assert.True(t, opened)

	now = now.Add(59 * time.Minute)
	opened, _ = m.Arm(ctx, "k")
	assert.False(t, opened)

	now = now.Add(2 * time.Minute)
	opened, _ = m.Arm(ctx, "k")
	assert.True(t, opened)
}

func TestMemoryEpisodes_ArmIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryEpisodes(0)

	var (
		wg     sync.WaitGroup
		winner atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if opened, _ := m.Arm(ctx, "7:creatinine"); opened {
				winner.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winner.Load())
}
