package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestDailyMarksDriftedScalesets(t *testing.T) {
	f := newFixture(t)
	f.addPool("demo-pool", types.PoolStateRunning)

	cfg, err := f.registry.InstanceConfig.Fetch()
	require.NoError(t, err)

	drifted := f.addScaleset("demo-pool", types.ScalesetStateRunning, 1)
	drifted.ConfigHash = "stale"
	require.NoError(t, f.registry.Scalesets.Save(drifted))

	current := f.addScaleset("demo-pool", types.ScalesetStateRunning, 1)
	current.ConfigHash = cfg.ConfigHash()
	require.NoError(t, f.registry.Scalesets.Save(current))

	halted := f.addScaleset("demo-pool", types.ScalesetStateHalt, 1)
	halted.ConfigHash = "stale"
	require.NoError(t, f.registry.Scalesets.Save(halted))

	require.NoError(t, f.rec.Daily(context.Background()))

	assert.True(t, f.reloadScaleset(drifted).NeedsConfigUpdate)
	assert.False(t, f.reloadScaleset(current).NeedsConfigUpdate)
	assert.False(t, f.reloadScaleset(halted).NeedsConfigUpdate)
}

func TestDailyPurgesAgedWebhookLogs(t *testing.T) {
	f := newFixture(t)
	webhookID := uuid.New()

	old := &types.WebhookMessageLog{
		WebhookID: webhookID,
		EventID:   uuid.New(),
		EventType: types.EventTypeTaskStopped,
		State:     types.WebhookMessageStateSucceeded,
		CreatedAt: f.now.Add(-WebhookLogRetention - time.Hour),
	}
	require.NoError(t, f.registry.WebhookLogs.Add(old))

	fresh := &types.WebhookMessageLog{
		WebhookID: webhookID,
		EventID:   uuid.New(),
		EventType: types.EventTypeTaskStopped,
		State:     types.WebhookMessageStateQueued,
		CreatedAt: f.now.Add(-time.Hour),
	}
	require.NoError(t, f.registry.WebhookLogs.Add(fresh))

	require.NoError(t, f.rec.Daily(context.Background()))

	remaining, err := f.registry.WebhookLogs.SearchByWebhook(webhookID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.EventID, remaining[0].EventID)
}
