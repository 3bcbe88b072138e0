package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/log"
)

// WebhookLogRetention bounds how long delivery history is kept.
const WebhookLogRetention = 7 * 24 * time.Hour

// Daily runs the once-a-day maintenance work: flagging scalesets whose
// provisioning config drifted from the instance configuration, and purging
// aged webhook delivery logs.
func (r *Reconciler) Daily(ctx context.Context) error {
	if err := r.markDriftedScalesets(ctx); err != nil {
		log.WithComponent("daily").Warn().Err(err).Msg("could not mark drifted scalesets")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	purged, err := r.registry.WebhookLogs.PurgeOlderThan(r.now().UTC().Add(-r.webhookLogRetention))
	if err != nil {
		log.WithComponent("daily").Warn().Err(err).Msg("could not purge webhook logs")
	} else if purged > 0 {
		log.WithComponent("daily").Info().Int("count", purged).Msg("purged webhook delivery logs")
	}
	return nil
}

// markDriftedScalesets flags running scalesets provisioned under an older
// instance configuration. The scaleset processor applies the refresh.
func (r *Reconciler) markDriftedScalesets(ctx context.Context) error {
	cfg, err := r.registry.InstanceConfig.Fetch()
	if err != nil {
		return err
	}
	want := cfg.ConfigHash()

	scalesets, err := r.registry.Scalesets.SearchStates()
	if err != nil {
		return errors.Wrap(err, "scan scalesets")
	}
	for _, ss := range scalesets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ss.State.Halted() || ss.NeedsConfigUpdate || ss.ConfigHash == want {
			continue
		}
		ss.NeedsConfigUpdate = true
		if err := r.registry.Scalesets.Save(ss); err != nil {
			logScalesetErr(ss, err, "could not flag config update")
			continue
		}
		log.WithScalesetID(ss.ScalesetID).Info().Msg("scaleset config drifted, update scheduled")
	}
	return nil
}
