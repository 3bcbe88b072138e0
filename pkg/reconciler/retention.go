package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// WorkSetRetention bounds how long dispatched work-set records are kept
	// for queue dereferencing before they are purged.
	WorkSetRetention = 48 * time.Hour

	// PIIRetention is how long submitter identity stays on finished records.
	PIIRetention = 18 * 30 * 24 * time.Hour

	// SecretGrace protects freshly written secrets from collection before
	// the record referencing them is saved.
	SecretGrace = time.Hour
)

// Retention removes data nothing references anymore: queues whose owning
// entity is gone, aged work-set records, submitter identity past the
// retention period, and orphaned secrets.
func (r *Reconciler) Retention(ctx context.Context) error {
	if err := r.collectQueues(); err != nil {
		log.WithComponent("retention").Warn().Err(err).Msg("could not collect abandoned queues")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	purged, err := r.registry.WorkSets.PurgeOlderThan(r.now().UTC().Add(-WorkSetRetention))
	if err != nil {
		log.WithComponent("retention").Warn().Err(err).Msg("could not purge work-sets")
	} else if purged > 0 {
		log.WithComponent("retention").Info().Int("count", purged).Msg("purged aged work-sets")
	}

	if err := r.scrubUserInfo(ctx); err != nil {
		log.WithComponent("retention").Warn().Err(err).Msg("could not scrub user info")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.collectSecrets(); err != nil {
		log.WithComponent("retention").Warn().Err(err).Msg("could not collect orphaned secrets")
	}
	return nil
}

// collectQueues removes per-entity queues whose owner no longer exists.
// Reserved system queues and poison companions of live queues survive.
func (r *Reconciler) collectQueues() error {
	names, err := r.queues.Names()
	if err != nil {
		return err
	}

	live := make(map[string]bool)
	for _, name := range types.ReservedQueues() {
		live[name] = true
	}
	pools, err := r.registry.Pools.SearchStates()
	if err != nil {
		return err
	}
	for _, pool := range pools {
		live[pool.QueueName()] = true
	}
	tasks, err := r.registry.Tasks.SearchStates()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		live[task.QueueName()] = true
	}

	for _, name := range names {
		base := strings.TrimSuffix(name, queue.PoisonSuffix)
		if live[base] {
			continue
		}
		if err := r.queues.Remove(base); err != nil {
			log.WithComponent("retention").Warn().Err(err).Str("queue", base).Msg("could not remove abandoned queue")
			continue
		}
		log.WithComponent("retention").Info().Str("queue", base).Msg("removed abandoned queue")
	}
	return nil
}

// scrubUserInfo drops submitter identity from records past the retention
// period. The records themselves stay for fuzzing history.
func (r *Reconciler) scrubUserInfo(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.userInfoRetention)

	jobs, err := r.registry.Jobs.SearchStates()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if job.UserInfo == nil || job.CreatedAt.After(cutoff) {
			continue
		}
		job.UserInfo = nil
		if err := r.registry.Jobs.Save(job); err != nil {
			logJobErr(job, err, "could not scrub job user info")
		}
	}

	tasks, err := r.registry.Tasks.SearchStates()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if task.UserInfo == nil || task.CreatedAt.After(cutoff) {
			continue
		}
		task.UserInfo = nil
		if err := r.registry.Tasks.Save(task); err != nil {
			logTaskErr(task, err, "could not scrub task user info")
		}
	}

	repros, err := r.registry.Repros.SearchStates()
	if err != nil {
		return err
	}
	for _, rp := range repros {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rp.UserInfo == nil || rp.CreatedAt.After(cutoff) {
			continue
		}
		rp.UserInfo = nil
		if err := r.registry.Repros.Save(rp); err != nil {
			logReproErr(rp, err, "could not scrub repro user info")
		}
	}
	return nil
}

// collectSecrets deletes stored secrets no entity references. A grace period
// spares secrets written moments before their owning record.
func (r *Reconciler) collectSecrets() error {
	stored, err := r.secrets.IDs()
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}

	referenced, err := r.referencedSecrets()
	if err != nil {
		return err
	}

	cutoff := r.now().UTC().Add(-SecretGrace)
	removed := 0
	for id, created := range stored {
		if referenced[id] || created.After(cutoff) {
			continue
		}
		if err := r.secrets.Delete(id); err != nil {
			log.WithComponent("retention").Warn().Err(err).Str("secret_id", id.String()).Msg("could not delete orphaned secret")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.WithComponent("retention").Info().Int("count", removed).Msg("collected orphaned secrets")
	}
	return nil
}

func (r *Reconciler) referencedSecrets() (map[uuid.UUID]bool, error) {
	referenced := make(map[uuid.UUID]bool)

	tasks, err := r.registry.Tasks.SearchStates()
	if err != nil {
		return nil, errors.Wrap(err, "scan tasks")
	}
	for _, task := range tasks {
		if task.AuthToken != nil {
			referenced[*task.AuthToken] = true
		}
	}

	scalesets, err := r.registry.Scalesets.SearchStates()
	if err != nil {
		return nil, errors.Wrap(err, "scan scalesets")
	}
	for _, ss := range scalesets {
		if ss.Auth != nil {
			referenced[*ss.Auth] = true
		}
	}

	proxies, err := r.registry.Proxies.SearchStates()
	if err != nil {
		return nil, errors.Wrap(err, "scan proxies")
	}
	for _, p := range proxies {
		if p.Auth != nil {
			referenced[*p.Auth] = true
		}
	}

	repros, err := r.registry.Repros.SearchStates()
	if err != nil {
		return nil, errors.Wrap(err, "scan repros")
	}
	for _, rp := range repros {
		if rp.Auth != nil {
			referenced[*rp.Auth] = true
		}
	}
	return referenced, nil
}
