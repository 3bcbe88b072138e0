package registry

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// Registry bundles all entity repositories over one record store.
type Registry struct {
	store storage.Store

	Jobs           *JobRepo
	Tasks          *TaskRepo
	Pools          *PoolRepo
	Scalesets      *ScalesetRepo
	Nodes          *NodeRepo
	NodeTasks      *NodeTasksRepo
	NodeMessages   *NodeMessageRepo
	TaskEvents     *TaskEventRepo
	Proxies        *ProxyRepo
	ProxyForwards  *ProxyForwardRepo
	Repros         *ReproRepo
	WorkSets       *WorkSetRepo
	Webhooks       *WebhookRepo
	WebhookLogs    *WebhookLogRepo
	Notifications  *NotificationRepo
	InstanceConfig *InstanceConfigRepo
}

// New creates a registry over the store.
func New(store storage.Store) *Registry {
	return &Registry{
		store:          store,
		Jobs:           &JobRepo{store: store},
		Tasks:          &TaskRepo{store: store},
		Pools:          &PoolRepo{store: store},
		Scalesets:      &ScalesetRepo{store: store},
		Nodes:          &NodeRepo{store: store},
		NodeTasks:      &NodeTasksRepo{store: store},
		NodeMessages:   &NodeMessageRepo{store: store},
		TaskEvents:     &TaskEventRepo{store: store},
		Proxies:        &ProxyRepo{store: store},
		ProxyForwards:  &ProxyForwardRepo{store: store},
		Repros:         &ReproRepo{store: store},
		WorkSets:       &WorkSetRepo{store: store},
		Webhooks:       &WebhookRepo{store: store},
		WebhookLogs:    &WebhookLogRepo{store: store},
		Notifications:  &NotificationRepo{store: store},
		InstanceConfig: &InstanceConfigRepo{store: store},
	}
}

// Store exposes the underlying record store for callers that need raw
// scans, such as the retention driver.
func (r *Registry) Store() storage.Store { return r.store }

// decode populates an entity from a scan row, including the version stamp.
func decode(row storage.Row, e types.Entity) error {
	if err := json.Unmarshal(row.Data, e); err != nil {
		return errors.Wrapf(err, "corrupt %s record %s/%s", e.Kind(), row.Partition, row.Row)
	}
	e.SetETag(row.ETag)
	e.SetUpdatedAt(row.UpdatedAt)
	return nil
}

// scanInto streams entities of one kind into keep, which returns true to
// collect the entity. A nil keep collects everything.
func scanInto[E types.Entity](store storage.Store, kind types.Kind, partition string, fresh func() E, keep func(E) bool) ([]E, error) {
	var out []E
	err := store.Scan(kind, partition, func(row storage.Row) error {
		e := fresh()
		if err := decode(row, e); err != nil {
			return err
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
