package registry

import (
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// InstanceConfigRepo wraps the singleton instance configuration record.
type InstanceConfigRepo struct {
	store storage.Store
}

// DefaultInstanceConfig is the configuration a fresh deployment runs with
// until an operator saves an override.
func DefaultInstanceConfig() *types.InstanceConfig {
	return &types.InstanceConfig{
		ProxyVMSku:          "Standard_B2s",
		DefaultLinuxImage:   "Canonical:0001-com-ubuntu-server-focal:20_04-lts:latest",
		DefaultWindowsImage: "MicrosoftWindowsDesktop:Windows-10:win10-21h2-pro:latest",
	}
}

// Fetch returns the stored configuration, or the defaults when nothing has
// been saved yet.
func (r *InstanceConfigRepo) Fetch() (*types.InstanceConfig, error) {
	c := &types.InstanceConfig{}
	err := r.store.Get(c)
	if storage.IsNotFound(err) {
		return DefaultInstanceConfig(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "instance config")
	}
	return c, nil
}

// Save writes the configuration. First save inserts the record; later saves
// are conditioned on the version the caller loaded.
func (r *InstanceConfigRepo) Save(c *types.InstanceConfig) error {
	if c.GetETag() == 0 {
		return errors.Wrap(r.store.Upsert(c), "save instance config")
	}
	return errors.Wrap(r.store.Replace(c), "save instance config")
}
