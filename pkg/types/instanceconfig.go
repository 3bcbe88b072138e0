package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// InstanceConfigKey is the fixed partition and row key of the singleton
// instance configuration record.
const InstanceConfigKey = "instance_config"

// InstanceConfig is operator-tunable instance-wide configuration. A single
// record exists per deployment; updating it bumps the config hash so running
// scalesets pick up the change on their next reconcile.
type InstanceConfig struct {
	Meta
	AllowedIPs             []string          `json:"allowed_ips,omitempty"`
	AllowedRegions         []string          `json:"allowed_regions,omitempty"`
	ProxyVMSku             string            `json:"proxy_vm_sku,omitempty"`
	DefaultLinuxImage      string            `json:"default_linux_image,omitempty"`
	DefaultWindowsImage    string            `json:"default_windows_image,omitempty"`
	RequireAdminPrivileges bool              `json:"require_admin_privileges"`
	ProxyNSGConfig         *NSGConfig        `json:"proxy_nsg_config,omitempty"`
	VMTags                 map[string]string `json:"vm_tags,omitempty"`
	VMSSTags               map[string]string `json:"vmss_tags,omitempty"`
}

// NSGConfig lists the sources allowed to reach debug proxies.
type NSGConfig struct {
	AllowedIPs           []string `json:"allowed_ips,omitempty"`
	AllowedServiceTags   []string `json:"allowed_service_tags,omitempty"`
	BlockOutboundTraffic bool     `json:"block_outbound_traffic"`
}

func (c *InstanceConfig) Kind() Kind { return KindInstanceConfig }

func (c *InstanceConfig) Keys() (string, string) {
	return InstanceConfigKey, InstanceConfigKey
}

// RegionAllowed reports whether scalesets may be placed in the region. An
// empty allow list permits every region.
func (c *InstanceConfig) RegionAllowed(region string) bool {
	if len(c.AllowedRegions) == 0 {
		return true
	}
	for _, r := range c.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// ConfigHash returns a stable digest of the fields that feed into scaleset
// provisioning. Scalesets compare their recorded hash against this to decide
// whether a config refresh is due.
func (c *InstanceConfig) ConfigHash() string {
	type hashed struct {
		Regions []string          `json:"regions"`
		Tags    map[string]string `json:"tags"`
		NSG     *NSGConfig        `json:"nsg"`
	}
	regions := append([]string(nil), c.AllowedRegions...)
	sort.Strings(regions)
	raw, _ := json.Marshal(hashed{Regions: regions, Tags: c.VMSSTags, NSG: c.ProxyNSGConfig})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
