// Package version carries the build version stamped in via ldflags and the
// semver comparisons used to keep agents aligned with the control plane.
package version

import "github.com/blang/semver"

// Build information, overridden at link time:
//
//	-ldflags "-X github.com/cuemby/hutch/pkg/version.Version=1.2.3 ..."
var (
	Version   = "0.0.0-dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// MinimumAgentVersion is the oldest agent release the control plane still
// registers. Older agents are told to update at registration time.
const MinimumAgentVersion = "1.0.0"

// Mismatch reports whether an agent version differs from the build version.
// Prerelease and build metadata are ignored so that dev builds do not churn
// the fleet; unparseable versions fall back to string comparison.
func Mismatch(agent string) bool {
	av, aerr := semver.ParseTolerant(agent)
	bv, berr := semver.ParseTolerant(Version)
	if aerr != nil || berr != nil {
		return agent != Version
	}
	av.Pre, av.Build = nil, nil
	bv.Pre, bv.Build = nil, nil
	return !av.EQ(bv)
}

// AtLeast reports whether v satisfies the given minimum version.
// Unparseable versions never satisfy a minimum.
func AtLeast(v, minimum string) bool {
	vv, err := semver.ParseTolerant(v)
	if err != nil {
		return false
	}
	mv, err := semver.ParseTolerant(minimum)
	if err != nil {
		return false
	}
	return vv.GTE(mv)
}
