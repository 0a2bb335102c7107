// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package plugin

import (
	"github.com/Masterminds/semver/v3"
)

// ValidateCompatibility checks a plugin's declared minimum host version
// against the running host version. Plugins that declare nothing are
// accepted. A declaration that does not parse as semver is treated as
// incompatible rather than ignored, since the plugin clearly intended to
// constrain the host.
func ValidateCompatibility(host *semver.Version, d *Descriptor) error {
	if d.MinHostVersion == "" {
		return nil
	}
	minVer, err := semver.NewVersion(d.MinHostVersion)
	if err != nil {
		return &IncompatibleVersionError{
			Plugin:         d.Name,
			MinHostVersion: d.MinHostVersion,
			HostVersion:    host.String(),
			Err:            err,
		}
	}
	if minVer.GreaterThan(host) {
		return &IncompatibleVersionError{
			Plugin:         d.Name,
			MinHostVersion: d.MinHostVersion,
			HostVersion:    host.String(),
		}
	}
	return nil
}
