// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package host provides utilities for host and machine identification
package host

import "os"

// ID returns a stable identifier for this host, used as the host_id stamped
// on every snapshot. It prefers the machine ID set during installation or
// boot and falls back to the kernel hostname.
func ID() (string, error) {
	if id, err := machineID(); err == nil {
		return id, nil
	}
	return os.Hostname()
}

// Hostname returns the hostname reported by the kernel.
func Hostname() (string, error) {
	return os.Hostname()
}
