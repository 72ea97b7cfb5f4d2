package device

import "errors"

// Error kinds surfaced to the bus as signals, never as exceptions crossing
// component boundaries (spec.md section 7).
var (
	// ErrConnectionUnavailable means no serial port matched the configured
	// hardware-id filter. Surfaced as "no_dropbot_available"; the discovery
	// loop keeps retrying on its own.
	ErrConnectionUnavailable = errors.New("device: no dropbot available")

	// ErrPowerMissing means a proxy was constructed but the board reports no
	// power. Surfaced as "no_power"; requires a user-initiated retry.
	ErrPowerMissing = errors.New("device: no power")

	// ErrProxyError is an unclassified transport error. The proxy is
	// terminated and the singleton reference cleared.
	ErrProxyError = errors.New("device: proxy error")

	// ErrStateCorruption means the channel count or state-length invariant
	// failed validation. Triggers the recovery ladder.
	ErrStateCorruption = errors.New("device: state corruption")

	// ErrBusy means safe_proxy_access could not acquire the transaction lock
	// within the caller's timeout.
	ErrBusy = errors.New("device: busy")

	// ErrCorrupted means validation failed while yielding a scoped access;
	// distinct from ErrBusy, which is a lock-timeout.
	ErrCorrupted = errors.New("device: corrupted")

	// ErrNoProxy means an operation was attempted with no live proxy.
	ErrNoProxy = errors.New("device: no proxy connected")
)
