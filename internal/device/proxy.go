// Package device implements the hardware proxy supervisor: port discovery,
// connect/disconnect, periodic state validation, a corruption recovery
// ladder, and scoped safe access to the underlying serial proxy. It is a
// process-wide singleton, per spec.md section 4.3.
package device

import "time"

// Signal names the supervisor subscribes the proxy to during Connect, and
// that Proxy implementations deliver back through SubscribeSignal. These are
// the board's own signal names, not the bus topics they get republished
// under (SignalShortsDetected's hyphen becomes the published
// dropbot/signals/shorts_detected's underscore).
const (
	SignalHalted             = "halted"
	SignalOutputEnabled      = "output-enabled"
	SignalOutputDisabled     = "output-disabled"
	SignalCapacitanceUpdated = "capacitance-updated"
	SignalShortsDetected     = "shorts-detected"
)

// Proxy is the minimal contract the supervisor expects from a driver object
// talking to the physical board. spec.md section 1 deliberately leaves the
// on-wire serial protocol unspecified; this is the only surface the core
// depends on.
type Proxy interface {
	// InitializeSwitchingBoards brings up the board's switching hardware.
	InitializeSwitchingBoards() error
	// ChannelCount returns the number of hardware channels the board reports.
	ChannelCount() (int, error)
	// StateOfChannels returns the last-reported on/off state per channel.
	StateOfChannels() (map[int]bool, error)
	// RestoreStateOfChannels pushes a previously-captured channel state back
	// to the board, used during recovery step 2.
	RestoreStateOfChannels(state map[int]bool) error
	// ConfigureUpdateInterval sets the capacitance-update reporting interval.
	ConfigureUpdateInterval(interval time.Duration) error
	// SetEventMask configures which hardware events raise signals.
	SetEventMask(mask uint32) error
	// SetHighVoltageOutputEnabled toggles the HV amplifier.
	SetHighVoltageOutputEnabled(enabled bool) error
	// SetVoltage sets the actuation voltage amplitude in volts.
	SetVoltage(volts float64) error
	// SetFrequency sets the actuation waveform frequency in hertz.
	SetFrequency(hertz float64) error
	// SubscribeSignal registers fn to be called whenever the board raises
	// the named signal (see the Signal* constants).
	SubscribeSignal(name string, fn func(payload []byte)) error
	// TurnOffAllChannels de-energizes every electrode.
	TurnOffAllChannels() error
	// SetChannelStates pushes one phase's channel-keyed boolean activation
	// map to the board; channels absent from active are left untouched by
	// the caller's construction (the Runner always supplies the full map).
	SetChannelStates(active map[int]bool) error
	// ChipInserted reports whether the output-enable pin reads the board's
	// chip-present level.
	ChipInserted() (bool, error)
	// DetectShorts runs the board's shorted-channel scan and returns the
	// channel numbers found shorted.
	DetectShorts() ([]int, error)
	// DetectDroplets runs the board's capacitance-based droplet scan over
	// channels (or every channel, if channels is empty) and returns the
	// channel numbers where a droplet was found.
	DetectDroplets(channels []int) ([]int, error)
	// RunSelfTest runs the board's built-in diagnostic suite, reporting
	// fractional progress through report as each stage completes.
	RunSelfTest(report func(stage string, fraction float64)) error
	// TryLock attempts to acquire the proxy's transaction lock within
	// timeout, serializing hardware access regardless of caller.
	TryLock(timeout time.Duration) bool
	// Unlock releases the transaction lock acquired by TryLock.
	Unlock()
	// Terminate closes the underlying connection. Safe to call once.
	Terminate() error
}

// PortInfo describes one candidate serial port found during discovery.
type PortInfo struct {
	Path string
	HWID string
}
