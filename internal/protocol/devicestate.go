// Package protocol implements the step/group protocol tree: per-step
// device state (active electrodes and routed paths), UID-stable tree
// operations, and the flat JSON export/import shape on the wire.
package protocol

// DeviceState is the per-step electrode and path model (spec.md section 3).
type DeviceState struct {
	ActivatedElectrodes map[string]bool `json:"activated_electrodes"`
	Paths               [][]string      `json:"paths"`
	RouteColors         []string        `json:"route_colors"`
	IDToChannel         map[string]int  `json:"id_to_channel"`
}

// NewDeviceState returns an empty, normalized DeviceState.
func NewDeviceState() DeviceState {
	return DeviceState{
		ActivatedElectrodes: map[string]bool{},
		Paths:               [][]string{},
		RouteColors:         []string{},
		IDToChannel:         map[string]int{},
	}
}

const defaultRouteColor = "#0080FF"

// Normalize pads RouteColors to match len(Paths) (invariant 2 in spec.md
// section 3), assigning the default presentation color to any route added
// without one.
func (d *DeviceState) Normalize() {
	for len(d.RouteColors) < len(d.Paths) {
		d.RouteColors = append(d.RouteColors, defaultRouteColor)
	}
	if len(d.RouteColors) > len(d.Paths) {
		d.RouteColors = d.RouteColors[:len(d.Paths)]
	}
}

// IsLoop reports whether route is a loop: first and last electrode equal,
// and the route has at least two electrodes.
func IsLoop(route []string) bool {
	return len(route) >= 2 && route[0] == route[len(route)-1]
}

// LongestPathLength returns the length of the longest route, or 0 if there
// are none (invariant 3 in spec.md section 3).
func (d *DeviceState) LongestPathLength() int {
	longest := 0
	for _, p := range d.Paths {
		if len(p) > longest {
			longest = len(p)
		}
	}
	return longest
}

// HasLoops reports whether any route in the state is a loop.
func (d *DeviceState) HasLoops() bool {
	for _, p := range d.Paths {
		if IsLoop(p) {
			return true
		}
	}
	return false
}

// Validate checks invariant 1 from spec.md section 3: every electrode id
// appearing in a route must be a key of IDToChannel.
func (d *DeviceState) Validate() error {
	for _, route := range d.Paths {
		for _, eid := range route {
			if _, ok := d.IDToChannel[eid]; !ok {
				return &UnknownElectrodeError{ElectrodeID: eid}
			}
		}
	}
	return nil
}

// UnknownElectrodeError reports a route electrode id absent from a device
// state's id_to_channel mapping.
type UnknownElectrodeError struct {
	ElectrodeID string
}

func (e *UnknownElectrodeError) Error() string {
	return "protocol: electrode " + e.ElectrodeID + " has no channel mapping"
}

// Clone deep-copies the device state, used by snapshot_for_undo and by
// protocol import.
func (d DeviceState) Clone() DeviceState {
	out := DeviceState{
		ActivatedElectrodes: make(map[string]bool, len(d.ActivatedElectrodes)),
		Paths:               make([][]string, len(d.Paths)),
		RouteColors:         append([]string(nil), d.RouteColors...),
		IDToChannel:         make(map[string]int, len(d.IDToChannel)),
	}
	for k, v := range d.ActivatedElectrodes {
		out.ActivatedElectrodes[k] = v
	}
	for k, v := range d.IDToChannel {
		out.IDToChannel[k] = v
	}
	for i, p := range d.Paths {
		out.Paths[i] = append([]string(nil), p...)
	}
	return out
}
