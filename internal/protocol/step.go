package protocol

import (
	"strconv"

	"github.com/google/uuid"
)

// Recognized step parameter keys, spec.md section 3.
const (
	ParamDescription     = "Description"
	ParamID              = "ID"
	ParamUID             = "UID"
	ParamRepetitions     = "Repetitions"
	ParamDuration        = "Duration"
	ParamVoltage         = "Voltage"
	ParamFrequency       = "Frequency"
	ParamTrailLength     = "Trail Length"
	ParamTrailOverlay    = "Trail Overlay"
	ParamRepeatDuration  = "Repeat Duration"
	ParamVolumeThreshold = "Volume Threshold"
	ParamMessage         = "Message"
	ParamVideo           = "Video"
	ParamMagnet          = "Magnet"
)

// DefaultFields lists the parameter columns a new ProtocolState exposes, in
// display order.
var DefaultFields = []string{
	ParamDescription, ParamID, ParamRepetitions, ParamDuration, ParamVoltage,
	ParamFrequency, ParamTrailLength, ParamTrailOverlay, ParamRepeatDuration,
	ParamVolumeThreshold, ParamMessage, ParamVideo, ParamMagnet,
}

// Step is a leaf of the protocol tree: a set of string-valued parameters
// plus a DeviceState, identified by a UID stable across edits and reorders
// (spec.md section 3).
type Step struct {
	UID         string
	Parameters  map[string]string
	DeviceState DeviceState
}

// NewStep builds a step with default parameters and a freshly minted UID.
func NewStep() *Step {
	return &Step{
		UID: uuid.NewString(),
		Parameters: map[string]string{
			ParamDescription:     "Step",
			ParamRepetitions:     "1",
			ParamDuration:        "1.0",
			ParamVoltage:         "100",
			ParamFrequency:       "10000",
			ParamTrailLength:     "1",
			ParamTrailOverlay:    "0",
			ParamRepeatDuration:  "0",
			ParamVolumeThreshold: "0",
			ParamMessage:         "",
			ParamVideo:           "0",
			ParamMagnet:          "0",
		},
		DeviceState: NewDeviceState(),
	}
}

func (s *Step) isElement() {}

func (s *Step) Description() string {
	if v, ok := s.Parameters[ParamDescription]; ok && v != "" {
		return v
	}
	return "Step"
}

func (s *Step) SetDescription(v string) { s.Parameters[ParamDescription] = v }

func (s *Step) Repetitions() int {
	v, err := strconv.Atoi(s.Parameters[ParamRepetitions])
	if err != nil || v < 1 {
		return 1
	}
	return v
}

func (s *Step) SetRepetitions(v int) {
	if v < 1 {
		v = 1
	}
	s.Parameters[ParamRepetitions] = strconv.Itoa(v)
}

func (s *Step) Duration() float64 {
	v, err := strconv.ParseFloat(s.Parameters[ParamDuration], 64)
	if err != nil || v <= 0 {
		return 1.0
	}
	return v
}

func (s *Step) SetDuration(v float64) {
	if v <= 0 {
		v = 1.0
	}
	s.Parameters[ParamDuration] = strconv.FormatFloat(v, 'f', -1, 64)
}

// Voltage returns the raw stored voltage setpoint, defaulting to 100 on a
// parse failure. Range validation ([30,150]) is the Voltage/Frequency
// Service's job (spec.md section 4.9), not the step's.
func (s *Step) Voltage() float64 {
	v, err := strconv.ParseFloat(s.Parameters[ParamVoltage], 64)
	if err != nil {
		return 100
	}
	return v
}

func (s *Step) SetVoltage(v float64) {
	s.Parameters[ParamVoltage] = strconv.FormatFloat(v, 'f', -1, 64)
}

// Frequency returns the raw stored frequency setpoint, defaulting to 10000
// on a parse failure. See Voltage's doc comment.
func (s *Step) Frequency() float64 {
	v, err := strconv.ParseFloat(s.Parameters[ParamFrequency], 64)
	if err != nil {
		return 10000
	}
	return v
}

func (s *Step) SetFrequency(v float64) {
	s.Parameters[ParamFrequency] = strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *Step) TrailLength() int {
	v, err := strconv.Atoi(s.Parameters[ParamTrailLength])
	if err != nil || v < 1 {
		return 1
	}
	return v
}

func (s *Step) SetTrailLength(v int) {
	if v < 1 {
		v = 1
	}
	s.Parameters[ParamTrailLength] = strconv.Itoa(v)
	// Re-clamp overlay: TrailLength shrinking may have invalidated it.
	s.SetTrailOverlay(s.TrailOverlay())
}

// TrailOverlay returns the stored overlay clamped to [0, TrailLength-1], per
// the boundary behavior in spec.md section 8: an overlay left stale after a
// TrailLength edit is clamped to max(0, TrailLength-1) on read, not just on
// write.
func (s *Step) TrailOverlay() int {
	v, err := strconv.Atoi(s.Parameters[ParamTrailOverlay])
	if err != nil || v < 0 {
		v = 0
	}
	return clampInt(v, 0, s.TrailLength()-1)
}

func (s *Step) SetTrailOverlay(v int) {
	v = clampInt(v, 0, s.TrailLength()-1)
	s.Parameters[ParamTrailOverlay] = strconv.Itoa(v)
}

func (s *Step) RepeatDuration() float64 {
	v, err := strconv.ParseFloat(s.Parameters[ParamRepeatDuration], 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func (s *Step) SetRepeatDuration(v float64) {
	if v < 0 {
		v = 0
	}
	s.Parameters[ParamRepeatDuration] = strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *Step) VolumeThreshold() float64 {
	v, err := strconv.ParseFloat(s.Parameters[ParamVolumeThreshold], 64)
	if err != nil {
		return 0
	}
	return clampFloat(v, 0, 1)
}

func (s *Step) SetVolumeThreshold(v float64) {
	s.Parameters[ParamVolumeThreshold] = strconv.FormatFloat(clampFloat(v, 0, 1), 'f', -1, 64)
}

func (s *Step) Message() string { return s.Parameters[ParamMessage] }

func (s *Step) SetMessage(v string) { s.Parameters[ParamMessage] = v }

func (s *Step) Video() bool  { return s.Parameters[ParamVideo] == "1" }
func (s *Step) Magnet() bool { return s.Parameters[ParamMagnet] == "1" }

func (s *Step) SetVideo(v bool)  { s.Parameters[ParamVideo] = boolParam(v) }
func (s *Step) SetMagnet(v bool) { s.Parameters[ParamMagnet] = boolParam(v) }

func boolParam(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CalculatedDuration returns this step's total wall-clock duration, per
// spec.md section 4.5.
func (s *Step) CalculatedDuration() float64 {
	return CalculatedDuration(&s.DeviceState, s.Duration(), s.Repetitions(), s.RepeatDuration(), s.TrailLength(), s.TrailOverlay())
}
