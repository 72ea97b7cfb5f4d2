// Package viewer implements the Device Viewer Bridge (spec.md section
// 4.12): a bidirectional projection between a protocol step's device state
// and the device viewer's wire message, identified by step UID across
// structural edits.
package viewer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/sci-bots/dropbot-core/internal/protocol"
)

// Route is one routed path with its presentation color, wire-encoded as the
// two-element tuple `[ ["<eid>", …], "<color>" ]` (spec.md section 6).
type Route struct {
	IDs   []string
	Color string
}

func (r Route) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.IDs, r.Color})
}

func (r *Route) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &r.IDs); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &r.Color)
}

// StepInfo carries the published step's identity, keyed by UID (spec.md
// section 4.12 calls this field step_id but it holds the step's *UID*, not
// its positional ID).
type StepInfo struct {
	StepUID   string `json:"step_id"`
	StepLabel string `json:"step_label"`
	FreeMode  *bool  `json:"free_mode,omitempty"`
}

// Message is the wire shape exchanged with the device viewer.
type Message struct {
	ChannelsActivated map[string]bool `json:"channels_activated"`
	Routes            []Route         `json:"routes"`
	IDToChannel       map[string]int  `json:"id_to_channel"`
	StepInfo          StepInfo        `json:"step_info"`
	Editable          bool            `json:"editable"`
}

// Empty returns a viewer message with no activations, no routes, and no
// step identity — published when the previously-shown step no longer
// exists (spec.md section 4.12, "Identity rule").
func Empty() Message {
	return Message{ChannelsActivated: map[string]bool{}, IDToChannel: map[string]int{}}
}

// StepToMessage projects a step's device state (activated electrodes and/or
// an explicit phase activation set) to the wire shape. activated overrides
// the step's own ActivatedElectrodes when non-nil, letting the runner
// publish a phase's computed activation set without mutating the step.
func StepToMessage(step *protocol.Step, activated map[string]bool, editable bool) Message {
	d := &step.DeviceState
	if activated == nil {
		activated = d.ActivatedElectrodes
	}

	channelsActivated := map[string]bool{}
	for id, on := range activated {
		if !on {
			continue
		}
		if ch, ok := d.IDToChannel[id]; ok {
			channelsActivated[strconv.Itoa(ch)] = true
		}
	}

	routes := make([]Route, len(d.Paths))
	for i, path := range d.Paths {
		color := ""
		if i < len(d.RouteColors) {
			color = d.RouteColors[i]
		}
		routes[i] = Route{IDs: path, Color: color}
	}

	idToChannel := make(map[string]int, len(d.IDToChannel))
	for k, v := range d.IDToChannel {
		idToChannel[k] = v
	}

	return Message{
		ChannelsActivated: channelsActivated,
		Routes:            routes,
		IDToChannel:       idToChannel,
		StepInfo:          StepInfo{StepUID: step.UID, StepLabel: step.Description()},
		Editable:          editable,
	}
}

// Bridge applies inbound viewer messages to a protocol tree and tracks
// which step is currently published, guarding against the feedback loop a
// naive bidirectional sync would create (spec.md section 9, "Cycle
// avoidance in device-viewer sync").
type Bridge struct {
	mu                 sync.Mutex
	processingIncoming bool
	publishedUID       string
}

// NewBridge returns an idle Bridge.
func NewBridge() *Bridge { return &Bridge{} }

// PublishedUID returns the UID of the step most recently projected to the
// viewer.
func (b *Bridge) PublishedUID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishedUID
}

// SetPublishedUID records the step currently shown to the viewer.
func (b *Bridge) SetPublishedUID(uid string) {
	b.mu.Lock()
	b.publishedUID = uid
	b.mu.Unlock()
}

// ApplyIncoming maps msg back onto the step it names and updates the
// protocol tree in place. It is a no-op, not an error, if the named step no
// longer exists (dropped silently, per spec.md section 4.12) or if a call
// arrives while another is already being applied (the re-entrancy guard:
// applying an inbound message can trigger the tree's own change
// notifications, which must not be mistaken for a second inbound message).
func (b *Bridge) ApplyIncoming(state *protocol.ProtocolState, msg Message) error {
	b.mu.Lock()
	if b.processingIncoming {
		b.mu.Unlock()
		return nil
	}
	b.processingIncoming = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.processingIncoming = false
		b.mu.Unlock()
	}()

	step := findStepByUID(state, msg.StepInfo.StepUID)
	if step == nil {
		return nil
	}

	if !mappingsEqual(msg.IDToChannel, step.DeviceState.IDToChannel) {
		state.PropagateIDToChannel(msg.IDToChannel)
	}

	activated := map[string]bool{}
	for chStr, on := range msg.ChannelsActivated {
		if !on {
			continue
		}
		ch, err := strconv.Atoi(chStr)
		if err != nil {
			return fmt.Errorf("viewer: invalid channel %q: %w", chStr, err)
		}
		id, ok := channelToID(step.DeviceState.IDToChannel, ch)
		if !ok {
			continue
		}
		activated[id] = true
	}
	step.DeviceState.ActivatedElectrodes = activated
	return nil
}

// IsProcessingIncoming reports whether an ApplyIncoming call is in flight,
// for callers that must suppress their own re-publish while it runs.
func (b *Bridge) IsProcessingIncoming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processingIncoming
}

func findStepByUID(state *protocol.ProtocolState, uid string) *protocol.Step {
	for _, s := range state.AllSteps() {
		if s.UID == uid {
			return s
		}
	}
	return nil
}

func channelToID(idToChannel map[string]int, channel int) (string, bool) {
	for id, ch := range idToChannel {
		if ch == channel {
			return id, true
		}
	}
	return "", false
}

func mappingsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
