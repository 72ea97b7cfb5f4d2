package viewer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sci-bots/dropbot-core/internal/protocol"
)

func buildStep() *protocol.Step {
	s := protocol.NewStep()
	s.DeviceState.IDToChannel = map[string]int{"a": 0, "b": 1, "c": 2}
	s.DeviceState.Paths = [][]string{{"a", "b"}}
	s.DeviceState.RouteColors = []string{"#FF0000"}
	s.DeviceState.ActivatedElectrodes = map[string]bool{"c": true}
	return s
}

func TestStepToMessageMapsElectrodesToChannels(t *testing.T) {
	s := buildStep()
	msg := StepToMessage(s, nil, true)

	assert.True(t, msg.ChannelsActivated["2"])
	require.Len(t, msg.Routes, 1)
	assert.Equal(t, []string{"a", "b"}, msg.Routes[0].IDs)
	assert.Equal(t, "#FF0000", msg.Routes[0].Color)
	assert.Equal(t, s.UID, msg.StepInfo.StepUID)
	assert.True(t, msg.Editable)
}

func TestStepToMessageUsesOverrideActivation(t *testing.T) {
	s := buildStep()
	msg := StepToMessage(s, map[string]bool{"a": true, "b": true}, false)

	assert.True(t, msg.ChannelsActivated["0"])
	assert.True(t, msg.ChannelsActivated["1"])
	assert.False(t, msg.ChannelsActivated["2"])
}

func TestRouteMarshalsAsTwoElementTuple(t *testing.T) {
	r := Route{IDs: []string{"a", "b"}, Color: "#0080FF"}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `[["a","b"],"#0080FF"]`, string(data))

	var decoded Route
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, r, decoded)
}

func TestApplyIncomingUpdatesNamedStep(t *testing.T) {
	p := protocol.NewProtocolState()
	s := buildStep()
	p.Sequence = []protocol.Element{s}

	b := NewBridge()
	msg := Message{
		ChannelsActivated: map[string]bool{"0": true, "1": true},
		IDToChannel:       s.DeviceState.IDToChannel,
		StepInfo:          StepInfo{StepUID: s.UID},
	}
	require.NoError(t, b.ApplyIncoming(p, msg))

	assert.True(t, s.DeviceState.ActivatedElectrodes["a"])
	assert.True(t, s.DeviceState.ActivatedElectrodes["b"])
	assert.False(t, s.DeviceState.ActivatedElectrodes["c"])
}

func TestApplyIncomingDropsUnknownStepSilently(t *testing.T) {
	p := protocol.NewProtocolState()
	p.Sequence = []protocol.Element{buildStep()}

	b := NewBridge()
	err := b.ApplyIncoming(p, Message{StepInfo: StepInfo{StepUID: "does-not-exist"}})
	assert.NoError(t, err)
}

func TestApplyIncomingPropagatesChangedMapping(t *testing.T) {
	p := protocol.NewProtocolState()
	s1 := buildStep()
	s2 := buildStep()
	s2.UID = "other"
	p.Sequence = []protocol.Element{s1, s2}

	newMapping := map[string]int{"a": 10, "b": 11, "c": 12}
	b := NewBridge()
	require.NoError(t, b.ApplyIncoming(p, Message{
		ChannelsActivated: map[string]bool{},
		IDToChannel:       newMapping,
		StepInfo:          StepInfo{StepUID: s1.UID},
	}))

	assert.Equal(t, newMapping, s2.DeviceState.IDToChannel, "propagation reaches every step, not just the named one")
}

func TestApplyIncomingReentrancyGuardDropsNestedCall(t *testing.T) {
	p := protocol.NewProtocolState()
	s := buildStep()
	p.Sequence = []protocol.Element{s}

	b := NewBridge()
	b.processingIncoming = true // simulate an in-flight apply
	err := b.ApplyIncoming(p, Message{StepInfo: StepInfo{StepUID: s.UID}, IDToChannel: s.DeviceState.IDToChannel})
	assert.NoError(t, err)
	assert.Equal(t, map[string]bool{"c": true}, s.DeviceState.ActivatedElectrodes, "nested call while processing must be dropped, not applied")
}
