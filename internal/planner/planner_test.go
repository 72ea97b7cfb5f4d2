package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sci-bots/dropbot-core/internal/protocol"
)

func activatedIDs(m map[string]bool) []string {
	var out []string
	for id, on := range m {
		if on {
			out = append(out, id)
		}
	}
	return out
}

func TestBuildPlanOpenPathNoOverlap(t *testing.T) {
	s := protocol.NewStep()
	s.DeviceState.Paths = [][]string{{"a", "b", "c", "d"}}
	s.DeviceState.IDToChannel = map[string]int{"a": 0, "b": 1, "c": 2, "d": 3}
	s.SetTrailLength(2)
	s.SetTrailOverlay(0)
	s.SetDuration(1.0)
	s.SetRepetitions(1)

	phases := BuildPlan(s)
	require.Len(t, phases, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, activatedIDs(phases[0].Activated))
	assert.ElementsMatch(t, []string{"c", "d"}, activatedIDs(phases[1].Activated))
	assert.Equal(t, time.Duration(0), phases[0].Offset)
	assert.Equal(t, time.Second, phases[1].Offset)
	assert.Equal(t, 2*time.Second, TotalDuration(s))
}

func TestBuildPlanOpenPathWithOverlapAndAlignment(t *testing.T) {
	s := protocol.NewStep()
	s.DeviceState.Paths = [][]string{{"a", "b", "c", "d", "e"}}
	s.DeviceState.IDToChannel = map[string]int{"a": 0, "b": 1, "c": 2, "d": 3, "e": 4}
	s.SetTrailLength(3)
	s.SetTrailOverlay(1)
	s.SetDuration(1.0)
	s.SetRepetitions(1)

	phases := BuildPlan(s)
	require.Len(t, phases, 2)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, activatedIDs(phases[0].Activated))
	assert.ElementsMatch(t, []string{"c", "d", "e"}, activatedIDs(phases[1].Activated))
}

func TestBuildPlanLoopWithRepetitions(t *testing.T) {
	s := protocol.NewStep()
	s.DeviceState.Paths = [][]string{{"a", "b", "c", "a"}}
	s.DeviceState.IDToChannel = map[string]int{"a": 0, "b": 1, "c": 2}
	s.SetTrailLength(1)
	s.SetTrailOverlay(0)
	s.SetDuration(0.5)
	s.SetRepetitions(3)

	phases := BuildPlan(s)
	require.Len(t, phases, 10)
	assert.Equal(t, 5*time.Second, TotalDuration(s))

	// One full cycle is {a},{b},{c}; the plan should repeat it and end on a
	// return phase equal to the cycle's first phase.
	assert.ElementsMatch(t, []string{"a"}, activatedIDs(phases[0].Activated))
	assert.ElementsMatch(t, []string{"b"}, activatedIDs(phases[1].Activated))
	assert.ElementsMatch(t, []string{"c"}, activatedIDs(phases[2].Activated))
	assert.ElementsMatch(t, []string{"a"}, activatedIDs(phases[9].Activated), "trailing phase is the return phase")
}

func TestBuildPlanLoopNeverEmitsDuplicateTailElectrode(t *testing.T) {
	s := protocol.NewStep()
	s.DeviceState.Paths = [][]string{{"a", "b", "c", "a"}}
	s.DeviceState.IDToChannel = map[string]int{"a": 0, "b": 1, "c": 2}
	s.SetTrailLength(2)
	s.SetTrailOverlay(0)
	s.SetRepetitions(2)

	phases := BuildPlan(s)
	for _, ph := range phases {
		count := 0
		for id := range ph.Activated {
			if id == "a" {
				count++
			}
		}
		assert.LessOrEqual(t, count, 1)
	}
}

func TestBuildPlanNoPathsEmitsSinglePhase(t *testing.T) {
	s := protocol.NewStep()
	s.DeviceState.ActivatedElectrodes = map[string]bool{"12": true}
	s.SetDuration(2.0)
	s.SetRepetitions(3)

	phases := BuildPlan(s)
	require.Len(t, phases, 1)
	assert.True(t, phases[0].Activated["12"])
	assert.Equal(t, 2*time.Second, phases[0].Duration)
}

func TestBuildPlanRepeatedOpenPathHoldsLastWindowStatic(t *testing.T) {
	s := protocol.NewStep()
	s.DeviceState.Paths = [][]string{
		{"a", "b", "c", "a"}, // loop, drives repetition
		{"x", "y"},           // open, shorter than the loop's total phases
	}
	s.DeviceState.IDToChannel = map[string]int{"a": 0, "b": 1, "c": 2, "x": 3, "y": 4}
	s.SetTrailLength(1)
	s.SetTrailOverlay(0)
	s.SetRepetitions(2)

	phases := BuildPlan(s)
	// Open path {x,y} with TL=1 produces 2 single-electrode windows; beyond
	// that it must hold its last window ({y}) static for every remaining
	// phase rather than re-cycling or disappearing.
	for i := 2; i < len(phases); i++ {
		assert.Contains(t, activatedIDs(phases[i].Activated), "y")
		assert.NotContains(t, activatedIDs(phases[i].Activated), "x")
	}
}

func TestBuildPlanCarriesStepIdentity(t *testing.T) {
	p := protocol.NewProtocolState()
	s := protocol.NewStep()
	s.SetDescription("Dispense")
	p.Sequence = []protocol.Element{s}
	p.ReassignIDs()

	phases := BuildPlan(s)
	require.NotEmpty(t, phases)
	assert.Equal(t, s.UID, phases[0].StepUID)
	assert.Equal(t, "1", phases[0].StepID)
	assert.Equal(t, "Dispense", phases[0].StepDescription)
}
