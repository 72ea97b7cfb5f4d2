// Package planner implements the path execution planner (spec.md section
// 4.4): it expands a step's device state and timing parameters into an
// ordered, deterministic sequence of phases the runner schedules over wall
// time.
package planner

import (
	"time"

	"github.com/sci-bots/dropbot-core/internal/protocol"
)

// Phase is one electrode-activation snapshot held for Duration.
type Phase struct {
	Offset          time.Duration
	Duration        time.Duration
	Activated       map[string]bool
	StepUID         string
	StepID          string
	StepDescription string
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// routeWindow is a route's contribution to the step's phase plan: the
// sequence of electrode-id sets it holds active across a single pass (open
// paths) or a single cycle (loop paths).
type routeWindow struct {
	isLoop bool
	ids    [][]string // one electrode-id set per index; cycled or held static by windowAt
}

func buildRouteWindow(route []string, trailLength, trailOverlay int) routeWindow {
	if protocol.IsLoop(route) {
		ring := route[:len(route)-1]
		indexWindows := protocol.LoopRingWindows(len(ring), trailLength, trailOverlay)
		return routeWindow{isLoop: true, ids: windowIDs(ring, indexWindows)}
	}
	indexWindows := protocol.OpenPathWindows(len(route), trailLength, trailOverlay)
	return routeWindow{isLoop: false, ids: windowIDs(route, indexWindows)}
}

func windowIDs(route []string, indexWindows [][]int) [][]string {
	out := make([][]string, len(indexWindows))
	for i, w := range indexWindows {
		ids := make([]string, len(w))
		for j, idx := range w {
			ids[j] = route[idx]
		}
		out[i] = ids
	}
	return out
}

// windowAt returns this route's active electrode ids at global phase index
// p. Open paths run their windows once and then hold the last window
// static; loop paths keep cycling at period len(ids), including past the
// cycle's own repetition count when a longer open path drives the step's
// total phase count higher (spec.md section 4.4, "loops keep cycling").
func (rw routeWindow) windowAt(p int) []string {
	n := len(rw.ids)
	if n == 0 {
		return nil
	}
	if rw.isLoop {
		return rw.ids[p%n]
	}
	if p >= n {
		return rw.ids[n-1]
	}
	return rw.ids[p]
}

// BuildPlan expands a step into its ordered phase plan, per spec.md section
// 4.4. The result is deterministic: equal step inputs always produce
// byte-identical phases.
func BuildPlan(step *protocol.Step) []Phase {
	d := &step.DeviceState
	stepDuration := step.Duration()
	stepUID := step.UID
	stepID := protocol.ElementID(step)
	stepDescription := step.Description()
	phaseDuration := secondsToDuration(stepDuration)

	if len(d.Paths) == 0 {
		return []Phase{{
			Offset:          0,
			Duration:        phaseDuration,
			Activated:       cloneActivated(d.ActivatedElectrodes),
			StepUID:         stepUID,
			StepID:          stepID,
			StepDescription: stepDescription,
		}}
	}

	trailLength, trailOverlay := step.TrailLength(), step.TrailOverlay()
	totalPhases := protocol.TotalPhases(d, step.Repetitions(), trailLength, trailOverlay)

	windows := make([]routeWindow, len(d.Paths))
	for i, route := range d.Paths {
		windows[i] = buildRouteWindow(route, trailLength, trailOverlay)
	}

	phases := make([]Phase, totalPhases)
	for p := 0; p < totalPhases; p++ {
		activated := cloneActivated(d.ActivatedElectrodes)
		for _, rw := range windows {
			for _, id := range rw.windowAt(p) {
				activated[id] = true
			}
		}
		phases[p] = Phase{
			Offset:          time.Duration(p) * phaseDuration,
			Duration:        phaseDuration,
			Activated:       activated,
			StepUID:         stepUID,
			StepID:          stepID,
			StepDescription: stepDescription,
		}
	}
	return phases
}

// TotalDuration is the step's CalculatedDuration: for a step with paths, the
// span of BuildPlan's phases; for a step without paths, Duration times
// Repetitions, although BuildPlan emits a single phase for it. Either way the
// result is never below the operator-supplied Repeat Duration floor (spec.md
// section 4.5).
func TotalDuration(step *protocol.Step) time.Duration {
	return secondsToDuration(step.CalculatedDuration())
}

func cloneActivated(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
