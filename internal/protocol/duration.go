package protocol

// CalculatedDuration implements spec.md section 4.5: the total wall-clock
// time a step's phase plan will take, given its device state and timing
// parameters. It uses the same window arithmetic as the path execution
// planner so the two never disagree about phase counts.
func CalculatedDuration(d *DeviceState, duration float64, repetitions int, repeatDuration float64, trailLength, trailOverlay int) float64 {
	result := duration * float64(repetitions)
	if len(d.Paths) > 0 {
		totalPhases := TotalPhases(d, repetitions, trailLength, trailOverlay)
		result = float64(totalPhases) * duration
	}
	if repeatDuration > result {
		return repeatDuration
	}
	return result
}

// MaxLoopCycleLength returns the largest loop cycle length (the "L" of
// spec.md section 4.4's cross-path synchronization rule) across d's routes,
// or 0 if d has no loop routes.
func MaxLoopCycleLength(d *DeviceState, trailLength, trailOverlay int) int {
	max := 0
	for _, route := range d.Paths {
		if !IsLoop(route) {
			continue
		}
		if l := CycleLength(EffectiveRingSize(route), trailLength, trailOverlay); l > max {
			max = l
		}
	}
	return max
}

// MaxOpenPathLength returns the largest single-pass window count across d's
// non-loop routes, or 0 if d has no open routes.
func MaxOpenPathLength(d *DeviceState, trailLength, trailOverlay int) int {
	max := 0
	for _, route := range d.Paths {
		if IsLoop(route) {
			continue
		}
		if n := len(OpenPathWindows(len(route), trailLength, trailOverlay)); n > max {
			max = n
		}
	}
	return max
}

// TotalPhases computes the total phase count for a step's device state,
// shared by CalculatedDuration here and by the planner package so the two
// never disagree (spec.md sections 4.4 and 4.5).
func TotalPhases(d *DeviceState, repetitions, trailLength, trailOverlay int) int {
	if len(d.Paths) == 0 {
		return repetitions
	}

	effectiveR := repetitions
	if !d.HasLoops() {
		effectiveR = 1
	}

	maxLoopCycleLength := MaxLoopCycleLength(d, trailLength, trailOverlay)
	totalPhases := MaxOpenPathLength(d, trailLength, trailOverlay)
	if maxLoopCycleLength > 0 {
		loopTotalPhases := (effectiveR-1)*maxLoopCycleLength + maxLoopCycleLength + 1
		if loopTotalPhases > totalPhases {
			totalPhases = loopTotalPhases
		}
	}
	return totalPhases
}
