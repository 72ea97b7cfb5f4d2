package protocol

// Shared window-sliding arithmetic used both by calculated_duration
// (spec.md section 4.5) and by the path execution planner (spec.md section
// 4.4): both derive the same trail windows over a route, so the logic lives
// once, next to the DeviceState it operates on.

// stepSize computes TL-TO, which is zero or negative when the overlay is not
// below the trail length: callers check the sign themselves to decide
// whether to fall back to one-electrode-per-phase.
func stepSize(trailLength, trailOverlay int) int {
	return trailLength - trailOverlay
}

func indicesRange(a, b int) []int {
	if b < a {
		return nil
	}
	out := make([]int, 0, b-a+1)
	for i := a; i <= b; i++ {
		out = append(out, i)
	}
	return out
}

// OpenPathWindows returns the ordered sequence of electrode-index windows
// for a non-loop route of the given length, per spec.md section 4.4: a
// sliding window of width trailLength at stride (trailLength-trailOverlay),
// with the last-phase alignment/drop rule applied at the boundary.
func OpenPathWindows(length, trailLength, trailOverlay int) [][]int {
	if length <= 0 {
		return nil
	}

	step := stepSize(trailLength, trailOverlay)
	if step <= 0 {
		windows := make([][]int, length)
		for i := 0; i < length; i++ {
			windows[i] = []int{i}
		}
		return windows
	}

	tl := trailLength
	if tl <= 0 {
		tl = 1
	}

	var windows [][]int
	start := 0
	for {
		end := start + tl - 1
		if end >= length-1 {
			alignedStart := length - tl
			if alignedStart < 0 {
				alignedStart = 0
			}
			if len(windows) > 0 && windows[len(windows)-1][0] == alignedStart {
				break // duplicate of the previous window: drop it
			}
			windows = append(windows, indicesRange(alignedStart, length-1))
			break
		}
		windows = append(windows, indicesRange(start, end))
		start += step
	}
	return windows
}

// LoopRingWindows returns the single-cycle sequence of electrode-index
// windows (indices into the effective ring, i.e. the route with its
// duplicated closing electrode dropped) for one full pass around a loop of
// the given ring size, wrapping at the boundary. The planner never emits
// the duplicated tail electrode because callers pass ringSize =
// len(route)-1.
func LoopRingWindows(ringSize, trailLength, trailOverlay int) [][]int {
	if ringSize <= 0 {
		return nil
	}

	step := stepSize(trailLength, trailOverlay)
	if step <= 0 {
		windows := make([][]int, ringSize)
		for i := 0; i < ringSize; i++ {
			windows[i] = []int{i}
		}
		return windows
	}

	tl := trailLength
	if tl <= 0 {
		tl = 1
	}

	var windows [][]int
	for start := 0; start < ringSize; start += step {
		w := make([]int, 0, tl)
		for i := 0; i < tl; i++ {
			w = append(w, (start+i)%ringSize)
		}
		windows = append(windows, w)
	}
	return windows
}

// CycleLength is the number of phases in one pass around a loop's ring —
// the "L" of spec.md section 4.4's cross-path synchronization rule.
func CycleLength(ringSize, trailLength, trailOverlay int) int {
	return len(LoopRingWindows(ringSize, trailLength, trailOverlay))
}

// EffectiveRingSize returns the electrode count of a loop route once its
// duplicated closing electrode is dropped. Callers must have already
// confirmed the route IsLoop.
func EffectiveRingSize(route []string) int {
	if len(route) == 0 {
		return 0
	}
	return len(route) - 1
}
