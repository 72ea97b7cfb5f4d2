// Package runner implements the Protocol Runner (spec.md section 4.7): the
// Idle/Running/Paused state machine that walks a protocol tree's steps,
// drives each step's phase plan, and coordinates voltage/frequency
// publishing, droplet verification, the volume-threshold early exit, and
// the device viewer projection around it.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sci-bots/dropbot-core/internal/bus"
	"github.com/sci-bots/dropbot-core/internal/datalog"
	"github.com/sci-bots/dropbot-core/internal/device"
	"github.com/sci-bots/dropbot-core/internal/droplet"
	"github.com/sci-bots/dropbot-core/internal/force"
	"github.com/sci-bots/dropbot-core/internal/planner"
	"github.com/sci-bots/dropbot-core/internal/protocol"
	"github.com/sci-bots/dropbot-core/internal/viewer"
	"github.com/sci-bots/dropbot-core/internal/voltage"
	"github.com/sci-bots/dropbot-core/pkg/log"
)

// State is the runner's coarse-grained state (spec.md section 4.7).
type State int

const (
	Idle State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// PauseReason distinguishes the several ways a run can land in Paused, since
// each resumes through a different entry point.
type PauseReason int

const (
	// NotPaused means the runner isn't paused.
	NotPaused PauseReason = iota
	// PausedByUser is a plain pause: Resume continues the current phase.
	PausedByUser
	// PausedForMessage is the step-entry Message dialog gate: resumes only
	// through RespondToMessage.
	PausedForMessage
	// PausedAfterMessageRejected follows a NO answer to the Message dialog:
	// Resume proceeds straight into phase execution, the gate having
	// already been shown once.
	PausedAfterMessageRejected
	// PausedForDropletFailure follows a failed end-of-step droplet check:
	// resumes only through ContinueAfterDropletFailure or StayPaused.
	PausedForDropletFailure
)

const pauseResumeDebounce = 250 * time.Millisecond

// hardwareAccessTimeout bounds how long a phase's SafeAccess call waits for
// the proxy's transaction lock before giving up.
const hardwareAccessTimeout = 500 * time.Millisecond

// dropletCheckTimeout bounds the detect_droplets bus round trip.
const dropletCheckTimeout = 2 * time.Second

// thresholdPollInterval is the volume-threshold monitor's capacitance
// polling cadence (spec.md section 4.8, "≈50 ms").
const thresholdPollInterval = 50 * time.Millisecond

// Calibration bundles the force-service inputs and the per-electrode areas
// the Runner needs to derive a phase's volume-threshold target and its
// logged force-per-unit-area, none of which live on DeviceState itself.
type Calibration struct {
	Force            force.Calibration
	ElectrodeAreaMM2 map[string]float64 // electrode id -> area in mm^2
}

func (c Calibration) activeAreaMM2(activated map[string]bool) float64 {
	total := 0.0
	for id, on := range activated {
		if on {
			total += c.ElectrodeAreaMM2[id]
		}
	}
	return total
}

// Status is a point-in-time snapshot for an external caller's own status
// cadence (spec.md section 4.7's 100ms tick reads stored state only; the
// Runner keeps no independent ticking goroutine, so "reads stored state
// only" becomes literal: Status is computed on demand, never pushed).
type Status struct {
	State                 State
	PauseReason           PauseReason
	StepIndex             int
	PhaseIndex            int
	TotalSteps            int
	TotalPhases           int
	StepRemaining         time.Duration
	PhaseRemaining        time.Duration
	MessageRejectedPause  bool
	DropletFailureMissing []int
}

// Runner is the process-wide protocol execution engine.
type Runner struct {
	mu sync.Mutex

	router     *bus.Router
	supervisor *device.Supervisor
	voltageSvc *voltage.Service
	dropletSvc *droplet.Service
	bridge     *viewer.Bridge
	scheduler  Scheduler
	listener   *bus.Listener

	calibration Calibration
	logger      *datalog.Logger

	preview                 bool
	realtimeMode            bool
	advancedModeEditable    bool
	dropletDetectionEnabled bool

	pauseResumeHandle Handle

	state       State
	pauseReason PauseReason

	steps    []*protocol.Step
	stepIdx  int
	plan     []planner.Phase
	phaseIdx int

	intendedPhaseIdx int
	phaseNavigated   bool
	jumpPending      bool

	phaseHandle          Handle
	pausedPhaseRemaining time.Duration
	phaseAdvanced        bool // consumed by whichever of {timer fire, threshold cutoff} runs first
	thresholdStop        chan struct{}

	messageRejectedPause  bool
	dropletFailureMissing []int

	lastCapacitancePF float64
	lastVoltageV      float64
}

// New constructs an idle Runner with no logger attached. calibration may be
// zero-valued. A logger attached later with AttachLogger is consulted on every
// capacitance sample and is the caller's responsibility to Open before a
// logged run and Close after (experiment
// lifecycle is orthogonal to the Runner, per internal/experiment).
func New(router *bus.Router, supervisor *device.Supervisor, voltageSvc *voltage.Service, dropletSvc *droplet.Service, bridge *viewer.Bridge, scheduler Scheduler, calibration Calibration) *Runner {
	r := &Runner{
		router:                  router,
		supervisor:              supervisor,
		voltageSvc:              voltageSvc,
		dropletSvc:              dropletSvc,
		bridge:                  bridge,
		scheduler:               scheduler,
		calibration:             calibration,
		dropletDetectionEnabled: true,
		listener:                bus.NewListener("protocol-runner"),
	}
	r.listener.OnSignal("capacitance_updated", r.onCapacitanceUpdated)
	return r
}

// Subscribe wires the Runner's capacitance listener to router. Separate from
// New so tests can construct a Runner without a live Router.
func (r *Runner) Subscribe() error {
	return r.router.Subscribe("dropbot/signals/capacitance_updated", r.listener)
}

// SetPreview toggles preview mode (spec.md section 1's glossary): hardware,
// droplet detection, voltage/frequency, and data logging are suppressed;
// viewer messages still fire. Only valid while Idle.
func (r *Runner) SetPreview(preview bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preview = preview
}

// SetAdvancedModeEditable marks the viewer message for the current phase as
// editable and free-mode (spec.md section 4.7).
func (r *Runner) SetAdvancedModeEditable(editable bool) {
	r.mu.Lock()
	r.advancedModeEditable = editable
	r.mu.Unlock()
}

// SetDropletDetectionEnabled toggles the end-of-step droplet check.
func (r *Runner) SetDropletDetectionEnabled(enabled bool) {
	r.mu.Lock()
	r.dropletDetectionEnabled = enabled
	r.mu.Unlock()
}

// SetRealtimeMode toggles the realtime-mode flag and publishes
// realtime_mode_updated. When true, the step Message prompt gate is
// suppressed (spec.md section 4, "Supplemented features").
func (r *Runner) SetRealtimeMode(enabled bool) {
	r.mu.Lock()
	r.realtimeMode = enabled
	r.mu.Unlock()
	r.publishString("dropbot/signals/realtime_mode_updated", strconv.FormatBool(enabled))
}

// AttachLogger sets the data logger consulted by every capacitance sample
// while Running. Pass nil to stop logging (e.g. outside an experiment).
func (r *Runner) AttachLogger(l *datalog.Logger) {
	r.mu.Lock()
	r.logger = l
	r.mu.Unlock()
}

// Status returns a snapshot of the runner's current state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Runner) statusLocked() Status {
	var phaseRemaining time.Duration
	switch {
	case r.phaseHandle != nil:
		phaseRemaining = r.phaseHandle.Remaining()
	case r.state == Paused && r.pauseReason == PausedByUser && !r.jumpPending:
		phaseRemaining = r.pausedPhaseRemaining
	}
	stepRemaining := phaseRemaining
	if len(r.plan) > 0 {
		for i := r.phaseIdx + 1; i < len(r.plan); i++ {
			stepRemaining += r.plan[i].Duration
		}
	}
	return Status{
		State:                 r.state,
		PauseReason:           r.pauseReason,
		StepIndex:             r.stepIdx,
		PhaseIndex:            r.phaseIdx,
		TotalSteps:            len(r.steps),
		TotalPhases:           len(r.plan),
		StepRemaining:         stepRemaining,
		PhaseRemaining:        phaseRemaining,
		MessageRejectedPause:  r.messageRejectedPause,
		DropletFailureMissing: r.dropletFailureMissing,
	}
}

// Start loads tree's steps in document order and begins execution at the
// first one. Returns an error if the runner isn't Idle.
func (r *Runner) Start(tree *protocol.ProtocolState) error {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return fmt.Errorf("runner: cannot start from state %s", r.state)
	}
	r.steps = tree.AllSteps()
	if len(r.steps) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("runner: protocol has no steps")
	}
	r.stepIdx = 0
	r.state = Running
	r.pauseReason = NotPaused
	r.mu.Unlock()

	r.beginStep()
	return nil
}

// beginStep publishes the step's voltage/frequency setpoints (ordering
// guarantee: these precede any phase message), computes its phase plan, and
// either shows the Message gate or starts executing phases.
func (r *Runner) beginStep() {
	r.mu.Lock()
	step := r.steps[r.stepIdx]
	preview := r.preview
	r.mu.Unlock()

	if err := r.voltageSvc.PublishStepVoltageFrequency(step.Voltage(), step.Frequency(), preview); err != nil {
		log.Warnf("runner: publish voltage/frequency for step %s: %v", step.UID, err)
	}

	plan := planner.BuildPlan(step)

	r.mu.Lock()
	r.plan = plan
	r.phaseIdx = 0
	r.phaseNavigated = false
	r.jumpPending = false
	r.mu.Unlock()

	if step.Message() != "" {
		r.showMessageGate(step)
		return
	}

	r.executeNextPhase()
}

// showMessageGate publishes the step's individually-activated electrode
// state (paths suppressed) and pauses all timers until the operator answers
// the prompt through RespondToMessage. Realtime mode suppresses the gate
// entirely and proceeds straight to phase execution.
func (r *Runner) showMessageGate(step *protocol.Step) {
	r.mu.Lock()
	if r.realtimeMode {
		r.mu.Unlock()
		r.executeNextPhase()
		return
	}
	r.state = Paused
	r.pauseReason = PausedForMessage
	r.mu.Unlock()

	msg := viewer.StepToMessage(step, step.DeviceState.ActivatedElectrodes, false)
	msg.Routes = nil
	r.publishViewerMessage(msg)
}

// RespondToMessage answers the step-entry Message dialog. yes proceeds into
// phase execution; no transitions to a paused state that a later Resume
// call proceeds from without re-showing the dialog.
func (r *Runner) RespondToMessage(yes bool) {
	r.mu.Lock()
	if r.pauseReason != PausedForMessage {
		r.mu.Unlock()
		return
	}
	if !yes {
		r.pauseReason = PausedAfterMessageRejected
		r.messageRejectedPause = true
		r.mu.Unlock()
		return
	}
	r.state = Running
	r.pauseReason = NotPaused
	r.messageRejectedPause = false
	r.mu.Unlock()

	r.executeNextPhase()
}

// executeNextPhase publishes the viewer and hardware messages for the
// current phase, in that order, before starting the phase timer (spec.md
// section 4.7's ordering guarantee), or completes the step if phases are
// exhausted.
func (r *Runner) executeNextPhase() {
	r.mu.Lock()
	if r.phaseIdx >= len(r.plan) {
		r.mu.Unlock()
		r.completeStep()
		return
	}
	step := r.steps[r.stepIdx]
	phase := r.plan[r.phaseIdx]
	editable := r.advancedModeEditable
	preview := r.preview
	threshold := step.VolumeThreshold()
	r.mu.Unlock()

	r.bridge.SetPublishedUID(step.UID)
	msg := viewer.StepToMessage(step, phase.Activated, editable)
	if editable {
		free := true
		msg.StepInfo.FreeMode = &free
	}
	r.publishViewerMessage(msg)

	if !preview {
		channels := activatedChannels(phase.Activated, step.DeviceState.IDToChannel)
		if err := r.supervisor.SafeAccess(hardwareAccessTimeout, func(p device.Proxy) error {
			return p.SetChannelStates(channels)
		}); err != nil {
			log.Warnf("runner: applying phase %d of step %s: %v", r.phaseIdx, step.UID, err)
		}
	}

	r.mu.Lock()
	r.phaseAdvanced = false
	r.phaseHandle = r.scheduler.ScheduleOnce(phase.Duration, r.onPhaseTimerFired)
	r.mu.Unlock()

	if threshold > 0 {
		r.startThresholdMonitor(step, phase)
	}
}

// onPhaseTimerFired advances to the next phase. It also fires when the
// volume-threshold monitor cuts the phase short, since that path cancels
// the same Handle and calls this directly; phaseAdvanced guards against
// both racing to advance the same phase when the cutoff lands right at the
// timer's natural deadline.
func (r *Runner) onPhaseTimerFired() {
	r.stopThresholdMonitor()

	r.mu.Lock()
	if r.phaseAdvanced {
		r.mu.Unlock()
		return
	}
	r.phaseAdvanced = true
	r.phaseHandle = nil
	r.phaseIdx++
	r.mu.Unlock()

	r.executeNextPhase()
}

// completeStep runs the end-of-step droplet check (if enabled and the step
// has anything activated) and either advances to the next step or pauses
// with the failure recorded for ContinueAfterDropletFailure/StayPaused.
func (r *Runner) completeStep() {
	r.mu.Lock()
	step := r.steps[r.stepIdx]
	preview := r.preview
	enabled := r.dropletDetectionEnabled
	hasTargets := len(step.DeviceState.ActivatedElectrodes) > 0 || len(step.DeviceState.Paths) > 0
	var expected []int
	if len(r.plan) > 0 {
		expected = channelList(activatedChannels(r.plan[len(r.plan)-1].Activated, step.DeviceState.IDToChannel))
	}
	r.mu.Unlock()

	if !enabled || !hasTargets {
		r.advanceToNextStep()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dropletCheckTimeout)
	defer cancel()
	missing, err := r.dropletSvc.CheckDropletsAt(ctx, step.UID, expected, preview)
	if err != nil {
		log.Warnf("runner: droplet check for step %s: %v", step.UID, err)
		r.advanceToNextStep()
		return
	}
	if len(missing) > 0 {
		r.mu.Lock()
		r.state = Paused
		r.pauseReason = PausedForDropletFailure
		r.dropletFailureMissing = missing
		r.mu.Unlock()
		return
	}

	r.advanceToNextStep()
}

// ContinueAfterDropletFailure dismisses a droplet-check failure and advances
// to the next step, as if the check had passed.
func (r *Runner) ContinueAfterDropletFailure() {
	r.mu.Lock()
	if r.pauseReason != PausedForDropletFailure {
		r.mu.Unlock()
		return
	}
	r.dropletFailureMissing = nil
	r.mu.Unlock()
	r.advanceToNextStep()
}

// StayPaused leaves a droplet-check failure paused; it exists so callers can
// name the "Stay Paused" choice explicitly rather than simply doing nothing.
func (r *Runner) StayPaused() {}

func (r *Runner) advanceToNextStep() {
	r.mu.Lock()
	r.stepIdx++
	if r.stepIdx >= len(r.steps) {
		r.state = Idle
		r.pauseReason = NotPaused
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.beginStep()
}

// Pause requests that the current phase timer stop and the engine enter
// Paused. Debounced 250 ms: the request is queued and only applied once the
// window elapses without a further Pause/Resume call, which replaces it
// (trailing edge — the last of a rapid Pause/Resume pair wins).
func (r *Runner) Pause() {
	r.debouncePauseResume(r.pauseNow)
}

// Resume continues from a plain Pause, a rejected-message pause, or a phase
// navigation, restarting the phase timer with its captured remainder.
// PausedForMessage and PausedForDropletFailure must use their own entry
// points instead. Debounced 250 ms along with Pause.
func (r *Runner) Resume() {
	r.debouncePauseResume(r.resumeNow)
}

// debouncePauseResume cancels any pending Pause/Resume action and schedules
// action to run after pauseResumeDebounce elapses, so only the most recent
// call in a rapid sequence ever takes effect.
func (r *Runner) debouncePauseResume(action func()) {
	r.mu.Lock()
	if r.pauseResumeHandle != nil {
		r.pauseResumeHandle.Cancel()
	}
	r.pauseResumeHandle = r.scheduler.ScheduleOnce(pauseResumeDebounce, func() {
		r.mu.Lock()
		r.pauseResumeHandle = nil
		r.mu.Unlock()
		action()
	})
	r.mu.Unlock()
}

// pauseNow is the debounced action behind Pause: it stops the current phase
// timer (and the threshold monitor, if any), capturing its remaining
// duration, and enters Paused.
func (r *Runner) pauseNow() {
	r.stopThresholdMonitor()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Running {
		return
	}
	if r.phaseHandle != nil {
		r.pausedPhaseRemaining = r.phaseHandle.Cancel()
		r.phaseHandle = nil
	}
	r.state = Paused
	r.pauseReason = PausedByUser
}

// resumeNow is the debounced action behind Resume.
func (r *Runner) resumeNow() {
	r.mu.Lock()
	if r.state != Paused {
		r.mu.Unlock()
		return
	}
	switch r.pauseReason {
	case PausedByUser:
		jump := r.jumpPending
		r.jumpPending = false
		navigated := r.phaseNavigated
		r.phaseNavigated = false
		if navigated {
			r.phaseIdx = r.intendedPhaseIdx
		}
		r.state = Running
		r.pauseReason = NotPaused
		r.mu.Unlock()

		if jump {
			r.beginStep()
			return
		}
		if navigated {
			r.executeNextPhase()
			return
		}

		r.mu.Lock()
		remaining := r.pausedPhaseRemaining
		step := r.steps[r.stepIdx]
		threshold := step.VolumeThreshold()
		phase := r.plan[r.phaseIdx]
		r.phaseHandle = r.scheduler.ScheduleOnce(remaining, r.onPhaseTimerFired)
		r.mu.Unlock()
		if threshold > 0 {
			r.startThresholdMonitor(step, phase)
		}
		return

	case PausedAfterMessageRejected:
		r.state = Running
		r.pauseReason = NotPaused
		r.messageRejectedPause = false
		r.mu.Unlock()
		r.executeNextPhase()
		return

	default:
		r.mu.Unlock()
		return
	}
}

// JumpToStepByPath selects the step whose positional ID equals path,
// resetting phase state; the chosen step starts from phase 0 on the next
// Resume. Only meaningful while Paused.
func (r *Runner) JumpToStepByPath(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Paused {
		return fmt.Errorf("runner: jump_to_step_by_path requires Paused, got %s", r.state)
	}
	for i, s := range r.steps {
		if protocol.ElementID(s) == path {
			r.dropletSvc.ClearMemo(s.UID)
			r.stepIdx = i
			r.plan = nil
			r.phaseIdx = 0
			r.jumpPending = true
			r.pauseReason = PausedByUser
			return nil
		}
	}
	return fmt.Errorf("runner: no step at path %q", path)
}

// NextPhase moves the paused "intended" phase index forward by one, without
// reapplying hardware, and republishes the viewer message for operator
// feedback. Only valid while Paused on a step with paths.
func (r *Runner) NextPhase() error { return r.navigatePhase(1) }

// PrevPhase moves the paused "intended" phase index back by one.
func (r *Runner) PrevPhase() error { return r.navigatePhase(-1) }

func (r *Runner) navigatePhase(delta int) error {
	r.mu.Lock()
	if r.state != Paused {
		r.mu.Unlock()
		return fmt.Errorf("runner: phase navigation requires Paused, got %s", r.state)
	}
	step := r.steps[r.stepIdx]
	if len(step.DeviceState.Paths) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("runner: step %s has no paths to navigate", step.UID)
	}
	if !r.phaseNavigated {
		r.intendedPhaseIdx = r.phaseIdx
	}
	next := r.intendedPhaseIdx + delta
	if next < 0 {
		next = 0
	}
	if next > len(r.plan)-1 {
		next = len(r.plan) - 1
	}
	r.intendedPhaseIdx = next
	r.phaseNavigated = true
	r.dropletSvc.ClearMemo(step.UID)
	phase := r.plan[next]
	r.mu.Unlock()

	msg := viewer.StepToMessage(step, phase.Activated, false)
	r.publishViewerMessage(msg)
	return nil
}

// Stop cancels the run synchronously: a final editable viewer message goes
// out for the step that was executing, hardware channels are zeroed, and
// all timers and counters reset. The step selection is preserved.
func (r *Runner) Stop() {
	r.stopThresholdMonitor()

	r.mu.Lock()
	if r.state == Idle {
		r.mu.Unlock()
		return
	}
	step := r.steps[r.stepIdx]
	preview := r.preview
	if r.phaseHandle != nil {
		r.phaseHandle.Cancel()
		r.phaseHandle = nil
	}
	if r.pauseResumeHandle != nil {
		r.pauseResumeHandle.Cancel()
		r.pauseResumeHandle = nil
	}
	r.state = Idle
	r.pauseReason = NotPaused
	r.messageRejectedPause = false
	r.dropletFailureMissing = nil
	r.plan = nil
	r.phaseIdx = 0
	r.mu.Unlock()

	msg := viewer.StepToMessage(step, nil, true)
	r.publishViewerMessage(msg)

	if !preview {
		if err := r.supervisor.SafeAccess(hardwareAccessTimeout, func(p device.Proxy) error {
			return p.TurnOffAllChannels()
		}); err != nil {
			log.Warnf("runner: stop: deactivating channels: %v", err)
		}
	}
}

func (r *Runner) publishViewerMessage(msg viewer.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warnf("runner: marshal viewer message: %v", err)
		return
	}
	if err := r.router.Publish("protocol_grid/display_state", data); err != nil {
		log.Warnf("runner: publish viewer message: %v", err)
	}
}

func (r *Runner) publishString(topic, payload string) {
	if err := r.router.PublishString(topic, payload); err != nil {
		log.Warnf("runner: publish %q: %v", topic, err)
	}
}

// startThresholdMonitor polls the last-observed capacitance every
// thresholdPollInterval, firing the phase's early exit once it reaches the
// derived target (spec.md section 4.8). Disabled (no-op) when calibration
// is incomplete or the derived target isn't positive.
func (r *Runner) startThresholdMonitor(step *protocol.Step, phase planner.Phase) {
	r.mu.Lock()
	ca, caOK := force.CapacitancePerArea(r.calibration.Force)
	activeArea := r.calibration.activeAreaMM2(phase.Activated)
	volumeThreshold := step.VolumeThreshold()
	r.mu.Unlock()

	if !caOK || activeArea <= 0 {
		return
	}
	target := volumeThreshold * activeArea * ca
	if target <= 0 {
		return
	}

	stop := make(chan struct{})
	r.mu.Lock()
	r.thresholdStop = stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(thresholdPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				current := r.lastCapacitancePF
				handle := r.phaseHandle
				r.mu.Unlock()
				if current >= target && handle != nil {
					handle.Cancel()
					r.onPhaseTimerFired()
					return
				}
			}
		}
	}()
}

func (r *Runner) stopThresholdMonitor() {
	r.mu.Lock()
	stop := r.thresholdStop
	r.thresholdStop = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

type capacitanceSignal struct {
	Capacitance string `json:"capacitance"`
	Voltage     string `json:"voltage"`
}

func (r *Runner) onCapacitanceUpdated(msg bus.TimestampedMessage) {
	var sig capacitanceSignal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		log.Warnf("runner: malformed capacitance_updated payload: %v", err)
		return
	}
	capPF, err := parseSuffixed(sig.Capacitance, "pF")
	if err != nil {
		log.Warnf("runner: malformed capacitance value %q: %v", sig.Capacitance, err)
		return
	}
	voltageV, _ := parseSuffixed(sig.Voltage, "V")

	r.mu.Lock()
	r.lastCapacitancePF = capPF
	r.lastVoltageV = voltageV
	state := r.state
	logger := r.logger
	preview := r.preview
	var step *protocol.Step
	var activated map[string]bool
	if state == Running && len(r.steps) > 0 {
		step = r.steps[r.stepIdx]
		if r.phaseIdx < len(r.plan) {
			activated = r.plan[r.phaseIdx].Activated
		}
	}
	r.mu.Unlock()

	if logger == nil || preview || state != Running || step == nil {
		return
	}

	ca, caOK := force.CapacitancePerArea(r.calibration.Force)
	forcePerArea := 0.0
	if caOK {
		forcePerArea = ca * voltageV * voltageV / 2
	}
	channels := activatedChannels(activated, step.DeviceState.IDToChannel)
	sample := datalog.Sample{
		TimestampMs:      msg.TimestampMs,
		Capacitance:      capPF,
		Voltage:          voltageV,
		ForcePerUnitArea: forcePerArea,
		StepID:           protocol.ElementID(step),
		ActuatedChannels: channelList(channels),
		ActuatedAreaMM2:  r.calibration.activeAreaMM2(activated),
	}
	if err := logger.Append(sample); err != nil {
		log.Warnf("runner: append data sample: %v", err)
	}
}

func parseSuffixed(s, suffix string) (float64, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(s), suffix)
	return strconv.ParseFloat(trimmed, 64)
}

func activatedChannels(activated map[string]bool, idToChannel map[string]int) map[int]bool {
	out := make(map[int]bool, len(idToChannel))
	for _, ch := range idToChannel {
		out[ch] = false
	}
	for id, on := range activated {
		if !on {
			continue
		}
		if ch, ok := idToChannel[id]; ok {
			out[ch] = true
		}
	}
	return out
}

func channelList(channels map[int]bool) []int {
	var out []int
	for ch, on := range channels {
		if on {
			out = append(out, ch)
		}
	}
	return out
}
