package runner

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sci-bots/dropbot-core/internal/bus"
	"github.com/sci-bots/dropbot-core/internal/device"
	"github.com/sci-bots/dropbot-core/internal/droplet"
	"github.com/sci-bots/dropbot-core/internal/force"
	"github.com/sci-bots/dropbot-core/internal/protocol"
	"github.com/sci-bots/dropbot-core/internal/viewer"
	"github.com/sci-bots/dropbot-core/internal/voltage"
)

// manualHandle is a Handle whose callback only ever fires when the test
// explicitly asks for it, so phase timing is deterministic.
type manualHandle struct {
	mu        sync.Mutex
	fn        func()
	duration  time.Duration
	fired     bool
	cancelled bool
}

func (h *manualHandle) Cancel() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired || h.cancelled {
		return 0
	}
	h.cancelled = true
	return h.duration
}

func (h *manualHandle) Remaining() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired || h.cancelled {
		return 0
	}
	return h.duration
}

// manualScheduler records every scheduled callback without a goroutine or
// real timer; tests fire the one they want with FireLatest.
type manualScheduler struct {
	mu      sync.Mutex
	handles []*manualHandle
}

func (s *manualScheduler) ScheduleOnce(d time.Duration, fn func()) Handle {
	h := &manualHandle{fn: fn, duration: d}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

// FireLatest runs the most recently scheduled handle that hasn't already
// fired or been cancelled.
func (s *manualScheduler) FireLatest() bool {
	s.mu.Lock()
	var h *manualHandle
	for i := len(s.handles) - 1; i >= 0; i-- {
		if !s.handles[i].fired && !s.handles[i].cancelled {
			h = s.handles[i]
			break
		}
	}
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h.mu.Lock()
	h.fired = true
	fn := h.fn
	h.mu.Unlock()
	fn()
	return true
}

func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.handles {
		if !h.fired && !h.cancelled {
			n++
		}
	}
	return n
}

// fakeProxy is a minimal device.Proxy recording SetChannelStates calls.
type fakeProxy struct {
	mu           sync.Mutex
	channelCount int
	state        map[int]bool
	setCalls     []map[int]bool
	allOffCount  int
}

func newFakeProxy(channelCount int) *fakeProxy {
	state := make(map[int]bool, channelCount)
	for i := 0; i < channelCount; i++ {
		state[i] = false
	}
	return &fakeProxy{channelCount: channelCount, state: state}
}

func (p *fakeProxy) InitializeSwitchingBoards() error { return nil }
func (p *fakeProxy) ChannelCount() (int, error)       { return p.channelCount, nil }
func (p *fakeProxy) StateOfChannels() (map[int]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]bool, len(p.state))
	for k, v := range p.state {
		out[k] = v
	}
	return out, nil
}
func (p *fakeProxy) RestoreStateOfChannels(state map[int]bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	return nil
}
func (p *fakeProxy) ConfigureUpdateInterval(time.Duration) error { return nil }
func (p *fakeProxy) SetEventMask(uint32) error                  { return nil }
func (p *fakeProxy) SetHighVoltageOutputEnabled(bool) error      { return nil }
func (p *fakeProxy) SetVoltage(float64) error                   { return nil }
func (p *fakeProxy) SetFrequency(float64) error                 { return nil }
func (p *fakeProxy) SubscribeSignal(string, func([]byte)) error { return nil }
func (p *fakeProxy) TurnOffAllChannels() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allOffCount++
	for ch := range p.state {
		p.state[ch] = false
	}
	return nil
}
func (p *fakeProxy) SetChannelStates(active map[int]bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(map[int]bool, len(active))
	for ch, on := range active {
		p.state[ch] = on
		cp[ch] = on
	}
	p.setCalls = append(p.setCalls, cp)
	return nil
}
func (p *fakeProxy) ChipInserted() (bool, error) { return true, nil }
func (p *fakeProxy) DetectShorts() ([]int, error) { return nil, nil }
func (p *fakeProxy) DetectDroplets(channels []int) ([]int, error) { return nil, nil }
func (p *fakeProxy) RunSelfTest(report func(stage string, fraction float64)) error { return nil }
func (p *fakeProxy) TryLock(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return true
}
func (p *fakeProxy) Unlock()         {}
func (p *fakeProxy) Terminate() error { return nil }

var (
	testSupervisorOnce sync.Mutex
	currentTestProxy   device.Proxy
)

// testSupervisor returns the process-wide Supervisor, initializing it once
// per test binary and attaching fp as the currently connected proxy. Since
// Supervisor is a singleton, every call after the first reuses the same
// instance; swapping currentTestProxy and calling Connect again is enough to
// give each test its own fake hardware.
func testSupervisor(t *testing.T, router *bus.Router, fp *fakeProxy) *device.Supervisor {
	t.Helper()
	testSupervisorOnce.Lock()
	defer testSupervisorOnce.Unlock()

	currentTestProxy = fp
	sup := device.Init(router, device.NewStaticPortLister("test-port"), func(string) (device.Proxy, error) {
		return currentTestProxy, nil
	}, fp.channelCount)
	require.NoError(t, sup.Connect("test-port"))
	return sup
}

func newTestStep(t *testing.T, idToChannel map[string]int, activated map[string]bool) *protocol.Step {
	t.Helper()
	step := protocol.NewStep()
	step.SetDuration(0.05)
	step.DeviceState.IDToChannel = idToChannel
	step.DeviceState.ActivatedElectrodes = activated
	return step
}

func newTestTree(steps ...*protocol.Step) *protocol.ProtocolState {
	tree := protocol.NewProtocolState()
	for _, s := range steps {
		tree.Sequence = append(tree.Sequence, s)
	}
	tree.ReassignIDs()
	return tree
}

func newTestRunner(t *testing.T, fp *fakeProxy) (*Runner, *bus.Router, *manualScheduler) {
	t.Helper()
	router, err := bus.NewRouter("")
	require.NoError(t, err)
	t.Cleanup(router.Close)

	sup := testSupervisor(t, router, fp)
	voltageSvc := voltage.NewService(router)
	dropletSvc, err := droplet.NewService(router)
	require.NoError(t, err)
	bridge := viewer.NewBridge()
	sched := &manualScheduler{}

	r := New(router, sup, voltageSvc, dropletSvc, bridge, sched, Calibration{})
	r.SetDropletDetectionEnabled(false)
	require.NoError(t, r.Subscribe())
	return r, router, sched
}

func TestStartRunsSingleStepSinglePhaseToIdle(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)

	idToChannel := map[string]int{"e1": 0}
	step := newTestStep(t, idToChannel, map[string]bool{"e1": true})
	tree := newTestTree(step)

	require.NoError(t, r.Start(tree))

	status := r.Status()
	assert.Equal(t, Running, status.State)
	assert.Equal(t, 1, sched.pendingCount())

	fp.mu.Lock()
	assert.Len(t, fp.setCalls, 1)
	assert.True(t, fp.setCalls[0][0])
	fp.mu.Unlock()

	require.True(t, sched.FireLatest())

	status = r.Status()
	assert.Equal(t, Idle, status.State)
}

func TestStartErrorsOnEmptyProtocol(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, _ := newTestRunner(t, fp)
	tree := newTestTree()
	err := r.Start(tree)
	assert.Error(t, err)
}

func TestStartErrorsWhenNotIdle(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, _ := newTestRunner(t, fp)
	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	tree := newTestTree(step)
	require.NoError(t, r.Start(tree))
	assert.Error(t, r.Start(tree))
}

func TestMessageGatePausesThenRespondToMessageYesProceeds(t *testing.T) {
	fp := newFakeProxy(4)
	r, router, sched := newTestRunner(t, fp)

	var received atomic.Int64
	l := bus.NewListener("viewer-test")
	l.OnSignal("display_state", func(msg bus.TimestampedMessage) {
		received.Add(1)
	})
	require.NoError(t, router.Subscribe("protocol_grid/#", l))

	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	step.SetMessage("please confirm")
	tree := newTestTree(step)

	require.NoError(t, r.Start(tree))

	status := r.Status()
	assert.Equal(t, Paused, status.State)
	assert.Equal(t, PausedForMessage, status.PauseReason)
	assert.Equal(t, 0, sched.pendingCount())

	r.RespondToMessage(true)

	status = r.Status()
	assert.Equal(t, Running, status.State)
	assert.Equal(t, 1, sched.pendingCount())

	require.Eventually(t, func() bool { return received.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestMessageGateRespondToMessageNoThenResume(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)

	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	step.SetMessage("please confirm")
	tree := newTestTree(step)

	require.NoError(t, r.Start(tree))
	r.RespondToMessage(false)

	status := r.Status()
	assert.Equal(t, Paused, status.State)
	assert.Equal(t, PausedAfterMessageRejected, status.PauseReason)
	assert.True(t, status.MessageRejectedPause)

	r.Resume()
	require.True(t, sched.FireLatest())

	status = r.Status()
	assert.Equal(t, Running, status.State)
	assert.False(t, status.MessageRejectedPause)
	assert.Equal(t, 1, sched.pendingCount())
}

func TestRealtimeModeSuppressesMessageGate(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)
	r.SetRealtimeMode(true)

	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	step.SetMessage("please confirm")
	tree := newTestTree(step)

	require.NoError(t, r.Start(tree))

	status := r.Status()
	assert.Equal(t, Running, status.State)
	assert.Equal(t, 1, sched.pendingCount())
}

func TestPauseCapturesRemainingThenResumeReschedulesIt(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)

	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	step.SetDuration(10)
	tree := newTestTree(step)
	require.NoError(t, r.Start(tree))

	r.Pause()
	require.True(t, sched.FireLatest())

	status := r.Status()
	assert.Equal(t, Paused, status.State)
	assert.Equal(t, PausedByUser, status.PauseReason)
	assert.Equal(t, 0, sched.pendingCount())
	assert.Equal(t, 10*time.Second, status.PhaseRemaining)

	r.Resume()
	require.True(t, sched.FireLatest())

	status = r.Status()
	assert.Equal(t, Running, status.State)
	require.Equal(t, 1, sched.pendingCount())
}

// TestRapidPauseThenResumeEndsRunning exercises a Pause() immediately
// followed by Resume(), both landing inside the same debounce window: only
// the scheduler's last queued action must fire, and it must be the resume,
// per spec.md's "last request within the window wins" debounce semantics.
func TestRapidPauseThenResumeEndsRunning(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)

	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	step.SetDuration(10)
	tree := newTestTree(step)
	require.NoError(t, r.Start(tree))

	r.Pause()
	r.Resume()
	require.True(t, sched.FireLatest())

	status := r.Status()
	assert.Equal(t, Running, status.State)
}

func TestJumpToStepByPathThenResumeStartsFromJumpedStep(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)

	idToChannel := map[string]int{"e1": 0, "e2": 1}
	stepA := newTestStep(t, idToChannel, map[string]bool{"e1": true})
	stepB := newTestStep(t, idToChannel, map[string]bool{"e2": true})
	tree := newTestTree(stepA, stepB)

	require.NoError(t, r.Start(tree))
	r.Pause()
	require.True(t, sched.FireLatest())

	pathB := protocol.ElementID(stepB)
	require.NoError(t, r.JumpToStepByPath(pathB))

	r.Resume()
	require.True(t, sched.FireLatest())

	status := r.Status()
	assert.Equal(t, 1, status.StepIndex)
	assert.Equal(t, Running, status.State)
	require.Equal(t, 1, sched.pendingCount())

	fp.mu.Lock()
	last := fp.setCalls[len(fp.setCalls)-1]
	fp.mu.Unlock()
	assert.True(t, last[1])
}

func TestJumpToStepByPathUnknownPathErrors(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)
	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	tree := newTestTree(step)
	require.NoError(t, r.Start(tree))
	r.Pause()
	require.True(t, sched.FireLatest())
	assert.Error(t, r.JumpToStepByPath("does-not-exist"))
}

func TestNextPhaseNavigatesWithoutReapplyingHardwareUntilResume(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)

	step := newTestStep(t, map[string]int{"e1": 0, "e2": 1}, nil)
	step.DeviceState.Paths = [][]string{{"e1", "e2"}}
	step.DeviceState.RouteColors = []string{"#fff"}
	step.SetTrailLength(1)
	tree := newTestTree(step)

	require.NoError(t, r.Start(tree))
	r.Pause()
	require.True(t, sched.FireLatest())

	fp.mu.Lock()
	callsBeforeNav := len(fp.setCalls)
	fp.mu.Unlock()

	require.NoError(t, r.NextPhase())

	fp.mu.Lock()
	callsAfterNav := len(fp.setCalls)
	fp.mu.Unlock()
	assert.Equal(t, callsBeforeNav, callsAfterNav, "navigation must not touch hardware before Resume")

	status := r.Status()
	assert.Equal(t, 0, status.PhaseIndex, "phase index stays put until Resume applies the intended index")

	r.Resume()
	require.True(t, sched.FireLatest())

	status = r.Status()
	assert.Equal(t, 1, status.PhaseIndex)
	require.Equal(t, 1, sched.pendingCount())
}

func TestStopZeroesHardwareAndPreservesStepSelection(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)

	idToChannel := map[string]int{"e1": 0, "e2": 1}
	stepA := newTestStep(t, idToChannel, map[string]bool{"e1": true})
	stepB := newTestStep(t, idToChannel, map[string]bool{"e2": true})
	tree := newTestTree(stepA, stepB)

	require.NoError(t, r.Start(tree))
	require.True(t, sched.FireLatest())
	require.Equal(t, 1, sched.pendingCount())

	// Connect already turned every channel off once while configuring the
	// proxy; Stop must add exactly one more all-off.
	fp.mu.Lock()
	offBefore := fp.allOffCount
	fp.mu.Unlock()

	r.Stop()

	status := r.Status()
	assert.Equal(t, Idle, status.State)
	assert.Equal(t, 1, status.StepIndex, "the step that was executing stays selected")

	fp.mu.Lock()
	assert.Equal(t, offBefore+1, fp.allOffCount)
	fp.mu.Unlock()
}

func TestDropletCheckFailurePausesAndContinueAdvances(t *testing.T) {
	fp := newFakeProxy(4)
	r, router, sched := newTestRunner(t, fp)
	r.SetDropletDetectionEnabled(true)

	hw := bus.NewListener("fake-hardware")
	hw.OnRequest("detect_droplets", func(msg bus.TimestampedMessage) {
		resp := []byte(`{"success":true,"detected_channels":[]}`)
		require.NoError(t, router.Publish("dropbot/signals/droplets_detected", resp))
	})
	require.NoError(t, router.Subscribe("dropbot/requests/#", hw))

	idToChannel := map[string]int{"e1": 0, "e2": 1}
	stepA := newTestStep(t, idToChannel, map[string]bool{"e1": true})
	stepB := newTestStep(t, idToChannel, map[string]bool{"e2": true})
	tree := newTestTree(stepA, stepB)

	require.NoError(t, r.Start(tree))
	require.True(t, sched.FireLatest())

	require.Eventually(t, func() bool {
		return r.Status().State == Paused
	}, time.Second, time.Millisecond)

	status := r.Status()
	assert.Equal(t, PausedForDropletFailure, status.PauseReason)
	assert.Equal(t, []int{0}, status.DropletFailureMissing)

	r.ContinueAfterDropletFailure()

	require.Eventually(t, func() bool {
		return r.Status().State == Running && r.Status().StepIndex == 1
	}, time.Second, time.Millisecond)
}

func TestVolumeThresholdCutsPhaseShortWithoutDoubleAdvance(t *testing.T) {
	fp := newFakeProxy(4)
	r, _, sched := newTestRunner(t, fp)
	r.calibration = Calibration{
		Force:            force.Calibration{CapacitanceLiquid: 2.0, CapacitanceFiller: 1.0, CalibrationArea: 10.0},
		ElectrodeAreaMM2: map[string]float64{"e1": 10},
	}

	step := newTestStep(t, map[string]int{"e1": 0}, map[string]bool{"e1": true})
	step.SetDuration(10)
	step.SetVolumeThreshold(0.5)
	tree := newTestTree(step)

	require.NoError(t, r.Start(tree))
	require.Equal(t, 1, sched.pendingCount())

	r.mu.Lock()
	r.lastCapacitancePF = 1000
	r.mu.Unlock()

	require.Eventually(t, func() bool {
		return r.Status().State == Idle
	}, time.Second, time.Millisecond)

	assert.Equal(t, 0, sched.pendingCount(), "the natural timer fire must have become a no-op")
}
