package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"github.com/sci-bots/dropbot-core/internal/bus"
	"github.com/sci-bots/dropbot-core/internal/scheduler"
	"github.com/sci-bots/dropbot-core/pkg/log"
)

// recoveryState is the small state machine spec.md section 9 asks for in
// place of the source's pair of booleans.
type recoveryState int

const (
	recoveryIdle recoveryState = iota
	recoveryInProgress
	reconnectInProgress
)

const (
	discoveryInterval     = 2 * time.Second
	connectRetrySpacing   = 500 * time.Millisecond
	connectMaxRetries     = 3
	validationMinInterval = 2 * time.Second
	defaultMaxCorruption  = 3

	// chipCheckDebounce coalesces rapid repeated chip_check requests fired by
	// a chip being wiggled in and out of its socket.
	chipCheckDebounce = 1 * time.Second

	// chipLockDebounce coalesces rapid chip-lock toggle requests, trailing
	// edge: only the last request within the window is applied.
	chipLockDebounce = 500 * time.Millisecond

	// defaultAccessTimeout bounds how long SafeAccess-mediated setpoint
	// changes wait for the proxy's transaction lock.
	defaultAccessTimeout = 500 * time.Millisecond
)

// NewProxyFunc constructs a Proxy bound to the given port path. It is
// injected so tests can supply a fake without touching real hardware.
type NewProxyFunc func(port string) (Proxy, error)

// Supervisor is the singleton hardware proxy owner described in spec.md
// section 4.3: discovery, connect, validate, recover, and scoped safe
// access, all serialized behind one mutex.
type Supervisor struct {
	router           *bus.Router
	lister           PortLister
	newProxy         NewProxyFunc
	expectedChannels int
	maxCorruption    int

	mu        sync.Mutex
	proxy     Proxy
	port      string
	connected bool

	state             recoveryState
	corruptionRetries int
	lastValidation    time.Time
	lastValidationOK  bool
	lastGoodState     map[int]bool

	discoveryMu     sync.Mutex
	discoveryCancel func()

	chipCheckLimiter *rate.Limiter

	chipLockMu    sync.Mutex
	chipLockTimer *time.Timer
	chipLocked    bool
}

var (
	singletonMu sync.Mutex
	singleton   *Supervisor
)

// Init constructs the process-wide Supervisor on first call; later calls
// return the existing instance unchanged.
func Init(router *bus.Router, lister PortLister, newProxy NewProxyFunc, expectedChannels int) *Supervisor {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		return singleton
	}
	singleton = &Supervisor{
		router:           router,
		lister:           lister,
		newProxy:         newProxy,
		expectedChannels: expectedChannels,
		maxCorruption:    defaultMaxCorruption,
		chipCheckLimiter: rate.NewLimiter(rate.Every(chipCheckDebounce), 1),
	}
	return singleton
}

// Get returns the process-wide Supervisor, or nil if Init was never called.
func Get() *Supervisor {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singleton
}

// StartDeviceMonitoring launches the discovery probe, per the
// start_device_monitoring request in spec.md section 4.3. Idempotent.
func (s *Supervisor) StartDeviceMonitoring() {
	if s.Connected() {
		if _, err := s.ChipCheck(); err != nil {
			log.Warnf("device: chip check on monitor start: %v", err)
		}
		return
	}

	s.discoveryMu.Lock()
	defer s.discoveryMu.Unlock()

	if s.discoveryCancel != nil {
		return
	}

	cancel, err := scheduler.Every(gocron.DurationJob(discoveryInterval), s.probe)
	if err != nil {
		log.Errorf("device: could not start discovery: %v", err)
		return
	}
	s.discoveryCancel = cancel
}

func (s *Supervisor) stopDiscovery() {
	s.discoveryMu.Lock()
	defer s.discoveryMu.Unlock()
	if s.discoveryCancel != nil {
		s.discoveryCancel()
		s.discoveryCancel = nil
	}
}

// probe runs on the discovery ticker: enumerate ports, and on the first hit
// pause the probe and attempt to connect.
func (s *Supervisor) probe() {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ports, err := s.lister.ListPorts()
	if err != nil {
		log.Warnf("device: port discovery failed: %v", err)
		return
	}
	if len(ports) == 0 {
		return
	}

	s.stopDiscovery()
	if err := s.Connect(ports[0].Path); err != nil {
		log.Warnf("device: connect to %s failed: %v", ports[0].Path, err)
	}
}

// RetryConnection re-attempts connection once, for the retry_connection
// request fired after no_dropbot_available or no_power.
func (s *Supervisor) RetryConnection() error {
	ports, err := s.lister.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		s.publish("dropbot/signals/no_dropbot_available", nil)
		return ErrConnectionUnavailable
	}
	return s.Connect(ports[0].Path)
}

// Connect constructs a proxy on port and brings it up, per the four-step
// sequence in spec.md section 4.3, retried up to connectMaxRetries times
// spaced connectRetrySpacing apart.
func (s *Supervisor) Connect(port string) error {
	proxy, err := s.newProxy(port)
	if err != nil {
		if err == ErrPowerMissing {
			s.publish("dropbot/signals/no_power", nil)
			return err
		}
		s.publish("dropbot/signals/no_dropbot_available", nil)
		return ErrConnectionUnavailable
	}

	bringUp := func() error {
		if err := proxy.InitializeSwitchingBoards(); err != nil {
			return err
		}
		count, err := proxy.ChannelCount()
		if err != nil {
			return err
		}
		if count != s.expectedChannels {
			return ErrStateCorruption
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(connectRetrySpacing), connectMaxRetries)
	if err := backoff.Retry(bringUp, policy); err != nil {
		_ = proxy.Terminate()
		s.publish("dropbot/signals/dropbot_error", []byte(err.Error()))
		return ErrProxyError
	}

	if err := s.configureProxy(proxy); err != nil {
		_ = proxy.Terminate()
		s.publish("dropbot/signals/dropbot_error", []byte(err.Error()))
		return ErrProxyError
	}

	s.mu.Lock()
	s.proxy = proxy
	s.port = port
	s.connected = true
	s.corruptionRetries = 0
	s.state = recoveryIdle
	s.mu.Unlock()

	s.publish("dropbot/signals/connected", nil)
	log.Infof("device: connected on %s", port)

	if _, err := s.ChipCheck(); err != nil {
		log.Warnf("device: chip check on connect: %v", err)
	}
	return nil
}

func (s *Supervisor) configureProxy(proxy Proxy) error {
	if err := proxy.ConfigureUpdateInterval(100 * time.Millisecond); err != nil {
		return err
	}
	if err := proxy.SetEventMask(0xFFFFFFFF); err != nil {
		return err
	}
	if err := proxy.SetHighVoltageOutputEnabled(false); err != nil {
		return err
	}
	for _, sig := range []string{SignalHalted, SignalOutputEnabled, SignalOutputDisabled, SignalCapacitanceUpdated, SignalShortsDetected} {
		name := sig
		if err := proxy.SubscribeSignal(name, func(payload []byte) { s.onProxySignal(name, payload) }); err != nil {
			return err
		}
	}
	return proxy.TurnOffAllChannels()
}

func (s *Supervisor) onProxySignal(name string, payload []byte) {
	topic := name
	if name == SignalShortsDetected {
		topic = "shorts_detected"
		log.Warnf("device: shorts detected: %s", string(payload))
	}
	s.publish("dropbot/signals/"+topic, payload)
}

// ChipCheck reports whether a chip is currently seated, debounced so a chip
// being wiggled in and out of its socket does not flood the bus with
// chip_inserted signals. Returns false without error if no proxy is
// connected, or if the call was coalesced by the debounce window.
func (s *Supervisor) ChipCheck() (bool, error) {
	if !s.chipCheckLimiter.Allow() {
		return false, nil
	}

	s.mu.Lock()
	proxy := s.proxy
	s.mu.Unlock()
	if proxy == nil {
		return false, nil
	}

	inserted, err := proxy.ChipInserted()
	if err != nil {
		return false, err
	}

	log.Infof("device: chip check result: %v", inserted)
	s.publish("dropbot/signals/chip_inserted", []byte(fmt.Sprintf("%v", inserted)))
	return inserted, nil
}

// DetectShorts runs the board's shorted-channel scan and publishes the
// result as shorts_detected, in addition to returning it to the caller.
func (s *Supervisor) DetectShorts() ([]int, error) {
	s.mu.Lock()
	proxy := s.proxy
	s.mu.Unlock()
	if proxy == nil {
		return nil, ErrNoProxy
	}

	shorts, err := proxy.DetectShorts()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(struct {
		ShortsDetected []int `json:"Shorts_detected"`
	}{ShortsDetected: shorts})
	if err != nil {
		return shorts, err
	}
	s.publish("dropbot/signals/shorts_detected", payload)
	return shorts, nil
}

// DetectDroplets runs the board's capacitance-based droplet scan over
// channels (empty means every channel) and publishes the result as
// droplets_detected, in addition to returning it to the caller.
func (s *Supervisor) DetectDroplets(channels []int) ([]int, error) {
	s.mu.Lock()
	proxy := s.proxy
	s.mu.Unlock()
	if proxy == nil {
		return nil, ErrNoProxy
	}

	detected, err := proxy.DetectDroplets(channels)
	payload, merr := json.Marshal(struct {
		Success          bool   `json:"success"`
		DetectedChannels []int  `json:"detected_channels"`
		Error            string `json:"error,omitempty"`
	}{Success: err == nil, DetectedChannels: detected, Error: errString(err)})
	if merr == nil {
		s.publish("dropbot/signals/droplets_detected", payload)
	}
	if err != nil {
		return nil, err
	}
	return detected, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Halt de-energizes the board and disables the HV amplifier, for the halt
// request (spec.md section 6); a defensive stop distinct from the Runner's
// own Stop, since it applies even with no protocol running.
func (s *Supervisor) Halt() error {
	s.mu.Lock()
	proxy := s.proxy
	s.mu.Unlock()
	if proxy == nil {
		return ErrNoProxy
	}

	if err := proxy.TurnOffAllChannels(); err != nil {
		return err
	}
	if err := proxy.SetHighVoltageOutputEnabled(false); err != nil {
		return err
	}
	log.Error("device: halted, disconnect everything and reconnect")
	s.publish("dropbot/signals/halted", nil)
	return nil
}

// SetVoltage applies v as the actuation voltage amplitude, disabling the HV
// amplifier first unless realtime is true (spec.md section 4.9's
// "update_state" semantics: a non-realtime setpoint change always drops
// hv_output_enabled so the new value takes effect on the next activation).
func (s *Supervisor) SetVoltage(v float64, realtime bool) error {
	return s.SafeAccess(defaultAccessTimeout, func(proxy Proxy) error {
		if !realtime {
			if err := proxy.SetHighVoltageOutputEnabled(false); err != nil {
				return err
			}
		}
		return proxy.SetVoltage(v)
	})
}

// SetFrequency applies f as the actuation waveform frequency, with the same
// hv_output_enabled reset semantics as SetVoltage.
func (s *Supervisor) SetFrequency(f float64, realtime bool) error {
	return s.SafeAccess(defaultAccessTimeout, func(proxy Proxy) error {
		if !realtime {
			if err := proxy.SetHighVoltageOutputEnabled(false); err != nil {
				return err
			}
		}
		return proxy.SetFrequency(f)
	})
}

// SetRealtimeMode toggles the HV amplifier directly, mirroring
// on_set_realtime_mode_request's immediate hv_output_selected/enabled flip,
// and publishes realtime_mode_updated.
func (s *Supervisor) SetRealtimeMode(enabled bool) error {
	err := s.SafeAccess(defaultAccessTimeout, func(proxy Proxy) error {
		return proxy.SetHighVoltageOutputEnabled(enabled)
	})
	if err != nil {
		return err
	}
	s.publish("dropbot/signals/realtime_mode_updated", []byte(fmt.Sprintf("%v", enabled)))
	return nil
}

// SetElectrodeStates pushes a partial channel activation map straight to the
// board, for the electrodes_state_change request used outside a running
// protocol (e.g. free-mode editing in the viewer).
func (s *Supervisor) SetElectrodeStates(states map[int]bool) error {
	return s.SafeAccess(defaultAccessTimeout, func(proxy Proxy) error {
		return proxy.SetChannelStates(states)
	})
}

// SetChipLock requests a chip-lock state change, debounced 500ms trailing
// edge: a rapid run of toggles collapses to the last requested value once
// the window elapses without a further call (spec.md section 5). There is
// no hardware action behind the flag; it is state other components can
// consult through ChipLocked to gate their own requests.
func (s *Supervisor) SetChipLock(locked bool) {
	s.chipLockMu.Lock()
	defer s.chipLockMu.Unlock()
	if s.chipLockTimer != nil {
		s.chipLockTimer.Stop()
	}
	s.chipLockTimer = time.AfterFunc(chipLockDebounce, func() {
		s.chipLockMu.Lock()
		s.chipLocked = locked
		s.chipLockTimer = nil
		s.chipLockMu.Unlock()
	})
}

// ChipLocked reports the last applied chip-lock state.
func (s *Supervisor) ChipLocked() bool {
	s.chipLockMu.Lock()
	defer s.chipLockMu.Unlock()
	return s.chipLocked
}

// SelfTestProgress reports one completed stage of a running self-test.
type SelfTestProgress struct {
	Stage    string  `json:"stage"`
	Fraction float64 `json:"fraction"`
}

// RunSelfTest runs the board's diagnostic suite in the background,
// publishing self_tests_progress signals as it advances and streaming the
// same progress over the returned channel, which is closed when the test
// finishes. The channel is buffered so a slow consumer cannot stall the
// proxy-bound goroutine running the test.
func (s *Supervisor) RunSelfTest(ctx context.Context) (<-chan SelfTestProgress, error) {
	s.mu.Lock()
	proxy := s.proxy
	s.mu.Unlock()
	if proxy == nil {
		return nil, ErrNoProxy
	}

	progress := make(chan SelfTestProgress, 16)
	go func() {
		defer close(progress)
		err := proxy.RunSelfTest(func(stage string, fraction float64) {
			p := SelfTestProgress{Stage: stage, Fraction: fraction}
			payload, marshalErr := json.Marshal(p)
			if marshalErr == nil {
				s.publish("dropbot/signals/self_tests_progress", payload)
			}
			select {
			case progress <- p:
			case <-ctx.Done():
			}
		})
		if err != nil {
			log.Warnf("device: self test failed: %v", err)
		}
	}()
	return progress, nil
}

// ValidateProxyState checks channel count and state-channel-length
// agreement, rate-limited to once every validationMinInterval. Concurrent
// calls while recovery is in progress short-circuit to false.
func (s *Supervisor) ValidateProxyState() bool {
	s.mu.Lock()
	if s.state != recoveryIdle {
		s.mu.Unlock()
		return false
	}
	if time.Since(s.lastValidation) < validationMinInterval {
		cached := s.lastValidationOK
		s.mu.Unlock()
		return cached
	}
	proxy := s.proxy
	s.lastValidation = time.Now()
	s.mu.Unlock()

	ok, state := s.checkProxyState(proxy)

	s.mu.Lock()
	s.lastValidationOK = ok
	if ok {
		s.lastGoodState = state
	}
	s.mu.Unlock()

	if !ok {
		go s.recover()
	}
	return ok
}

func (s *Supervisor) checkProxyState(proxy Proxy) (bool, map[int]bool) {
	if proxy == nil {
		return false, nil
	}
	count, err := proxy.ChannelCount()
	if err != nil || count != s.expectedChannels {
		return false, nil
	}
	state, err := proxy.StateOfChannels()
	if err != nil || len(state) != count {
		return false, nil
	}
	return true, state
}

// recover runs the three-rung ladder from spec.md section 4.3. Only one
// recovery runs at a time; the recoveryState guards re-entry.
func (s *Supervisor) recover() {
	s.mu.Lock()
	if s.state != recoveryIdle {
		s.mu.Unlock()
		return
	}
	s.state = recoveryInProgress
	proxy := s.proxy
	port := s.port
	lastGood := s.lastGoodState
	s.mu.Unlock()

	if proxy == nil {
		s.mu.Lock()
		s.state = recoveryIdle
		s.mu.Unlock()
		return
	}

	if err := proxy.InitializeSwitchingBoards(); err == nil {
		if count, err := proxy.ChannelCount(); err == nil && count == s.expectedChannels {
			s.finishRecovery(true)
			return
		}
	}

	if lastGood != nil {
		if err := proxy.RestoreStateOfChannels(lastGood); err == nil {
			if count, err := proxy.ChannelCount(); err == nil && count == s.expectedChannels {
				s.finishRecovery(true)
				return
			}
		}
	}

	s.mu.Lock()
	s.state = reconnectInProgress
	s.mu.Unlock()

	_ = proxy.Terminate()
	time.Sleep(500 * time.Millisecond)

	newProxy, err := s.newProxy(port)
	if err == nil {
		if bringErr := func() error {
			if err := newProxy.InitializeSwitchingBoards(); err != nil {
				return err
			}
			count, err := newProxy.ChannelCount()
			if err != nil {
				return err
			}
			if count != s.expectedChannels {
				return ErrStateCorruption
			}
			return s.configureProxy(newProxy)
		}(); bringErr == nil {
			s.mu.Lock()
			s.proxy = newProxy
			s.mu.Unlock()
			s.publish("dropbot/signals/reconnected", nil)
			s.finishRecovery(true)
			return
		}
		_ = newProxy.Terminate()
	}

	s.mu.Lock()
	s.corruptionRetries++
	giveUp := s.corruptionRetries >= s.maxCorruption
	if giveUp {
		s.proxy = nil
		s.connected = false
	}
	s.state = recoveryIdle
	s.mu.Unlock()

	if giveUp {
		s.publish("dropbot/signals/dropbot_error", []byte("recovery exhausted"))
		log.Errorf("device: recovery ladder exhausted after %d attempts", s.corruptionRetries)
	}
}

func (s *Supervisor) finishRecovery(_ bool) {
	s.mu.Lock()
	s.state = recoveryIdle
	s.corruptionRetries = 0
	s.mu.Unlock()
}

// SafeAccess validates state, acquires the transaction lock within timeout,
// runs fn with the live proxy, releases the lock, and re-validates state if
// fn returned without panicking. This is the only sanctioned path to issue
// proxy calls (spec.md section 4.3, "Safe access").
func (s *Supervisor) SafeAccess(timeout time.Duration, fn func(Proxy) error) (err error) {
	s.mu.Lock()
	noProxy := s.proxy == nil
	s.mu.Unlock()
	if noProxy {
		return ErrNoProxy
	}

	if !s.ValidateProxyState() {
		return ErrCorrupted
	}

	s.mu.Lock()
	proxy := s.proxy
	s.mu.Unlock()
	if proxy == nil {
		return ErrNoProxy
	}

	if !proxy.TryLock(timeout) {
		return ErrBusy
	}

	panicked := true
	defer func() {
		proxy.Unlock()
		if !panicked {
			s.ValidateProxyState()
		}
	}()

	err = fn(proxy)
	panicked = false
	return err
}

// Connected reports whether a proxy is currently live.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Shutdown terminates the live proxy and clears the singleton's reference.
// Idempotent.
func (s *Supervisor) Shutdown() {
	s.stopDiscovery()

	s.mu.Lock()
	proxy := s.proxy
	s.proxy = nil
	s.connected = false
	s.mu.Unlock()

	if proxy == nil {
		return
	}
	if err := proxy.Terminate(); err != nil {
		log.Warnf("device: terminate on shutdown: %v", err)
	}
	s.publish("dropbot/signals/disconnected", nil)
}

func (s *Supervisor) publish(topic string, payload []byte) {
	if s.router == nil {
		return
	}
	if err := s.router.Publish(topic, payload); err != nil {
		log.Warnf("device: publish %q failed: %v", topic, err)
	}
}
