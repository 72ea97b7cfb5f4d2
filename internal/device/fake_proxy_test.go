package device

import (
	"sync"
	"time"
)

// fakeProxy is an in-memory Proxy used by supervisor tests; it never
// touches real hardware.
type fakeProxy struct {
	mu sync.Mutex

	channelCount    int
	state           map[int]bool
	initErr         error
	channelCountErr error
	terminated      bool

	locked bool

	chipInserted bool
	shorts       []int
	droplets     []int
}

func newFakeProxy(channelCount int) *fakeProxy {
	state := make(map[int]bool, channelCount)
	for i := range channelCount {
		state[i] = false
	}
	return &fakeProxy{channelCount: channelCount, state: state}
}

func (p *fakeProxy) InitializeSwitchingBoards() error { return p.initErr }

func (p *fakeProxy) ChannelCount() (int, error) {
	if p.channelCountErr != nil {
		return 0, p.channelCountErr
	}
	return p.channelCount, nil
}

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
	for ch := range p.state {
		p.state[ch] = false
	}
	return nil
}
func (p *fakeProxy) SetChannelStates(active map[int]bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch, on := range active {
		p.state[ch] = on
	}
	return nil
}

func (p *fakeProxy) ChipInserted() (bool, error) { return p.chipInserted, nil }
func (p *fakeProxy) DetectShorts() ([]int, error) { return p.shorts, nil }
func (p *fakeProxy) DetectDroplets(channels []int) ([]int, error) { return p.droplets, nil }
func (p *fakeProxy) RunSelfTest(report func(stage string, fraction float64)) error {
	report("channels", 0.5)
	report("channels", 1.0)
	return nil
}

func (p *fakeProxy) TryLock(timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked {
		return false
	}
	p.locked = true
	return true
}

func (p *fakeProxy) Unlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = false
}

func (p *fakeProxy) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return nil
}
