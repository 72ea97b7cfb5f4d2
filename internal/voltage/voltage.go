// Package voltage implements the Voltage/Frequency Service (spec.md section
// 4.9): it validates a step's hardware setpoints and publishes them as bus
// requests for the proxy supervisor to apply.
package voltage

import (
	"strconv"
	"sync"
	"time"

	"github.com/sci-bots/dropbot-core/internal/bus"
	"github.com/sci-bots/dropbot-core/pkg/log"
)

const (
	MinVoltage     = 30.0
	MaxVoltage     = 150.0
	DefaultVoltage = 100.0

	MinFrequency     = 100.0
	MaxFrequency     = 20000.0
	DefaultFrequency = 10000.0

	// advancedModeDebounce coalesces rapid successive edits from an
	// advanced-mode viewer drag into a single publish, per spec.md section
	// 4.9's "second entry point... for immediate publish during
	// advanced-mode edits".
	advancedModeDebounce = 300 * time.Millisecond
)

// Service publishes validated voltage/frequency setpoints over the bus.
type Service struct {
	router *bus.Router

	mu      sync.Mutex
	pending *time.Timer
}

// NewService constructs a Service bound to router.
func NewService(router *bus.Router) *Service {
	return &Service{router: router}
}

// ValidateVoltage returns v when it lies within [MinVoltage, MaxVoltage] and
// DefaultVoltage otherwise (spec.md section 4.9).
func ValidateVoltage(v float64) float64 {
	if v < MinVoltage || v > MaxVoltage {
		return DefaultVoltage
	}
	return v
}

// ValidateFrequency returns f when it lies within [MinFrequency,
// MaxFrequency] and DefaultFrequency otherwise.
func ValidateFrequency(f float64) float64 {
	if f < MinFrequency || f > MaxFrequency {
		return DefaultFrequency
	}
	return f
}

// PublishStepVoltageFrequency validates and publishes a step's Voltage and
// Frequency setpoints. In preview mode this is a no-op (spec.md section
// 4.9).
func (s *Service) PublishStepVoltageFrequency(voltage, frequency float64, preview bool) error {
	if preview {
		return nil
	}
	return s.publish(voltage, frequency)
}

// PublishImmediate is the advanced-mode entry point: it applies the same
// validation and publish as PublishStepVoltageFrequency but is debounced
// 300ms, trailing edge — a rapid run of calls (an advanced-mode viewer drag)
// collapses into a single publish of the last call's values once the window
// elapses without a further call.
func (s *Service) PublishImmediate(voltage, frequency float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(advancedModeDebounce, func() {
		if err := s.publish(voltage, frequency); err != nil {
			log.Warnf("voltage: debounced publish failed: %v", err)
		}
	})
}

func (s *Service) publish(voltage, frequency float64) error {
	v := strconv.FormatFloat(ValidateVoltage(voltage), 'f', -1, 64)
	if err := s.router.PublishString("dropbot/requests/set_voltage", v); err != nil {
		return err
	}

	f := strconv.FormatFloat(ValidateFrequency(frequency), 'f', -1, 64)
	return s.router.PublishString("dropbot/requests/set_frequency", f)
}
