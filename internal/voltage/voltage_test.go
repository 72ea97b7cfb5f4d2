package voltage

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sci-bots/dropbot-core/internal/bus"
)

func TestValidateVoltageDefaultsOutsideRange(t *testing.T) {
	assert.Equal(t, DefaultVoltage, ValidateVoltage(10))
	assert.Equal(t, DefaultVoltage, ValidateVoltage(200))
	assert.Equal(t, 120.0, ValidateVoltage(120))
}

func TestValidateFrequencyDefaultsOutsideRange(t *testing.T) {
	assert.Equal(t, DefaultFrequency, ValidateFrequency(50))
	assert.Equal(t, DefaultFrequency, ValidateFrequency(30000))
	assert.Equal(t, 5000.0, ValidateFrequency(5000))
}

func TestPublishStepVoltageFrequencyNoopInPreview(t *testing.T) {
	router, err := bus.NewRouter("")
	require.NoError(t, err)
	defer router.Close()

	received := 0
	l := bus.NewListener("test")
	l.OnRequest("set_voltage", func(bus.TimestampedMessage) { received++ })
	require.NoError(t, router.Subscribe("dropbot/requests/#", l))

	svc := NewService(router)
	require.NoError(t, svc.PublishStepVoltageFrequency(100, 10000, true))
	assert.Equal(t, 0, received)
}

// TestPublishImmediateCoalescesRapidCallsToTheLastOne exercises the
// trailing-edge debounce: three calls in quick succession, inside the
// debounce window, must only publish the last call's values once.
func TestPublishImmediateCoalescesRapidCallsToTheLastOne(t *testing.T) {
	router, err := bus.NewRouter("")
	require.NoError(t, err)
	defer router.Close()

	var mu sync.Mutex
	var voltages []float64
	l := bus.NewListener("test")
	l.OnRequest("set_voltage", func(msg bus.TimestampedMessage) {
		v, err := strconv.ParseFloat(string(msg.Payload), 64)
		require.NoError(t, err)
		mu.Lock()
		voltages = append(voltages, v)
		mu.Unlock()
	})
	require.NoError(t, router.Subscribe("dropbot/requests/#", l))

	svc := NewService(router)
	svc.PublishImmediate(80, 5000)
	svc.PublishImmediate(90, 5000)
	svc.PublishImmediate(100, 5000)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(voltages) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{100}, voltages)
}
