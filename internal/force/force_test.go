package force

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapacitancePerArea(t *testing.T) {
	value, ok := CapacitancePerArea(Calibration{CapacitanceLiquid: 30, CapacitanceFiller: 10, CalibrationArea: 4})
	assert.True(t, ok)
	assert.Equal(t, 5.0, value)
}

func TestCapacitancePerAreaUndefinedOnInvalidInputs(t *testing.T) {
	cases := []Calibration{
		{CapacitanceLiquid: 10, CapacitanceFiller: 10, CalibrationArea: 4},
		{CapacitanceLiquid: 5, CapacitanceFiller: 10, CalibrationArea: 4},
		{CapacitanceLiquid: 30, CapacitanceFiller: 0, CalibrationArea: 4},
		{CapacitanceLiquid: 30, CapacitanceFiller: 10, CalibrationArea: 0},
	}
	for _, c := range cases {
		_, ok := CapacitancePerArea(c)
		assert.False(t, ok)
	}
}

func TestStepForce(t *testing.T) {
	force, ok := StepForce(5.0, true, 100, 2.0)
	assert.True(t, ok)
	assert.Equal(t, 5.0*100*100/2*2.0, force)
}

func TestStepForceUndefinedWithoutCalibration(t *testing.T) {
	_, ok := StepForce(0, false, 100, 2.0)
	assert.False(t, ok)
}

func TestStepForceZeroAreaIsUndefined(t *testing.T) {
	_, ok := StepForce(5.0, true, 100, 0)
	assert.False(t, ok)
}
