package main

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sci-bots/dropbot-core/internal/bus"
	"github.com/sci-bots/dropbot-core/internal/device"
	"github.com/sci-bots/dropbot-core/internal/runner"
	"github.com/sci-bots/dropbot-core/internal/voltage"
	"github.com/sci-bots/dropbot-core/pkg/log"
)

// wireRequests subscribes the top-level dropbot/requests/* topics (spec.md
// section 6) to the Supervisor and Runner, completing the "hosting
// application wires the message bus and plugs in the Supervisor and Runner"
// responsibility the core leaves to its caller. Grounded on
// dropbot_controller's monitor/states-setting mixin services, whose
// on_*_request methods this dispatch table replaces.
func wireRequests(router *bus.Router, supervisor *device.Supervisor, r *runner.Runner) error {
	l := bus.NewListener("dropbot-requests")

	l.OnRequest("start_device_monitoring", func(bus.TimestampedMessage) {
		supervisor.StartDeviceMonitoring()
	})
	l.OnRequest("retry_connection", func(bus.TimestampedMessage) {
		if err := supervisor.RetryConnection(); err != nil {
			log.Warnf("requests: retry_connection failed: %v", err)
		}
	})
	l.OnRequest("halt", func(bus.TimestampedMessage) {
		if err := supervisor.Halt(); err != nil {
			log.Warnf("requests: halt failed: %v", err)
		}
	})
	l.OnRequest("chip_check", func(bus.TimestampedMessage) {
		if _, err := supervisor.ChipCheck(); err != nil {
			log.Warnf("requests: chip_check failed: %v", err)
		}
	})
	l.OnRequest("detect_droplets", func(msg bus.TimestampedMessage) {
		var channels []int
		if len(strings.TrimSpace(string(msg.Payload))) > 0 {
			if err := json.Unmarshal(msg.Payload, &channels); err != nil {
				log.Warnf("requests: detect_droplets: invalid channel list: %v", err)
				return
			}
		}
		if _, err := supervisor.DetectDroplets(channels); err != nil {
			log.Warnf("requests: detect_droplets failed: %v", err)
		}
	})
	l.OnRequest("set_voltage", func(msg bus.TimestampedMessage) {
		v, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload)), 64)
		if err != nil {
			log.Warnf("requests: set_voltage: invalid value %q", msg.Payload)
			return
		}
		if err := supervisor.SetVoltage(voltage.ValidateVoltage(v), false); err != nil {
			log.Warnf("requests: set_voltage failed: %v", err)
		}
	})
	l.OnRequest("set_frequency", func(msg bus.TimestampedMessage) {
		f, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload)), 64)
		if err != nil {
			log.Warnf("requests: set_frequency: invalid value %q", msg.Payload)
			return
		}
		if err := supervisor.SetFrequency(voltage.ValidateFrequency(f), false); err != nil {
			log.Warnf("requests: set_frequency failed: %v", err)
		}
	})
	l.OnRequest("set_realtime_mode", func(msg bus.TimestampedMessage) {
		enabled := strings.TrimSpace(string(msg.Payload)) == "True"
		r.SetRealtimeMode(enabled)
		if err := supervisor.SetRealtimeMode(enabled); err != nil {
			log.Warnf("requests: set_realtime_mode failed: %v", err)
		}
	})
	l.OnRequest("electrodes_state_change", func(msg bus.TimestampedMessage) {
		var raw map[string]bool
		if err := json.Unmarshal(msg.Payload, &raw); err != nil {
			log.Warnf("requests: electrodes_state_change: invalid payload: %v", err)
			return
		}
		states := make(map[int]bool, len(raw))
		for ch, on := range raw {
			n, err := strconv.Atoi(ch)
			if err != nil {
				continue
			}
			states[n] = on
		}
		if err := supervisor.SetElectrodeStates(states); err != nil {
			log.Warnf("requests: electrodes_state_change failed: %v", err)
		}
	})
	l.OnRequest("lock_chip", func(msg bus.TimestampedMessage) {
		supervisor.SetChipLock(strings.TrimSpace(string(msg.Payload)) == "True")
	})

	return router.Subscribe("dropbot/requests/#", l)
}
