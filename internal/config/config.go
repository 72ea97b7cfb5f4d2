// Package config loads and validates the dropbot-core runtime configuration.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/sci-bots/dropbot-core/pkg/log"
	"github.com/sci-bots/dropbot-core/pkg/schema"
)

// StepDefaults holds the config file's "defaults" block. It is decoded into
// Keys, but no package reads it: a step that omits a parameter gets
// internal/protocol's built-in default, not this value.
type StepDefaults struct {
	Voltage     float64 `json:"voltage"`
	Frequency   float64 `json:"frequency"`
	Duration    float64 `json:"duration"`
	TrailLength int     `json:"trail-length"`
}

// ProgramConfig is the JSON shape of the on-disk configuration file.
type ProgramConfig struct {
	Addr             string       `json:"addr"`
	User             string       `json:"user"`
	Group            string       `json:"group"`
	LogLevel         string       `json:"loglevel"`
	LogDate          bool         `json:"logdate"`
	NatsAddr         string       `json:"nats"`
	RedisAddr        string       `json:"redis-addr"`
	ExperimentRoot   string       `json:"experiment-root"`
	HWIDs            []string     `json:"hwids"`
	ExpectedChannels int          `json:"expected-channels"`
	SerialPort       string       `json:"serial-port"`
	Defaults         StepDefaults `json:"defaults"`
}

// Keys holds the global configuration loaded via Init. Sensible standalone
// defaults let the core run without any config file present.
var Keys = ProgramConfig{
	Addr:             "",
	LogLevel:         "debug",
	ExperimentRoot:   "./var/experiments",
	HWIDs:            []string{"16C0:0483"},
	ExpectedChannels: 120,
	Defaults: StepDefaults{
		Voltage:     100,
		Frequency:   10000,
		Duration:    1.0,
		TrailLength: 1,
	},
}

// Init reads flagConfigFile, validates it against the embedded config
// schema, and decodes it into Keys. A missing file is not an error: the
// zero-config defaults above apply.
func Init(flagConfigFile string) {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal(err)
		}
		return
	}

	if err := schema.Validate(schema.Config, bytes.NewReader(raw)); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		log.Fatal(err)
	}
}
