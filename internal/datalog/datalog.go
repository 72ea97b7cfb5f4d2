// Package datalog implements the Data Logger (spec.md section 4.12/§6):
// a run-scoped file that accumulates one JSON object per capacitance sample
// alongside the protocol context it was observed under, streamed to disk as
// it arrives rather than buffered for a final write.
package datalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sci-bots/dropbot-core/pkg/log"
)

// Sample is one capacitance reading with the protocol context it was taken
// under, matching the wire shape in spec.md section 6's "Run-scoped data
// log".
type Sample struct {
	TimestampMs      uint64  `json:"timestamp"`
	Capacitance      float64 `json:"capacitance"`
	Voltage          float64 `json:"voltage"`
	ForcePerUnitArea float64 `json:"force per unit area"`
	StepID           string  `json:"step_id"`
	ActuatedChannels []int   `json:"actuated_channels"`
	ActuatedAreaMM2  float64 `json:"actuated_area in mm^2"`
}

// Logger appends Samples to a single run's data.json as a streamed JSON
// array: each write flushes immediately so a crash mid-run leaves valid,
// parseable JSON up to the last completed sample.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	wrote   bool
	closed  bool
	started time.Time
}

// Open creates (or truncates) <dir>/data.json and begins the JSON array.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datalog: mkdir %s: %w", dir, err)
	}

	f, err := os.Create(filepath.Join(dir, "data.json"))
	if err != nil {
		return nil, fmt.Errorf("datalog: create data.json: %w", err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString("[\n"); err != nil {
		f.Close()
		return nil, err
	}

	return &Logger{file: f, w: w, started: time.Now()}, nil
}

// Append writes one sample to the stream. Suppressed entirely in preview
// mode by the caller (spec.md section 4.12: "Omitted entirely in preview
// mode").
func (l *Logger) Append(s Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("datalog: append after close")
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	if l.wrote {
		if _, err := l.w.WriteString(",\n"); err != nil {
			return err
		}
	}
	l.wrote = true

	if _, err := l.w.Write(data); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close terminates the JSON array and closes the underlying file. Safe to
// call once; a second call is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if _, err := l.w.WriteString("\n]\n"); err != nil {
		log.Warnf("datalog: failed to terminate array: %v", err)
	}
	if err := l.w.Flush(); err != nil {
		log.Warnf("datalog: flush on close failed: %v", err)
	}
	return l.file.Close()
}
