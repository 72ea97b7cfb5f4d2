// Package droplet implements Droplet Detection (spec.md section 4.10): a
// bus request/response round trip that asks the hardware proxy which
// channels currently hold a droplet, with per-step memoization so the
// runner doesn't re-query an unchanged step.
package droplet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sci-bots/dropbot-core/internal/bus"
)

const requestTopic = "dropbot/requests/detect_droplets"

type detectRequest struct {
	Channels []int `json:"channels"`
}

type detectResponse struct {
	Success          bool   `json:"success"`
	DetectedChannels []int  `json:"detected_channels"`
	Error            string `json:"error,omitempty"`
}

// Service issues detect_droplets requests and awaits droplets_detected
// responses.
type Service struct {
	router   *bus.Router
	listener *bus.Listener

	mu       sync.Mutex
	pending  chan detectResponse
	attempts map[string][]int // step UID -> cached missing channels from its last attempt
}

// NewService constructs a Service and subscribes its listener to the
// droplets_detected signal.
func NewService(router *bus.Router) (*Service, error) {
	s := &Service{
		router:   router,
		listener: bus.NewListener("droplet-detection"),
		attempts: map[string][]int{},
	}
	s.listener.OnSignal("droplets_detected", s.onResponse)
	if err := router.Subscribe("dropbot/signals/droplets_detected", s.listener); err != nil {
		return nil, fmt.Errorf("droplet: subscribe failed: %w", err)
	}
	return s, nil
}

func (s *Service) onResponse(msg bus.TimestampedMessage) {
	var resp detectResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending != nil {
		select {
		case pending <- resp:
		default:
		}
	}
}

// CheckDropletsAt queries the hardware for droplets on expected, returning
// the channels that were expected but not detected. Preview mode always
// succeeds with no missing channels, doing no bus round trip.
//
// If a previous call already ran for stepUID and was not cleared by
// ClearMemo, the cached result is returned without a new round trip
// (spec.md section 4.10, "already attempted" memoization).
func (s *Service) CheckDropletsAt(ctx context.Context, stepUID string, expected []int, preview bool) ([]int, error) {
	if preview {
		return nil, nil
	}

	s.mu.Lock()
	if missing, ok := s.attempts[stepUID]; ok {
		s.mu.Unlock()
		return missing, nil
	}
	s.mu.Unlock()

	payload, err := json.Marshal(expected)
	if err != nil {
		return nil, err
	}

	pending := make(chan detectResponse, 1)
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	if err := s.router.Publish(requestTopic, payload); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-pending:
		if !resp.Success {
			return nil, fmt.Errorf("droplet: detection failed: %s", resp.Error)
		}
		missing := missingChannels(expected, resp.DetectedChannels)
		s.mu.Lock()
		s.attempts[stepUID] = missing
		s.mu.Unlock()
		return missing, nil
	}
}

// ClearMemo forgets stepUID's cached attempt, re-enabling a fresh droplet
// check the next time it runs (spec.md section 4.10: phase navigation
// clears the memo).
func (s *Service) ClearMemo(stepUID string) {
	s.mu.Lock()
	delete(s.attempts, stepUID)
	s.mu.Unlock()
}

func missingChannels(expected, detected []int) []int {
	have := make(map[int]bool, len(detected))
	for _, c := range detected {
		have[c] = true
	}
	var missing []int
	for _, c := range expected {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}
