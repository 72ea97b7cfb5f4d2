package bus

import (
	"strings"
	"sync"
	"time"
)

// matchTopic reports whether topic matches pattern, per spec.md section 4.1:
// literal segment equality, with a trailing "#" meaning "zero or more
// additional segments".
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	if len(pSegs) == 0 || pSegs[len(pSegs)-1] != "#" {
		return false
	}

	prefix := pSegs[:len(pSegs)-1]
	if len(tSegs) < len(prefix) {
		return false
	}
	for i, seg := range prefix {
		if tSegs[i] != seg {
			return false
		}
	}
	return true
}

// Router is the message-routed control plane: it timestamps and publishes
// messages, and fans them out to every Listener subscribed to a matching
// topic pattern (spec.md section 4.1).
type Router struct {
	mu        sync.Mutex
	transport transport
	listeners map[string]*Listener // by listener name
	patterns  map[string][]string  // pattern -> listener names
	nowMs     func() uint64
}

// NewRouter constructs a Router. If natsAddr is non-empty the bus is backed
// by a NATS connection; otherwise messages never leave the process.
func NewRouter(natsAddr string) (*Router, error) {
	var t transport
	if natsAddr != "" {
		nt, err := newNatsTransport(natsAddr)
		if err != nil {
			return nil, err
		}
		t = nt
	} else {
		t = newLocalTransport()
	}

	return &Router{
		transport: t,
		listeners: map[string]*Listener{},
		patterns:  map[string][]string{},
		nowMs:     func() uint64 { return uint64(time.Now().UnixMilli()) },
	}, nil
}

// Close tears down the underlying transport.
func (r *Router) Close() {
	r.transport.Close()
}

// Subscribe registers l to receive messages on topics matching pattern.
// Subscription sets are only meant to be written during component
// initialization (spec.md section 4.1: "Patterns are static").
func (r *Router) Subscribe(pattern string, l *Listener) error {
	r.mu.Lock()
	r.listeners[l.Name()] = l
	r.patterns[pattern] = append(r.patterns[pattern], l.Name())
	r.mu.Unlock()

	return r.transport.Subscribe(pattern, func(topic string, data []byte) {
		r.mu.Lock()
		listener := r.listeners[l.Name()]
		r.mu.Unlock()
		if listener == nil {
			return
		}

		var msg TimestampedMessage
		if err := msg.UnmarshalJSON(data); err != nil {
			// Malformed payload: logged and discarded, never fatal
			// (spec.md section 7, MessageInvalid).
			listener.logInvalid(topic, err)
			return
		}
		listener.Deliver(topic, msg)
	})
}

// Publish wraps payload as a TimestampedMessage stamped with the current
// wall-clock millisecond and delivers it to every listener subscribed to a
// matching pattern. Delivery is asynchronous and at-least-once; listeners
// enforce idempotency (spec.md section 4.1).
func (r *Router) Publish(topic string, payload []byte) error {
	msg := NewMessage(payload, r.nowMs())
	data, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	return r.transport.Publish(topic, data)
}

// PublishString is a convenience wrapper for string payloads, the common
// case for the core's request/signal topics.
func (r *Router) PublishString(topic, payload string) error {
	return r.Publish(topic, []byte(payload))
}
