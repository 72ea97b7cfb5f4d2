package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sci-bots/dropbot-core/pkg/log"
)

// HandlerFunc handles one delivered message.
type HandlerFunc func(msg TimestampedMessage)

// Listener is the per-component actor described in spec.md section 4.2. It
// owns a static, compile-time dispatch table keyed by handler name
// (`on_<specific>_<request|signal>`), filled in once at construction time —
// no reflection, matching the "Dynamic dispatch by topic suffix" design
// note in spec.md section 9.
type Listener struct {
	name     string
	handlers map[string]HandlerFunc

	mu       sync.Mutex
	lastSeen map[string]uint64 // topic -> last delivered timestamp_ms
}

// NewListener constructs a named listener with no handlers registered.
func NewListener(name string) *Listener {
	return &Listener{
		name:     name,
		handlers: map[string]HandlerFunc{},
		lastSeen: map[string]uint64{},
	}
}

// Name returns the listener's identity on the bus.
func (l *Listener) Name() string { return l.name }

// OnRequest registers fn as the handler for `dropbot/requests/<specific>`.
func (l *Listener) OnRequest(specific string, fn HandlerFunc) {
	l.handlers[handlerName(specific, "request")] = fn
}

// OnSignal registers fn as the handler for `.../signals/<specific>`.
func (l *Listener) OnSignal(specific string, fn HandlerFunc) {
	l.handlers[handlerName(specific, "signal")] = fn
}

func handlerName(specific, suffix string) string {
	return fmt.Sprintf("on_%s_%s", specific, suffix)
}

// Deliver routes an incoming message to its handler, per spec.md section
// 4.2: split the topic, compute the handler name from its primary segment
// and tail segment, apply the (topic, timestamp) dedup filter, and invoke
// the handler inside a recover() guard so a panicking handler never kills
// the listener.
func (l *Listener) Deliver(topic string, msg TimestampedMessage) {
	segs := strings.Split(topic, "/")
	if len(segs) < 2 {
		log.Warnf("bus[%s]: topic %q has no primary segment, dropping", l.name, topic)
		return
	}

	primary := segs[1]
	specific := segs[len(segs)-1]
	suffix := "signal"
	if primary == "requests" {
		suffix = "request"
	}

	l.mu.Lock()
	if last, ok := l.lastSeen[topic]; ok && msg.TimestampMs <= last {
		l.mu.Unlock()
		log.Debugf("bus[%s]: dropping stale/duplicate message on %q (ts=%d <= last=%d)",
			l.name, topic, msg.TimestampMs, last)
		return
	}
	l.lastSeen[topic] = msg.TimestampMs
	l.mu.Unlock()

	name := handlerName(specific, suffix)
	handler, ok := l.handlers[name]
	if !ok {
		log.Debugf("bus[%s]: no handler %q for topic %q", l.name, name, topic)
		return
	}

	l.invoke(name, handler, msg)
}

func (l *Listener) invoke(name string, handler HandlerFunc, msg TimestampedMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("bus[%s]: handler %q panicked: %v", l.name, name, r)
		}
	}()
	handler(msg)
}

func (l *Listener) logInvalid(topic string, err error) {
	log.Warnf("bus[%s]: malformed message on %q: %v", l.name, topic, err)
}
