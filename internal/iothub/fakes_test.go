package iothub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/failover-agent/internal/infrastructure/mqtt"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

// fakeTransport is an in-memory broker for one client.
type fakeTransport struct {
	mu         sync.Mutex
	opts       mqtt.Options
	connectErr error
	subs       map[string]mqtt.MessageHandler
	sent       []published
	sentCh     chan published
	closed     int

	// respond answers a publish with a message on another topic.
	respond func(topic string, payload []byte) (string, []byte, bool)

	onConnect    func()
	onDisconnect func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]mqtt.MessageHandler), sentCh: make(chan published, 64)}
}

// dialer returns a Dialer that captures options and hands out f.
func (f *fakeTransport) dialer() Dialer {
	return func(o mqtt.Options) (Transport, error) {
		f.mu.Lock()
		f.opts = o
		f.mu.Unlock()
		return f, nil
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte, qos byte, _ bool) error {
	f.mu.Lock()
	p := published{topic: topic, payload: append([]byte(nil), payload...), qos: qos}
	f.sent = append(f.sent, p)
	respond := f.respond
	f.mu.Unlock()

	select {
	case f.sentCh <- p:
	default:
	}

	if respond != nil {
		if rt, rp, ok := respond(topic, payload); ok {
			go f.deliver(rt, rp)
		}
	}
	return nil
}

func (f *fakeTransport) PublishAsync(ctx context.Context, topic string, payload []byte, qos byte, done func(error)) {
	err := f.Publish(ctx, topic, payload, qos, false)
	if done != nil {
		go done(err)
	}
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeTransport) SetOnConnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = cb
}

func (f *fakeTransport) SetOnDisconnect(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = cb
}

func (f *fakeTransport) SetOnReconnecting(func()) {}

func (f *fakeTransport) SetLogger(mqtt.Logger) {}

// deliver routes an inbound message to the matching subscription.
func (f *fakeTransport) deliver(topic string, payload []byte) error {
	f.mu.Lock()
	var handler mqtt.MessageHandler
	for filter, h := range f.subs {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	f.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("no subscription for %s", topic)
	}
	return handler(topic, payload)
}

func (f *fakeTransport) lose(err error) {
	f.mu.Lock()
	cb := f.onDisconnect
	f.mu.Unlock()
	cb(err)
}

func (f *fakeTransport) subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[filter]
	return ok
}

func (f *fakeTransport) options() mqtt.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

// waitPublished returns the next publish whose topic has prefix.
func (f *fakeTransport) waitPublished(t *testing.T, prefix string) published {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-f.sentCh:
			if strings.HasPrefix(p.topic, prefix) {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for publish on %s", prefix)
		}
	}
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// twinResponder answers twin requests with status and body.
func twinResponder(status int, getBody string) func(string, []byte) (string, []byte, bool) {
	return func(topic string, _ []byte) (string, []byte, bool) {
		var rid string
		switch {
		case strings.HasPrefix(topic, twinReportedPrefix):
			rid = strings.TrimPrefix(topic, twinReportedPrefix)
			return fmt.Sprintf("$iothub/twin/res/%d/?$rid=%s&$version=9", status, rid), nil, true
		case strings.HasPrefix(topic, twinGetPrefix):
			rid = strings.TrimPrefix(topic, twinGetPrefix)
			return fmt.Sprintf("$iothub/twin/res/200/?$rid=%s", rid), []byte(getBody), true
		}
		return "", nil, false
	}
}
