// Package memory contains an in-memory publisher for tests and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Message is one recorded publish. Data holds the JSON encoding the Pub/Sub
// publisher would have sent.
type Message struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// Publisher records notifications instead of sending them.
type Publisher struct {
	defaultTopic string

	mu   sync.RWMutex
	sent []Message
	err  error
}

// New returns a Publisher that falls back to defaultTopic when a publish
// names no topic.
func New(defaultTopic ...string) *Publisher {
	p := &Publisher{}
	if len(defaultTopic) > 0 {
		p.defaultTopic = defaultTopic[0]
	}
	return p
}

// FailWith makes subsequent publishes return err. A nil err clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish encodes payload the way the Pub/Sub publisher does and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", errors.New("memory topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	id := fmt.Sprintf("memory-%d", len(p.sent)+1)
	p.sent = append(p.sent, Message{ID: id, Topic: topic, Payload: payload, Data: data})
	return id, nil
}

// Messages returns a copy of every recorded publish in order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.sent...)
}

// Topic returns the recorded publishes for one topic.
func (p *Publisher) Topic(name string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.sent {
		if m.Topic == name {
			out = append(out, m)
		}
	}
	return out
}
