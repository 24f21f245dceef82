// Package memory implements an in-process publisher for development and
// tests. Payloads are encoded the same way the Pub/Sub publisher encodes
// them, so a payload that cannot marshal fails here too.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded publish.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher appends published messages to an in-memory log.
type Publisher struct {
	mu   sync.RWMutex
	next int
	log  []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes the payload as JSON and records it under the topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("memory-%d", p.next)
	p.log = append(p.log, Message{ID: id, Topic: topic, Data: data})
	return id, nil
}

// Messages returns a copy of every recorded message in publish order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.log))
	copy(out, p.log)
	return out
}

// ByTopic returns the recorded messages for one topic.
func (p *Publisher) ByTopic(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.log {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
