// Package notify delivers live state to observers. Every message carries the
// full JSON snapshot of the changed document, never a delta: delivery order
// across terminals is not guaranteed and consumers must replace their local
// state wholesale, so a missed update self-heals on the next delivery.
package notify

import (
	"context"
	"encoding/json"
	"sync"
)

type Broker interface {
	Publish(ctx context.Context, topic string, snapshot any) error
	// Subscribe returns a channel of full-snapshot payloads and a cancel
	// function. Slow consumers may have intermediate snapshots coalesced
	// (dropped); the latest one always arrives.
	Subscribe(topic string) (<-chan []byte, func())
	Close() error
}

// Memory is an in-process fan-out broker for single-node deployments and
// tests.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan []byte)}
}

func (m *Memory) Publish(_ context.Context, topic string, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- payload:
		default:
			// Drop the oldest pending snapshot so the newest wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)

	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]chan []byte)
	}
	id := m.nextID
	m.nextID++
	m.subs[topic][id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if subs, ok := m.subs[topic]; ok {
			if _, live := subs[id]; live {
				delete(subs, id)
				close(ch)
			}
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
	return nil
}
