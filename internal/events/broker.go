// Package events fans cluster and map events out to SSE and websocket subscribers.
package events

import "sync"

// TopicClusters carries every ClusterStore and viewport event.
const TopicClusters = "clusters"

const (
	ClustersLoaded   = "clusters.loaded"
	ClusterCreated   = "cluster.created"
	ClusterUpdated   = "cluster.updated"
	ClusterDeleted   = "cluster.deleted"
	MemberMoved      = "member.moved"
	ClusterSelected  = "cluster.selected"
	MembershipLoaded = "membership.loaded"
)

type Event struct {
	Type      string         `json:"type"`
	ClusterID string         `json:"clusterId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Broker delivers events published on a topic to every current subscriber of it.
// Delivery is best effort: a full subscriber buffer drops the event.
type Broker interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(topic string, evt Event)
}

// Memory is the single-process Broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // topic -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(topic string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Memory) Publish(topic string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Discard drops every event. It is the broker of components wired without one.
type Discard struct{}

func (Discard) Subscribe(string) chan Event { return make(chan Event) }

func (Discard) Unsubscribe(string, chan Event) {}

func (Discard) Publish(string, Event) {}
