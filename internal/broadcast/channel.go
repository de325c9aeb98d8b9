// Package broadcast wraps one gossipsub topic per room as a typed event
// channel. Pure transport: it serializes envelopes out and fans inbound
// envelopes in, holding no call state of its own.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Envelope is one event on a room's broadcast channel.
type Envelope struct {
	Room    string          `json:"room"`
	From    string          `json:"from"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Adapter builds channels on top of a shared gossipsub instance.
type Adapter struct {
	ps          *pubsub.PubSub
	selfID      string
	topicPrefix string

	mu     sync.Mutex
	joined map[string]*Channel
}

// NewAdapter creates an adapter. topicPrefix scopes all room topics.
func NewAdapter(ps *pubsub.PubSub, selfID, topicPrefix string) *Adapter {
	return &Adapter{
		ps:          ps,
		selfID:      selfID,
		topicPrefix: topicPrefix,
		joined:      make(map[string]*Channel),
	}
}

// Channel is one joined room topic.
type Channel struct {
	roomID string
	selfID string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events chan Envelope

	adapter   *Adapter
	closeOnce sync.Once
	closed    chan struct{}
}

// Join subscribes to the room's topic and starts the read loop. A room can
// be joined once at a time; Close releases it for a later re-join.
func (a *Adapter) Join(roomID string) (*Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.joined[roomID]; ok {
		return nil, fmt.Errorf("room %s already joined", roomID)
	}

	topic, err := a.ps.Join(a.topicPrefix + roomID)
	if err != nil {
		return nil, fmt.Errorf("join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("subscribe topic: %w", err)
	}

	ch := &Channel{
		roomID:  roomID,
		selfID:  a.selfID,
		topic:   topic,
		sub:     sub,
		events:  make(chan Envelope, 64),
		adapter: a,
		closed:  make(chan struct{}),
	}
	a.joined[roomID] = ch

	go ch.readLoop()
	return ch, nil
}

// Publish sends one event to everyone on the room topic, self included —
// the read loop filters the echo.
func (c *Channel) Publish(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Room:    c.roomID,
		From:    c.selfID,
		Event:   event,
		Payload: raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// Events returns the inbound envelope stream. Closed when the channel closes.
func (c *Channel) Events() <-chan Envelope {
	return c.events
}

// RoomID returns the room this channel is bound to.
func (c *Channel) RoomID() string {
	return c.roomID
}

func (c *Channel) readLoop() {
	defer close(c.events)
	ctx := context.Background()
	for {
		m, err := c.sub.Next(ctx)
		if err != nil {
			// Subscription cancelled — channel is closing.
			return
		}

		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Printf("BROADCAST [%s]: dropping malformed envelope: %v", c.roomID, err)
			continue
		}
		if env.From == c.selfID {
			// Own publish echoed back — feeding signaling messages (SDP
			// offers, ICE candidates) back to their sender would corrupt
			// the peer connection.
			continue
		}
		if env.Room != c.roomID || env.Event == "" {
			log.Printf("BROADCAST [%s]: dropping stray envelope (room=%q event=%q)", c.roomID, env.Room, env.Event)
			continue
		}

		select {
		case c.events <- env:
		case <-c.closed:
			return
		}
	}
}

// Close cancels the subscription, leaves the topic and releases the room for
// re-joining. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sub.Cancel()
		err = c.topic.Close()

		c.adapter.mu.Lock()
		delete(c.adapter.joined, c.roomID)
		c.adapter.mu.Unlock()
	})
	return err
}
