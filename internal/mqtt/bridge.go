package mqtt

import (
	"context"
	"encoding/json"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/orchestrator"
	"github.com/AaronLay10/SentientTrips/internal/script"
	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// Conn is the part of Client the bridge needs.
type Conn interface {
	Subscribe(topic string, handler paho.MessageHandler) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

// Bridge publishes trip audit events to the broker and turns inject
// messages into queued event rows.
type Bridge struct {
	conn   Conn
	store  *storage.Client
	prefix string
}

func NewBridge(conn Conn, store *storage.Client, prefix string) *Bridge {
	if prefix == "" {
		prefix = "trips"
	}
	return &Bridge{conn: conn, store: store, prefix: prefix}
}

// Subscribe listens on every trip's inject topic. Call it again after a
// reconnect; subscribing twice is harmless.
func (b *Bridge) Subscribe() error {
	return b.conn.Subscribe(InjectFilter(b.prefix), func(_ paho.Client, msg paho.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.HandleInject(ctx, msg.Topic(), msg.Payload())
	})
}

// HandleInject queues one inject message. Bad messages are logged to the
// process log and dropped.
func (b *Bridge) HandleInject(ctx context.Context, topic string, payload []byte) bool {
	tripID, ok := TripFromInjectTopic(b.prefix, topic)
	if !ok {
		log.Printf("mqtt: ignoring inject on unexpected topic %s", topic)
		return false
	}
	p, err := ParseInject(payload)
	if err != nil {
		log.Printf("mqtt: bad inject for trip %s: %v", tripID, err)
		return false
	}

	in := orchestrator.Injection{
		Event:      script.Event{Type: p.Event, Fields: p.Fields},
		PlayerRole: p.PlayerRole,
		Source:     "mqtt",
	}
	if d := p.DelayDuration(); d > 0 {
		in.At = time.Now().Add(d)
	}
	if _, err := orchestrator.InjectEvent(ctx, b.store, tripID, in); err != nil {
		log.Printf("mqtt: inject for trip %s failed: %v", tripID, err)
		return false
	}
	return true
}

// Forward publishes every audit event carrying a trip id until ctx is
// cancelled. Events emitted while disconnected are not replayed.
func (b *Bridge) Forward(ctx context.Context) {
	sub := events.Subscribe()
	defer events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			b.publish(ev)
		}
	}
}

func (b *Bridge) publish(ev events.Event) {
	if ev.TripID == "" || !b.conn.IsConnected() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("mqtt: marshal event %s: %v", ev.Name, err)
		return
	}
	// Failures go to the process log only; an audit event here would be
	// forwarded again.
	if err := b.conn.Publish(EventsTopic(b.prefix, ev.TripID), payload); err != nil {
		log.Printf("mqtt: publish %s: %v", ev.Name, err)
	}
}
