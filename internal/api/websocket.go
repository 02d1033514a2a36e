package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AaronLay10/SentientTrips/internal/events"
)

const (
	// Number of recent events to send on connection
	recentEventsCount = 50

	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator auth gates the route.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsEventsHandler streams audit events live. ?trip= narrows the stream to
// one trip.
func wsEventsHandler(w http.ResponseWriter, r *http.Request) {
	tripID := r.URL.Query().Get("trip")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}

	sub := events.Subscribe()
	closeAll := func() {
		events.Unsubscribe(sub)
		conn.Close()
	}

	write := func(e events.Event) error {
		if tripID != "" && e.TripID != tripID {
			return nil
		}
		data, err := json.Marshal(e)
		if err != nil {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for _, e := range backlog(tripID) {
		if err := write(e); err != nil {
			log.Printf("ws write recent event failed: %v", err)
			closeAll()
			return
		}
	}

	// Reader handles pongs and close messages.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			closeAll()
			return

		case e, ok := <-sub:
			if !ok {
				conn.Close()
				return
			}
			if err := write(e); err != nil {
				log.Printf("ws write event failed: %v", err)
				closeAll()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				closeAll()
				return
			}
		}
	}
}

func backlog(tripID string) []events.Event {
	if tripID == "" {
		return events.RecentEvents(recentEventsCount)
	}
	evs := events.ForTrip(tripID)
	if len(evs) > recentEventsCount {
		evs = evs[len(evs)-recentEventsCount:]
	}
	return evs
}
