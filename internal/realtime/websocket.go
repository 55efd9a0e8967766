package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"gymflow/occupancy/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ClientMessage is what websocket clients send to manage subscriptions.
type ClientMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type ack struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// WebsocketHandler serves /ws. Subscriptions live only as long as the connection.
type WebsocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func NewWebsocketHandler(hub *Hub, log logrus.FieldLogger, m *metrics.Metrics) *WebsocketHandler {
	return &WebsocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log,
		metrics: m,
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	h.metrics.WebsocketOpened()
	defer h.metrics.WebsocketClosed()

	sub := h.hub.Subscribe()
	acks := make(chan ack, 8)
	done := make(chan struct{})
	stop := make(chan struct{})

	go func() {
		defer close(done)
		h.readLoop(conn, sub, acks, stop)
	}()
	h.writeLoop(conn, sub, acks, done)

	close(stop)
	sub.Close()
	_ = conn.Close()
	<-done
}

func (h *WebsocketHandler) readLoop(conn *websocket.Conn, sub *Subscription, acks chan<- ack, stop <-chan struct{}) {
	reply := func(a ack) bool {
		select {
		case acks <- a:
			return true
		case <-stop:
			return false
		}
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		var a ack
		if err := json.Unmarshal(data, &msg); err != nil {
			a = ack{Type: "error", Error: "invalid_message"}
		} else {
			a = h.apply(sub, msg)
		}
		if !reply(a) {
			return
		}
	}
}

func (h *WebsocketHandler) apply(sub *Subscription, msg ClientMessage) ack {
	topic := NormalizeTopic(msg.Topic)
	switch msg.Action {
	case "subscribe":
		if !sub.Join(topic) {
			return ack{Type: "error", Error: "invalid_topic"}
		}
		return ack{Type: "subscribed", Topic: topic}
	case "unsubscribe":
		sub.Leave(topic)
		return ack{Type: "unsubscribed", Topic: topic}
	default:
		return ack{Type: "error", Error: "unknown_action"}
	}
}

func (h *WebsocketHandler) writeLoop(conn *websocket.Conn, sub *Subscription, acks <-chan ack, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.writeJSON(conn, event); err != nil {
				return
			}
		case reply := <-acks:
			if err := h.writeJSON(conn, reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebsocketHandler) writeJSON(conn *websocket.Conn, value any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(value)
}
