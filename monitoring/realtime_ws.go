package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type MessageType string

const (
	PredictionEvent MessageType = "prediction"
	ArtifactEvent   MessageType = "artifact_status"
	Heartbeat       MessageType = "heartbeat"
)

// Message is the envelope pushed to stream clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// PredictionMessage is the payload of a PredictionEvent.
type PredictionMessage struct {
	RequestID  string             `json:"request_id,omitempty"`
	Source     string             `json:"source"`
	Label      string             `json:"label"`
	Confidence *float64           `json:"confidence"`
	Degraded   bool               `json:"degraded"`
	Features   map[string]float64 `json:"features,omitempty"`
}

// ClientMessage lets a client narrow the stream to some message types.
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe
	Topic string `json:"topic"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string

	// Owned by the hub goroutine.
	topics map[MessageType]bool
}

type topicChange struct {
	client    *client
	topic     MessageType
	subscribe bool
}

type envelope struct {
	topic   MessageType
	payload []byte
}

// PredictionHub fans served predictions out to websocket clients. A single
// goroutine owns the client set; everything else talks to it over channels.
type PredictionHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	onCount  func(int)

	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	topics     chan topicChange
	count      chan chan int
	done       chan struct{}
}

// NewPredictionHub accepts upgrades from the given origins ("*" allows any).
// onCount, if set, is called with the client count whenever it changes.
func NewPredictionHub(origins []string, logger *zap.Logger, onCount func(int)) *PredictionHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &PredictionHub{
		logger:     logger,
		onCount:    onCount,
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		topics:     make(chan topicChange),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
	return h
}

// Run owns the client set until ctx is cancelled.
func (h *PredictionHub) Run(ctx context.Context) {
	clients := make(map[*client]bool)
	notify := func() {
		if h.onCount != nil {
			h.onCount(len(clients))
		}
	}
	drop := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			notify()
		}
	}
	defer func() {
		for c := range clients {
			drop(c)
		}
		close(h.done)
		h.logger.Info("prediction hub stopped")
	}()

	heartbeat := time.NewTicker(pingPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = true
			notify()
			h.logger.Debug("stream client connected", zap.String("client", c.id), zap.Int("clients", len(clients)))
		case c := <-h.unregister:
			drop(c)
			h.logger.Debug("stream client disconnected", zap.String("client", c.id), zap.Int("clients", len(clients)))
		case tc := <-h.topics:
			if _, ok := clients[tc.client]; !ok {
				continue
			}
			if tc.subscribe {
				tc.client.topics[tc.topic] = true
			} else {
				delete(tc.client.topics, tc.topic)
			}
		case reply := <-h.count:
			reply <- len(clients)
		case env := <-h.broadcast:
			for c := range clients {
				if len(c.topics) > 0 && !c.topics[env.topic] {
					continue
				}
				select {
				case c.send <- env.payload:
				default:
					// Slow consumer.
					drop(c)
				}
			}
		case <-heartbeat.C:
			if len(clients) == 0 {
				continue
			}
			if msg, err := encode(Heartbeat, map[string]int{"clients": len(clients)}); err == nil {
				for c := range clients {
					select {
					case c.send <- msg:
					default:
					}
				}
			}
		}
	}
}

// Publish queues a message for every subscribed client. It never blocks;
// when the queue is full the message is dropped.
func (h *PredictionHub) Publish(topic MessageType, data any) error {
	msg, err := encode(topic, data)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- envelope{topic: topic, payload: msg}:
	case <-h.done:
	default:
		h.logger.Warn("prediction stream queue full, dropping message", zap.String("type", string(topic)))
	}
	return nil
}

func (h *PredictionHub) PublishPrediction(p PredictionMessage) error {
	return h.Publish(PredictionEvent, p)
}

// Clients reports the number of connected clients, or 0 once stopped.
func (h *PredictionHub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// ServeHTTP upgrades the connection and attaches it to the hub.
func (h *PredictionHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     ulid.Make().String(),
		topics: make(map[MessageType]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(h *PredictionHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("stream client read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		var subscribe bool
		switch msg.Type {
		case "subscribe":
			subscribe = true
		case "unsubscribe":
		default:
			continue
		}
		select {
		case h.topics <- topicChange{client: c, topic: MessageType(msg.Topic), subscribe: subscribe}:
		case <-h.done:
			return
		}
	}
}

func encode(topic MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      topic,
		Timestamp: time.Now().UTC(),
		Data:      raw,
		ID:        ulid.Make().String(),
	})
}
