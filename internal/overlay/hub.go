// Package overlay streams avatar frames and captions to on-screen overlay
// clients over websockets.
package overlay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/signify/internal/animation"
	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/logging"
	"github.com/normanking/signify/internal/metrics"
	"github.com/rs/zerolog"
)

const maxMessageSize = 512

// MessageType tags overlay messages
type MessageType string

const (
	MessageFrame   MessageType = "frame"
	MessageCaption MessageType = "caption"
	MessageGloss   MessageType = "gloss"
	MessageState   MessageType = "state"
	MessageLog     MessageType = "log"
)

// Message is the envelope sent to overlay clients
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// HubConfig configures client queues and keepalive
type HubConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Hub fans messages out to websocket clients. A client whose queue is full
// is disconnected so broadcasting never blocks.
type Hub struct {
	config HubConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	lastMu sync.RWMutex
	last   *animation.OutputFrame

	eventBus *bus.EventBus
	subs     []string
}

// NewHub creates an empty hub
func NewHub(config HubConfig, logger zerolog.Logger) *Hub {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 20 * time.Second
	}
	return &Hub{
		config:  config,
		logger:  logger.With().Str("component", "overlay").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// WriteFrame broadcasts an animation frame
func (h *Hub) WriteFrame(f *animation.OutputFrame) error {
	h.lastMu.Lock()
	h.last = f
	h.lastMu.Unlock()
	h.Broadcast(Message{Type: MessageFrame, Data: f})
	return nil
}

// LastFrame is the most recent frame written
func (h *Hub) LastFrame() *animation.OutputFrame {
	h.lastMu.RLock()
	defer h.lastMu.RUnlock()
	return h.last
}

// Broadcast queues msg for every client
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to marshal message")
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Msg("Overlay client too slow, disconnecting")
			metrics.OverlayDropped.Inc()
			h.remove(c)
		}
	}
}

// AttachLogs streams log entries at info and above to clients
func (h *Hub) AttachLogs(l *logging.Logger) {
	l.SetOnLog(func(e logging.LogEntry) {
		if e.Level == string(logging.LevelDebug) {
			return
		}
		h.Broadcast(Message{Type: MessageLog, Data: e})
	})
}

// Attach forwards captions, gloss tokens and state changes from the bus
func (h *Hub) Attach(eventBus *bus.EventBus) []string {
	forward := map[bus.EventType]MessageType{
		bus.EventTypeSTTPartial:            MessageCaption,
		bus.EventTypeSTTFinal:              MessageCaption,
		bus.EventTypeGlossTokens:           MessageGloss,
		bus.EventTypeAnimationStateChanged: MessageState,
	}
	ids := make([]string, 0, len(forward))
	for eventType, msgType := range forward {
		msgType := msgType
		ids = append(ids, eventBus.Subscribe(eventType, func(e bus.Event) {
			h.Broadcast(Message{Type: msgType, Data: e.Data})
		}))
	}

	h.mu.Lock()
	h.eventBus = eventBus
	h.subs = append(h.subs, ids...)
	h.mu.Unlock()
	return ids
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register takes ownership of an upgraded connection
func (h *Hub) Register(conn *websocket.Conn) {
	c := &client{
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}
	if !h.add(c) {
		conn.Close()
		return
	}

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.OverlayClients.Set(float64(len(h.clients)))
	h.logger.Info().Int("clients", len(h.clients)).Msg("Overlay client connected")
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.OverlayClients.Set(float64(len(h.clients)))
		h.logger.Info().Int("clients", len(h.clients)).Msg("Overlay client disconnected")
	}
	h.mu.Unlock()
	c.close()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writePump owns the connection and closes it on the way out
func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()
	defer h.remove(c)

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.config.WriteTimeout))
			return
		}
	}
}

// readPump discards client messages and keeps the read deadline alive
// with pongs
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	pongWait := 2 * h.config.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("Overlay client read error")
			}
			return
		}
	}
}

// Close detaches from the bus, disconnects every client and waits for
// their pumps
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	eventBus, subs := h.eventBus, h.subs
	h.eventBus, h.subs = nil, nil
	h.mu.Unlock()

	for _, id := range subs {
		eventBus.Unsubscribe(id)
	}

	for _, c := range clients {
		h.remove(c)
	}
	h.wg.Wait()
}
