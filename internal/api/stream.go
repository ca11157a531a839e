package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Hub fans published signal payloads out to websocket subscribers.
type Hub struct {
	clients    map[*streamClient]bool
	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan []byte
	mu         sync.RWMutex
	metrics    *metrics.Registry
}

// streamClient is one websocket subscriber. The stream is read-only;
// inbound frames are drained and dropped.
type streamClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newHub(m *metrics.Registry) *Hub {
	return &Hub{
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan []byte, 256),
		metrics:    m,
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.metrics.StreamClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.StreamClients.Inc()
			log.Info().Int("clients", count).Msg("stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.StreamClients.Dec()
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("clients", count).Msg("stream client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer, cut it loose.
					close(client.send)
					delete(h.clients, client)
					h.metrics.StreamClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Bridge subscribes to the signal pub/sub channel and forwards each
// payload to connected clients. It returns when ctx ends or the
// subscription closes.
func (h *Hub) Bridge(ctx context.Context, kvs *kv.Store, channel string) {
	sub := kvs.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	log.Info().Str("channel", channel).Msg("stream bridge subscribed")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				log.Warn().Str("channel", channel).Msg("stream bridge subscription closed")
				return
			}
			select {
			case h.broadcast <- []byte(msg.Payload):
			default:
				log.Warn().Msg("stream broadcast full, dropping payload")
			}
		}
	}
}

// serveStream handles GET /api/v1/intel/stream: upgrade and hand the
// connection to the hub.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}
	newStreamClient(s.hub, conn)
}

// newStreamClient registers the connection and starts its pumps.
func newStreamClient(hub *Hub, conn *websocket.Conn) *streamClient {
	client := &streamClient{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}

func (c *streamClient) writePump() {
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

func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("stream read ended")
			}
			break
		}
	}
}
