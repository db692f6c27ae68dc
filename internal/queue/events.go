package queue

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nomoos/prismq-queue/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType names the kind of lifecycle transition an Event reports.
type EventType string

const (
	EventEnqueued    EventType = "enqueued"
	EventClaimed     EventType = "claimed"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
	EventDeadLetter  EventType = "dead_letter"
	EventHeartbeat   EventType = "worker_heartbeat"
)

// Event is one queue lifecycle notification broadcast to connected
// observers, generalized from the teacher's job-specific event payload into
// a task-queue-shaped one.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    int64     `json:"task_id,omitempty"`
	TaskType  string    `json:"task_type,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	AtUTC     time.Time `json:"at_utc"`
}

// EventHub fans out Events to connected WebSocket clients, carried over
// from the job manager's broadcast hub with the job-specific payload
// replaced by Event.
type EventHub struct {
	clients    map[*EventClient]bool
	broadcast  chan Event
	register   chan *EventClient
	unregister chan *EventClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *common.Logger
}

// EventClient is one connected WebSocket observer.
type EventClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub creates a new event hub.
func NewEventHub(logger *common.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*EventClient]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *EventClient),
		unregister: make(chan *EventClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Call as a goroutine.
func (h *EventHub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("clients", len(h.clients)).Msg("event client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Int("clients", len(h.clients)).Msg("event client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn().Err(err).Msg("failed to marshal queue event")
				continue
			}

			h.mu.RLock()
			var slow []*EventClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *EventHub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast sends event to all connected clients, dropping it if the
// broadcast channel is saturated rather than blocking the caller.
func (h *EventHub) Broadcast(event Event) {
	if event.AtUTC.IsZero() {
		event.AtUTC = nowUTC()
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Msg("event broadcast channel full, dropping event")
	}
}

// ServeWS upgrades an HTTP connection to a WebSocket and registers the
// client with the hub.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("event websocket upgrade failed")
		return
	}

	client := &EventClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected observers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *EventClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *EventClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
