package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/shepherd-project/shepherd-fetch/internal/download"
	"github.com/shepherd-project/shepherd-fetch/internal/logger"
)

// ConnectionKind tells how a client is attached
type ConnectionKind string

const (
	KindSSE       ConnectionKind = "sse"
	KindWebSocket ConnectionKind = "websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// StatusFunc reports the number of downloads currently in progress
type StatusFunc func() int

// Manager manages SSE and WebSocket connections and broadcasts events
type Manager struct {
	connections       map[string]*Connection
	connectionCounter int

	eventChan chan *Event
	dropped   atomic.Int64
	statusFn  StatusFunc
	upgrader  websocket.Upgrader

	heartbeatInterval time.Duration
	statusInterval    time.Duration

	mu sync.RWMutex
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Connection represents one subscribed client
type Connection struct {
	ID        string
	Kind      ConnectionKind
	Send      chan *Event
	confirmed bool
	closed    bool
}

// NewManager creates a new event manager. statusFn may be nil.
func NewManager(statusFn StatusFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		connections:       make(map[string]*Connection),
		eventChan:         make(chan *Event, 256),
		statusFn:          statusFn,
		heartbeatInterval: 30 * time.Second,
		statusInterval:    60 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetCheckOrigin restricts which origins may open WebSocket connections
func (m *Manager) SetCheckOrigin(fn func(r *http.Request) bool) {
	m.upgrader.CheckOrigin = fn
}

// Start starts the broadcast, heartbeat and status loops
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.run()
	go m.heartbeatLoop()
	go m.systemStatusLoop()

	logger.Info("Event manager started")
}

// Stop closes every connection and waits for the loops to exit
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	for id, conn := range m.connections {
		if !conn.closed {
			conn.closed = true
			close(conn.Send)
		}
		delete(m.connections, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	logger.Info("Event manager stopped")
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.eventChan:
			m.broadcastEvent(event)
		}
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.GetConnectionCount() > 0 {
				m.Broadcast(NewHeartbeatEvent())
			}
		}
	}
}

func (m *Manager) systemStatusLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			count := m.GetConnectionCount()
			if count == 0 {
				continue
			}
			active := 0
			if m.statusFn != nil {
				active = m.statusFn()
			}
			m.Broadcast(NewSystemStatusEvent(active, count, m.getConfirmedConnectionCount()))
		}
	}
}

// Broadcast queues an event for every client. Events are dropped when
// the queue is full so producers never stall.
func (m *Manager) Broadcast(event *Event) {
	select {
	case <-m.ctx.Done():
		return
	default:
	}

	select {
	case m.eventChan <- event:
	default:
		// Not logged: log entries are themselves broadcast
		m.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// broadcastEvent hands the event to each connection, dropping clients
// that cannot keep up
func (m *Manager) broadcastEvent(event *Event) {
	var slow []string

	m.mu.RLock()
	for id, conn := range m.connections {
		if conn.closed {
			continue
		}
		select {
		case conn.Send <- event:
		default:
			slow = append(slow, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range slow {
		logger.Warnf("Send buffer of connection %s is full, closing it", id)
		m.closeConnection(id)
	}
}

// DownloadListener returns a listener that forwards download events
func (m *Manager) DownloadListener() download.Listener {
	return func(e download.Event) {
		m.Broadcast(NewDownloadEvent(e))
	}
}

// ForwardLogs broadcasts every entry of stream until the manager stops
func (m *Manager) ForwardLogs(stream *logger.LogStream) {
	ch := stream.Subscribe()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stream.Unsubscribe(ch)

		for {
			select {
			case <-m.ctx.Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				m.Broadcast(NewLogEvent(entry))
			}
		}
	}()
}

func (m *Manager) addConnection(kind ConnectionKind) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectionCounter++
	conn := &Connection{
		ID:   fmt.Sprintf("%s-%d", kind, m.connectionCounter),
		Kind: kind,
		Send: make(chan *Event, 64),
	}
	m.connections[conn.ID] = conn
	return conn
}

// HandleSSE streams events to the client as Server-Sent Events
func (m *Manager) HandleSSE(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	conn := m.addConnection(KindSSE)
	defer m.closeConnection(conn.ID)
	logger.Infof("SSE connection established: %s (total: %d)", conn.ID, m.GetConnectionCount())

	c.SSEvent("connected", fmt.Sprintf(`{"connectionId":"%s","timestamp":%d}`, conn.ID, time.Now().UnixMilli()))
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			logger.Infof("SSE connection closed: %s", conn.ID)
			return
		case <-m.ctx.Done():
			return
		case event, ok := <-conn.Send:
			if !ok {
				return
			}
			c.SSEvent("message", event.String())
			flusher.Flush()
		case <-keepalive.C:
			c.Writer.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// clientMessage is what WebSocket clients may send
type clientMessage struct {
	Type string `json:"type"`
}

// HandleWebSocket upgrades the request and streams events as JSON text frames
func (m *Manager) HandleWebSocket(c *gin.Context) {
	ws, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := m.addConnection(KindWebSocket)
	logger.Infof("WebSocket connection established: %s (total: %d)", conn.ID, m.GetConnectionCount())

	go m.writePump(ws, conn)
	m.readPump(ws, conn)
}

// writePump pumps events from the connection to the socket
func (m *Manager) writePump(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case event, ok := <-conn.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := event.ToJSON()
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles confirmations and detects disconnects
func (m *Manager) readPump(ws *websocket.Conn, conn *Connection) {
	defer func() {
		m.closeConnection(conn.ID)
		ws.Close()
		logger.Infof("WebSocket connection closed: %s", conn.ID)
	}()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Debugf("WebSocket %s closed unexpectedly", conn.ID)
			}
			return
		}

		var msg clientMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "confirm" {
			m.ConfirmConnection(conn.ID)
		}
	}
}

// ConfirmConnection marks a connection as confirmed by its client
func (m *Manager) ConfirmConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.connections[connID]; ok {
		conn.confirmed = true
	}
}

// GetConnectionCount returns the total number of connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) getConfirmedConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.connections {
		if conn.confirmed {
			count++
		}
	}
	return count
}

// closeConnection removes a connection and closes its send channel
func (m *Manager) closeConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.connections[connID]; ok {
		if !conn.closed {
			conn.closed = true
			close(conn.Send)
		}
		delete(m.connections, connID)
	}
}
