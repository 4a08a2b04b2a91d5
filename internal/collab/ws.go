package collab

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codraft/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

// Hub upgrades HTTP requests into live sessions and owns the shared room
// and registry state they hang off.
type Hub struct {
	backend     Backend
	rooms       *Rooms
	registry    *Registry
	authTimeout time.Duration
	checkOrigin func(*http.Request) bool
}

func NewHub(backend Backend, rooms *Rooms, registry *Registry, authTimeout time.Duration) *Hub {
	return &Hub{
		backend:     backend,
		rooms:       rooms,
		registry:    registry,
		authTimeout: authTimeout,
	}
}

// SetCheckOrigin overrides the upgrade origin check. The default accepts
// same-origin requests only.
func (h *Hub) SetCheckOrigin(check func(*http.Request) bool) {
	h.checkOrigin = check
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := newWSClient(conn)
	session := NewSession(util.NewID("conn"), h.backend, h.rooms, h.registry, client, client.close)
	session.Start(h.authTimeout)

	go client.writePump()
	h.readLoop(r, conn, client, session)
}

func (h *Hub) readLoop(r *http.Request, conn *websocket.Conn, client *wsClient, session *Session) {
	defer func() {
		session.Close()
		client.close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("websocket read error: conn=%s err=%v", session.ID(), err)
			}
			return
		}
		session.Handle(ctx, raw)
	}
}

// wsClient is the write half of one connection. Deliver never blocks the
// caller: events queue on a buffered channel drained by the write pump, and
// a connection too slow to drain its queue is dropped.
type wsClient struct {
	conn      *websocket.Conn
	send      chan Outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan Outbound, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsClient) Deliver(event Outbound) {
	select {
	case <-c.done:
	case c.send <- event:
	default:
		log.Printf("dropping slow websocket connection")
		c.close()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
