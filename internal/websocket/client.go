package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 16
	maxReadBytes = 512
)

// Client is one balance subscription. Inbound frames are discarded; the
// read loop only exists to notice pongs and disconnects.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	walletID string
}

// Upgrader accepts balance subscriptions from the configured origins. An
// empty list or "*" accepts any origin.
type Upgrader struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewUpgrader(hub *Hub, allowedOrigins []string) *Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[strings.ToLower(origin)] = true
		}
	}
	return &Upgrader{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[strings.ToLower(origin)]
			},
		},
	}
}

// Serve upgrades the request and streams balance updates for walletID until
// the peer goes away.
func (u *Upgrader) Serve(w http.ResponseWriter, r *http.Request, walletID string) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, sendBuffer), walletID: walletID}
	u.hub.Register(walletID, client)
	go client.writePump(u.hub)
	client.readPump(u.hub)
}

func (c *Client) close(hub *Hub) {
	hub.Unregister(c.walletID, c)
	_ = c.conn.Close()
}

func (c *Client) readPump(hub *Hub) {
	defer c.close(hub)
	c.conn.SetReadLimit(maxReadBytes)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(hub *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(hub)
	}()
	for {
		var err error
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = c.conn.WriteMessage(websocket.TextMessage, message)
		case <-ticker.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			return
		}
	}
}
