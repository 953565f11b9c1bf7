package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/guest-match/internal/middleware"
	"github.com/mossy-p/guest-match/internal/models"
	"github.com/mossy-p/guest-match/internal/registry"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

var (
	errConnClosed   = errors.New("connection closed")
	errBackpressure = errors.New("send buffer full")
)

// Close codes sent to clients; 4000-4999 is the private range
var closeCodes = map[registry.CloseReason]int{
	registry.CloseSuperseded: 4000,
	registry.CloseHeartbeat:  4001,
	registry.CloseShutdown:   websocket.CloseGoingAway,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// wsConn is the registry.Conn of one websocket. Send never blocks: frames
// go through a buffered channel drained by writePump.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	reason    registry.CloseReason
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ev models.Outbound) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Warn().Str("module", "handlers").Str("conn", c.id).Msg("send buffer full")
		return errBackpressure
	}
}

func (c *wsConn) Close(reason registry.CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *wsConn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("module", "handlers").Str("conn", c.id).Msg("write failed")
				c.Close("")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("")
				return
			}

		case <-c.done:
			c.flush()
			if code, ok := closeCodes[c.reason]; ok {
				msg := websocket.FormatCloseMessage(code, string(c.reason))
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}

// flush writes whatever was queued before the close
func (c *wsConn) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ServeWS upgrades the request and binds the socket to a guest. The guest
// token comes from the guest token middleware; without one a new guest is
// created.
func (h *Handlers) ServeWS(c *gin.Context) {
	displayName := c.Query("displayName")
	if err := validate.Var(displayName, "omitempty,max=36"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "displayName is too long"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "handlers").Msg("failed to upgrade connection")
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageSize)

	wc := newWSConn(conn)
	go wc.writePump(h.cfg.PingPeriod)

	guestID, err := h.hub.OnConnect(c.Request.Context(), wc, c.GetString(middleware.GuestTokenKey))
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Str("conn", wc.id).Msg("connect failed")
		_ = wc.Send(models.NewError(models.ErrCodeInternal, "could not start session"))
		h.hub.OnDisconnect(wc)
		wc.Close(registry.CloseShutdown)
		return
	}
	if displayName != "" {
		h.hub.OnSetName(wc, displayName)
	}

	log.Debug().Str("module", "handlers").Str("guest", guestID).Str("conn", wc.id).Msg("websocket open")
	h.readPump(wc)
}

func (h *Handlers) readPump(wc *wsConn) {
	defer func() {
		h.hub.OnDisconnect(wc)
		wc.Close("")
	}()

	wc.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		h.hub.OnActivity(wc)
		return nil
	})

	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "handlers").Str("conn", wc.id).Msg("websocket error")
			}
			return
		}
		wc.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		h.dispatch(wc, message)
	}
}

func (h *Handlers) dispatch(wc *wsConn, data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = wc.Send(models.NewError(models.ErrCodeBadPayload, "malformed frame"))
		return
	}

	switch msg.Type {
	case models.EventFindMatch:
		var p models.FindMatchPayload
		if decode(wc, msg.Payload, &p) {
			h.hub.OnFindMatch(wc, p.Filters)
		}
	case models.EventCancelMatch:
		h.hub.OnCancelMatch(wc)
	case models.EventChatMessage:
		var p models.ChatMessagePayload
		if decode(wc, msg.Payload, &p) {
			h.hub.OnMessage(wc, p.RoomID, p.Text)
		}
	case models.EventSignal:
		var p models.SignalPayload
		if decode(wc, msg.Payload, &p) {
			h.hub.OnSignal(wc, p.RoomID, p.Kind, p.Data)
		}
	case models.EventLeaveRoom:
		var p models.LeaveRoomPayload
		if decode(wc, msg.Payload, &p) {
			h.hub.OnLeaveRoom(wc, p.RoomID)
		}
	case models.EventSetName:
		var p models.SetNamePayload
		if decode(wc, msg.Payload, &p) {
			h.hub.OnSetName(wc, p.Name)
		}
	case models.EventPing:
		h.hub.OnPing(wc)
	default:
		log.Debug().Str("module", "handlers").Str("conn", wc.id).Str("type", string(msg.Type)).Msg("unknown event")
		_ = wc.Send(models.NewError(models.ErrCodeUnknownEvent, "unknown event type "+string(msg.Type)))
	}
}

// decode unmarshals and validates a payload, answering bad_payload on failure
func decode(wc *wsConn, raw json.RawMessage, dst any) bool {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			_ = wc.Send(models.NewError(models.ErrCodeBadPayload, "malformed payload"))
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		_ = wc.Send(models.NewError(models.ErrCodeBadPayload, err.Error()))
		return false
	}
	return true
}
