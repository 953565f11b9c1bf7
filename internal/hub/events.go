package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mossy-p/guest-match/internal/matching"
	"github.com/mossy-p/guest-match/internal/models"
	"github.com/mossy-p/guest-match/internal/registry"
	"github.com/mossy-p/guest-match/internal/room"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyPaired = errors.New("already paired")

// OnConnect binds conn to the guest identified by token, or to a new guest,
// and sends session_ready. Token verification and the cache lookup run on
// the caller's goroutine; only the result is applied on the hub.
func (h *Hub) OnConnect(ctx context.Context, conn registry.Conn, token string) (string, error) {
	resolved := h.sessions.Resolve(ctx, token)

	var (
		guestID string
		err     error
	)
	doErr := h.do(ctx, func() {
		sess, signed, resumed, e := h.sessions.GetOrCreate(resolved)
		if e != nil {
			err = e
			return
		}
		guestID = sess.ID
		h.conns.Register(conn, sess.ID)
		h.send(conn, models.Outbound{
			Type:    models.EventSessionReady,
			Payload: models.SessionReadyPayload{GuestID: sess.ID, Token: signed, Resumed: resumed},
		})
		if r, ok := h.rooms.RoomOf(sess.ID); ok {
			// reconnected while paired: replay the match so the client can renegotiate
			peerID, _ := r.Peer(sess.ID)
			peer, _ := h.sessions.Get(peerID)
			h.send(conn, models.Outbound{
				Type:    models.EventMatchFound,
				Payload: models.MatchFoundPayload{RoomID: r.ID, PeerMeta: peer.Meta()},
			})
		}
		log.Info().Str("module", "hub").Str("guest", sess.ID).Str("conn", conn.ID()).Bool("resumed", resumed).Msg("guest connected")
	})
	if doErr != nil {
		if !errors.Is(doErr, ErrStopped) {
			// the queued registration may still run after the caller gave up
			h.OnDisconnect(conn)
		}
		return "", doErr
	}
	return guestID, err
}

// OnDisconnect tears down whatever the guest was doing. Close events of
// connections that were already superseded are ignored.
func (h *Hub) OnDisconnect(conn registry.Conn) {
	h.post(func() { h.disconnect(conn) })
}

func (h *Hub) disconnect(conn registry.Conn) {
	guestID, ok := h.conns.Unregister(conn)
	if !ok {
		return
	}
	h.release(guestID, models.ReasonPeerDisconnected)
	h.sessions.Touch(guestID)
	log.Info().Str("module", "hub").Str("guest", guestID).Str("conn", conn.ID()).Msg("guest disconnected")
}

// release takes a guest out of the pool or its room
func (h *Hub) release(guestID string, reason models.LeaveReason) {
	state, _ := h.sessions.State(guestID)
	switch state {
	case models.StatePaired:
		h.rooms.Leave(guestID, reason)
	case models.StateSearching:
		h.cancelSearch(guestID)
	}
}

func (h *Hub) cancelSearch(guestID string) bool {
	removed := h.pool.Cancel(guestID)
	if state, _ := h.sessions.State(guestID); state != models.StateSearching {
		return removed
	}
	if err := h.sessions.SetState(guestID, models.StateIdle, ""); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("guest", guestID).Msg("cancel search")
	}
	return true
}

// OnFindMatch puts the guest in the pool and pairs right away when a
// compatible peer is waiting.
func (h *Hub) OnFindMatch(conn registry.Conn, filters map[string]string) {
	h.post(func() {
		guestID, ok := h.guest(conn)
		if !ok {
			return
		}
		if err := h.enqueue(guestID, filters); err != nil {
			code := models.ErrCodeAlreadySearching
			if errors.Is(err, ErrAlreadyPaired) {
				code = models.ErrCodeAlreadyPaired
			}
			h.send(conn, models.NewError(code, err.Error()))
			return
		}
		h.pair()
	})
}

func (h *Hub) enqueue(guestID string, filters map[string]string) error {
	state, _ := h.sessions.State(guestID)
	switch state {
	case models.StateSearching:
		return matching.ErrAlreadySearching
	case models.StatePaired:
		return ErrAlreadyPaired
	}
	if err := h.sessions.SetState(guestID, models.StateSearching, ""); err != nil {
		return err
	}
	if err := h.pool.Enqueue(guestID, filters, h.now()); err != nil {
		_ = h.sessions.SetState(guestID, models.StateIdle, "")
		return err
	}
	log.Debug().Str("module", "hub").Str("guest", guestID).Int("pool", h.pool.Len()).Msg("guest searching")
	return nil
}

// pair drains the pool two at a time. On a pairing conflict the guests that
// are still searching go back to their FIFO position.
func (h *Hub) pair() {
	for {
		a, b, ok := h.pool.DequeueForPairing()
		if !ok {
			return
		}
		if _, err := h.rooms.Create(a.GuestID, b.GuestID); err != nil {
			log.Warn().Err(err).Str("module", "hub").Str("a", a.GuestID).Str("b", b.GuestID).Msg("pairing failed")
			if !errors.Is(err, room.ErrPairingConflict) {
				return
			}
			h.requeue(a)
			h.requeue(b)
			if !h.pool.Contains(a.GuestID) || !h.pool.Contains(b.GuestID) {
				continue
			}
			// both are still searching and still conflict; stop rather than spin
			return
		}
	}
}

func (h *Hub) requeue(e matching.Entry) {
	if state, _ := h.sessions.State(e.GuestID); state != models.StateSearching {
		return
	}
	if err := h.pool.Push(e); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("guest", e.GuestID).Msg("requeue")
	}
}

// OnCancelMatch leaves the pool. Cancelling when not searching is a no-op.
func (h *Hub) OnCancelMatch(conn registry.Conn) {
	h.post(func() {
		guestID, ok := h.guest(conn)
		if !ok {
			return
		}
		if state, _ := h.sessions.State(guestID); state != models.StateSearching {
			return
		}
		h.cancelSearch(guestID)
		h.send(conn, models.Outbound{Type: models.EventMatchCancelled, Payload: models.MatchCancelledPayload{}})
	})
}

// OnMessage relays text to the peer, stamped with the sender and the
// server time.
func (h *Hub) OnMessage(conn registry.Conn, roomID, text string) {
	h.post(func() {
		guestID, ok := h.guest(conn)
		if !ok {
			return
		}
		h.relay(conn, guestID, roomID, models.Outbound{
			Type:    models.EventChatMessage,
			Payload: models.ChatPayload{From: guestID, Text: text, TS: h.now().UTC()},
		})
	})
}

// OnSignal forwards an opaque negotiation frame to the peer untouched
func (h *Hub) OnSignal(conn registry.Conn, roomID, kind string, data json.RawMessage) {
	h.post(func() {
		guestID, ok := h.guest(conn)
		if !ok {
			return
		}
		h.relay(conn, guestID, roomID, models.Outbound{
			Type:    models.EventSignal,
			Payload: models.SignalRelayPayload{From: guestID, Kind: kind, Data: data},
		})
	})
}

func (h *Hub) relay(conn registry.Conn, guestID, roomID string, ev models.Outbound) {
	err := h.rooms.Relay(guestID, roomID, ev)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrNotInRoom):
		h.send(conn, models.NewError(models.ErrCodeNotInRoom, "you are not in this room"))
	default:
		// the peer's disconnect is already on its way to the hub
		log.Debug().Err(err).Str("module", "hub").Str("guest", guestID).Str("event", string(ev.Type)).Msg("relay dropped")
	}
}

// OnLeaveRoom closes the guest's room and notifies the peer
func (h *Hub) OnLeaveRoom(conn registry.Conn, roomID string) {
	h.post(func() {
		guestID, ok := h.guest(conn)
		if !ok {
			return
		}
		r, ok := h.rooms.RoomOf(guestID)
		if !ok || (roomID != "" && r.ID != roomID) {
			h.send(conn, models.NewError(models.ErrCodeNotInRoom, "you are not in this room"))
			return
		}
		h.rooms.Leave(guestID, models.ReasonPeerLeft)
	})
}

// OnSetName changes the display name shown to future peers
func (h *Hub) OnSetName(conn registry.Conn, name string) {
	h.post(func() {
		guestID, ok := h.guest(conn)
		if !ok {
			return
		}
		if err := h.sessions.SetDisplayName(guestID, name); err != nil {
			h.send(conn, models.NewError(models.ErrCodeInternal, "could not update name"))
		}
	})
}

// OnPing answers an application level ping
func (h *Hub) OnPing(conn registry.Conn) {
	h.post(func() {
		if _, ok := h.guest(conn); ok {
			h.send(conn, models.Outbound{Type: models.EventPong})
		}
	})
}

// OnActivity records transport level liveness, such as a pong frame
func (h *Hub) OnActivity(conn registry.Conn) {
	h.post(func() { h.guest(conn) })
}

// sweep enforces the heartbeat, the search timeout and the session TTL
func (h *Hub) sweep() {
	if h.cfg.HeartbeatTimeout > 0 {
		for _, conn := range h.conns.Silent(h.cfg.HeartbeatTimeout) {
			log.Info().Str("module", "hub").Str("conn", conn.ID()).Msg("heartbeat timeout")
			conn.Close(registry.CloseHeartbeat)
			h.disconnect(conn)
		}
	}

	if h.cfg.SearchTimeout > 0 {
		for _, guestID := range h.pool.WaitingSince(h.now().Add(-h.cfg.SearchTimeout)) {
			h.cancelSearch(guestID)
			h.notify(guestID, models.Outbound{
				Type:    models.EventMatchCancelled,
				Payload: models.MatchCancelledPayload{Reason: "timeout"},
			})
			h.notify(guestID, models.NewError(models.ErrCodeNoMatch, "no peer became available"))
			log.Info().Str("module", "hub").Str("guest", guestID).Msg("search timed out")
		}
	}

	expired := h.sessions.Expire(h.conns.Connected, func(sess models.GuestSession) {
		switch sess.State {
		case models.StatePaired:
			h.rooms.Leave(sess.ID, models.ReasonTimeout)
		case models.StateSearching:
			h.cancelSearch(sess.ID)
		}
	})
	if expired > 0 {
		log.Debug().Str("module", "hub").Int("expired", expired).Int("sessions", h.sessions.Len()).Msg("sweep")
	}
}

func (h *Hub) notify(guestID string, ev models.Outbound) {
	if err := h.conns.Send(guestID, ev); err != nil {
		log.Debug().Err(err).Str("module", "hub").Str("guest", guestID).Str("event", string(ev.Type)).Msg("notification dropped")
	}
}
