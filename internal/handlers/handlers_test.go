package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/guest-match/config"
	"github.com/mossy-p/guest-match/internal/cache"
	"github.com/mossy-p/guest-match/internal/hub"
	"github.com/mossy-p/guest-match/internal/models"
	"github.com/mossy-p/guest-match/internal/session"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type    models.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:      "test",
		AllowedOrigins:   []string{"http://allowed.test"},
		TokenSecret:      "test-secret",
		SessionTTL:       time.Hour,
		HeartbeatTimeout: 5 * time.Second,
		PingPeriod:       time.Second,
		SweepInterval:    time.Hour,
		MaxMessageSize:   4096,
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()

	sessions := session.NewStore(cache.NewMemory(), session.NewTokenIssuer(cfg.TokenSecret), cfg.SessionTTL)
	h := hub.New(hub.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
	}, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	go sessions.Run(ctx)
	go h.Run(ctx)

	srv := httptest.NewServer(New(cfg, h, sessions).NewRouter())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ models.EventType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame{Type: typ, Payload: raw}))
}

// expect reads frames until one of type typ arrives and decodes its payload
func expect(t *testing.T, conn *websocket.Conn, typ models.EventType, dst any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type != typ {
			continue
		}
		if dst != nil {
			require.NoError(t, json.Unmarshal(f.Payload, dst))
		}
		return
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOriginFilter_RejectsUnknownOrigin(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Origin", "http://allowed.test")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "http://allowed.test", resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestIssueGuest_RenewsFromCookie(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/guest", "application/json", nil)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	var first GuestResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&first))
	req.NotEmpty(first.GuestID)
	req.NotEmpty(first.Token)
	cookies := resp.Cookies()
	req.NotEmpty(cookies)

	again, err := http.NewRequest(http.MethodPost, srv.URL+"/api/guest", nil)
	req.NoError(err)
	for _, c := range cookies {
		again.AddCookie(c)
	}
	resp2, err := http.DefaultClient.Do(again)
	req.NoError(err)
	defer resp2.Body.Close()

	var second GuestResponse
	req.NoError(json.NewDecoder(resp2.Body).Decode(&second))
	req.Equal(first.GuestID, second.GuestID)
}

func TestWebsocket_MatchAndChat(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	x := dial(t, srv, "?displayName=Ada")
	y := dial(t, srv, "")

	var readyX, readyY models.SessionReadyPayload
	expect(t, x, models.EventSessionReady, &readyX)
	expect(t, y, models.EventSessionReady, &readyY)
	req.NotEqual(readyX.GuestID, readyY.GuestID)

	send(t, x, models.EventFindMatch, struct{}{})
	send(t, y, models.EventFindMatch, models.FindMatchPayload{})

	var matchX, matchY models.MatchFoundPayload
	expect(t, x, models.EventMatchFound, &matchX)
	expect(t, y, models.EventMatchFound, &matchY)
	req.Equal(matchX.RoomID, matchY.RoomID)
	req.Equal(readyY.GuestID, matchX.PeerMeta.ID)
	req.Equal("Ada", matchY.PeerMeta.DisplayName)

	send(t, x, models.EventChatMessage, models.ChatMessagePayload{RoomID: matchX.RoomID, Text: "hi"})
	var chat models.ChatPayload
	expect(t, y, models.EventChatMessage, &chat)
	req.Equal(readyX.GuestID, chat.From)
	req.Equal("hi", chat.Text)

	resp, err := http.Get(srv.URL + "/api/rooms/" + matchX.RoomID)
	req.NoError(err)
	defer resp.Body.Close()
	var info models.RoomInfo
	req.NoError(json.NewDecoder(resp.Body).Decode(&info))
	req.Equal(models.RoomActive, info.Status)
	req.Equal(2, info.MemberCount)

	req.NoError(y.Close())
	var left models.PeerLeftPayload
	expect(t, x, models.EventPeerLeft, &left)
	req.Equal(models.ReasonPeerDisconnected, left.Reason)
}

func TestWebsocket_RejectsBadFrames(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)
	conn := dial(t, srv, "")
	expect(t, conn, models.EventSessionReady, nil)

	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var errPayload models.ErrorPayload
	expect(t, conn, models.EventError, &errPayload)
	req.Equal(models.ErrCodeBadPayload, errPayload.Code)

	send(t, conn, models.EventChatMessage, models.ChatMessagePayload{RoomID: "r", Text: strings.Repeat("a", 2001)})
	expect(t, conn, models.EventError, &errPayload)
	req.Equal(models.ErrCodeBadPayload, errPayload.Code)

	send(t, conn, "dance", struct{}{})
	expect(t, conn, models.EventError, &errPayload)
	req.Equal(models.ErrCodeUnknownEvent, errPayload.Code)

	send(t, conn, models.EventPing, nil)
	expect(t, conn, models.EventPong, nil)
}

func TestWebsocket_ResumeSupersedesOldConnection(t *testing.T) {
	req := require.New(t)
	srv := newTestServer(t)

	first := dial(t, srv, "")
	var ready models.SessionReadyPayload
	expect(t, first, models.EventSessionReady, &ready)

	second := dial(t, srv, "?token="+ready.Token)
	var resumed models.SessionReadyPayload
	expect(t, second, models.EventSessionReady, &resumed)
	req.Equal(ready.GuestID, resumed.GuestID)
	req.True(resumed.Resumed)

	req.NoError(first.SetReadDeadline(time.Now().Add(2 * time.Second)))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		req.ErrorAs(err, &closeErr)
		req.Equal(4000, closeErr.Code)
		break
	}

	resp, err := http.Get(srv.URL + "/api/stats")
	req.NoError(err)
	defer resp.Body.Close()
	var stats models.Stats
	req.NoError(json.NewDecoder(resp.Body).Decode(&stats))
	req.Equal(1, stats.ConnectedCount)
}
