package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RamadhanIbnu/wsrelay/internal/auth"
	"github.com/RamadhanIbnu/wsrelay/internal/permission"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "somesecret"

var timeout = time.Second

func init() {
	debug := false
	if debug {
		log.SetLevel(log.TraceLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		log.SetOutput(os.Stdout)
	} else {
		var ignore bytes.Buffer
		log.SetOutput(bufio.NewWriter(&ignore))
	}
}

type harness struct {
	config   *Config
	gateway  *Gateway
	server   *httptest.Server
	closed   chan struct{}
	stopOnce sync.Once
}

func newHarness(t *testing.T, config *Config) *harness {
	h := &harness{
		config: config,
		closed: make(chan struct{}),
	}
	h.gateway = New(*config)
	h.server = httptest.NewServer(h.gateway.Handler(h.closed))
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		close(h.closed)
		h.server.Close()
	})
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *harness) waitConnections(t *testing.T, n int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, conns := h.config.Registry.Count()
		return conns == n
	}, timeout, 10*time.Millisecond, "wanted %d connections", n)
}

func (h *harness) publish(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.server.URL+"/publish", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func token(t *testing.T, userID, purpose string) string {
	t.Helper()
	now := time.Now()
	s, err := permission.NewToken(userID, purpose, now.Unix()-1, now.Unix()+60).Sign(secret)
	require.NoError(t, err)
	return s
}

// connect dials as userID and waits until the connection is registered
func (h *harness) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	_, before := h.config.Registry.Count()
	c, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token="+token(t, userID, "ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	h.waitConnections(t, before+1)
	return c
}

func read(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// expectNothing leaves c unusable, so use it last
func expectNothing(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := c.ReadMessage()
	var ne net.Error
	assert.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected message %s (error %v)", string(data), err)
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, code), "wanted close %d, got message %s, error %v", code, string(data), err)
}

func TestPlainGet(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	resp, err := http.Get(h.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ws server", string(body))
}

func TestUnauthorized(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	other, err := permission.NewConnectionToken("user-a", time.Now(), time.Minute).Sign("othersecret")
	require.NoError(t, err)

	for name, query := range map[string]string{
		"missing":         "",
		"garbage":         "?token=garbage",
		"session purpose": "?token=" + token(t, "user-a", "session"),
		"no purpose":      "?token=" + token(t, "user-a", ""),
		"wrong secret":    "?token=" + other,
	} {
		t.Run(name, func(t *testing.T) {
			c, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/"+query, nil)
			require.NoError(t, err)
			defer c.Close()
			expectClose(t, c, CloseUnauthorized)
		})
	}

	users, conns := h.config.Registry.Count()
	assert.Equal(t, 0, users)
	assert.Equal(t, 0, conns)
}

func TestNoAuthenticator(t *testing.T) {

	h := newHarness(t, NewDefaultConfig())

	c, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token="+token(t, "user-a", "ws"), nil)
	require.NoError(t, err)
	defer c.Close()

	expectClose(t, c, CloseServerError)
}

func TestHandshakeFaultAfterRegister(t *testing.T) {

	config := NewDefaultConfig().WithSecret(secret)

	// the denial is expired at the first check; the second check,
	// made once the client is registered, panics
	var calls int32
	config.DenyStore.SetNowFunc(func() int64 {
		if atomic.AddInt32(&calls, 1) > 1 {
			panic("clock failure")
		}
		return 1000
	})
	config.DenyStore.Deny("A", 100)

	h := newHarness(t, config)

	c, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token="+token(t, "A", "ws"), nil)
	require.NoError(t, err)
	defer c.Close()

	expectClose(t, c, CloseServerError)

	h.waitConnections(t, 0)
	assert.Empty(t, h.config.Registry.Users())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPingPong(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")
	b := h.connect(t, "B")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	assert.JSONEq(t, `{"type":"pong"}`, read(t, a))
	expectNothing(t, b)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"ping"}`)))

	assert.JSONEq(t, `{"type":"pong"}`, read(t, a))
}

func TestPresenceSpoof(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")
	c := h.connect(t, "C")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence","userId":"A","online":true}`)))

	want := `{"type":"presence","userId":"C","online":true}`
	assert.JSONEq(t, want, read(t, a))
	assert.JSONEq(t, want, read(t, c))
}

func TestDirectMessageFanOut(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")
	b0 := h.connect(t, "B")
	b1 := h.connect(t, "B")
	c := h.connect(t, "C")

	payload := `{"type":"message.created","message":{"id":"m1","userId":"A","text":"hello"},"recipientId":"B"}`

	resp := h.publish(t, payload)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.JSONEq(t, payload, read(t, a))
	assert.JSONEq(t, payload, read(t, b0))
	assert.JSONEq(t, payload, read(t, b1))

	expectNothing(t, c)
	expectNothing(t, b0) // exactly once per connection
}

func TestBroadcast(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	conns := []*websocket.Conn{h.connect(t, "A"), h.connect(t, "B"), h.connect(t, "C")}

	payload := `{"type":"conversation.read","userId":"A","otherUserId":"B"}`

	resp := h.publish(t, payload)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	for _, c := range conns {
		assert.JSONEq(t, payload, read(t, c))
	}
}

func TestTypingIsDirected(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")
	b := h.connect(t, "B")
	c := h.connect(t, "C")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","userId":"C","to":"B","typing":true}`)))

	want := `{"type":"typing","userId":"A","to":"B","typing":true}`
	assert.JSONEq(t, want, read(t, b))
	assert.JSONEq(t, want, read(t, a))
	expectNothing(t, c)
}

func TestOfflineRecipient(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	c := h.connect(t, "C")

	resp := h.publish(t, `{"type":"reaction.created","reaction":{"id":"r1","userId":"X"},"recipientId":"Y"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	expectNothing(t, c)
}

func TestPublishInvalidJSON(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	for _, body := range []string{`{"type":`, `not json`, `[]`, `{"userId":"A"}`} {
		resp, err := http.Post(h.server.URL+"/publish", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "invalid json\n", string(b))
	}

	// only POST is routed
	resp, err := http.Get(h.server.URL + "/publish")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPublishSecret(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret).WithPublishSecret("pubsecret"))

	resp := h.publish(t, `{"type":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for auth, status := range map[string]int{
		"Bearer wrong":     http.StatusUnauthorized,
		"Bearer pubsecret": http.StatusNoContent,
	} {
		req, err := http.NewRequest("POST", h.server.URL+"/publish", strings.NewReader(`{"type":"x"}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", auth)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, auth)
	}
}

func TestLoopbackOnly(t *testing.T) {

	g := New(*NewDefaultConfig().WithSecret(secret))
	handler := g.Handler(make(chan struct{}))

	// httptest requests come from 192.0.2.1
	for _, path := range []string{"/publish", "/deny"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", path, strings.NewReader(`{"type":"x"}`)))
		assert.Equal(t, http.StatusForbidden, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/status", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// a proxy on loopback does not make its callers local
	req := httptest.NewRequest("POST", "/publish", strings.NewReader(`{"type":"x"}`))
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest("POST", "/publish", strings.NewReader(`{"type":"x"}`))
	req.RemoteAddr = "[::1]:5555"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// health is open to all
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	// and restrictions can be lifted
	open := New(*NewDefaultConfig().WithSecret(secret).WithLoopbackOnly(false)).Handler(make(chan struct{}))
	rr = httptest.NewRecorder()
	open.ServeHTTP(rr, httptest.NewRequest("POST", "/publish", strings.NewReader(`{"type":"x"}`)))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestDeny(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")
	b := h.connect(t, "B")

	exp := time.Now().Add(time.Hour).Unix()

	body, err := json.Marshal(DenyRequest{UserID: "A", ExpiresAt: exp})
	require.NoError(t, err)

	resp, err := http.Post(h.server.URL+"/deny", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	expectClose(t, a, CloseUnauthorized)
	h.waitConnections(t, 1)

	// cannot come back while denied
	again, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token="+token(t, "A", "ws"), nil)
	require.NoError(t, err)
	defer again.Close()
	expectClose(t, again, CloseUnauthorized)

	resp, err = http.Get(h.server.URL + "/deny")
	require.NoError(t, err)
	var list DenyList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, []string{"A"}, list.UserIDs)

	req, err := http.NewRequest("DELETE", h.server.URL+"/deny/A", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	h.connect(t, "A")

	// other users were unaffected
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.JSONEq(t, `{"type":"pong"}`, read(t, b))
}

func TestDenyBadRequest(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	for _, body := range []string{
		`not json`,
		`{"exp":9999999999}`,
		`{"userId":"A","exp":1}`,
	} {
		resp, err := http.Post(h.server.URL+"/deny", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestStatusAndHealth(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")
	h.connect(t, "A")
	h.connect(t, "B")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	read(t, a)

	resp, err := http.Get(h.server.URL + "/status")
	require.NoError(t, err)
	var reports []ClientReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reports))
	resp.Body.Close()

	require.Len(t, reports, 3)

	users := map[string]int{}
	rx := uint64(0)
	for _, r := range reports {
		users[r.UserID]++
		assert.NotEmpty(t, r.ID)
		assert.NotEmpty(t, r.RemoteAddr)
		assert.NotEmpty(t, r.UserAgent)
		rx += r.Stats.Rx.Bytes.Count
	}
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, users)
	assert.Equal(t, uint64(1), rx)

	resp, err = http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()

	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 3, health.Connections)
	assert.Equal(t, 2, health.Users)
	assert.True(t, health.Goroutines > 0)

	resp, err = http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "wsrelay_handshakes_total")
}

func TestUnregisterOnClose(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a0 := h.connect(t, "A")
	h.connect(t, "A")

	require.NoError(t, a0.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	h.waitConnections(t, 1)

	assert.Equal(t, []string{"A"}, h.config.Registry.Users())
	assert.Len(t, h.config.Registry.ConnectionsFor("A"), 1)
}

func TestSendAfterClose(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	h.connect(t, "A")

	conns := h.config.Registry.ConnectionsFor("A")
	require.Len(t, conns, 1)

	client := conns[0].(*Client)
	client.Kick(websocket.CloseGoingAway, "test")

	h.waitConnections(t, 0)

	assert.Equal(t, errConnectionClosed, client.Send([]byte(`{"type":"x"}`)))

	// repeated unregister is harmless
	client.unregister()
}

func TestShutdownClosesConnections(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithSecret(secret))

	a := h.connect(t, "A")

	close(h.closed)

	expectClose(t, a, websocket.CloseNormalClosure)
	h.waitConnections(t, 0)

	// already closed
	h.stopOnce.Do(func() {})
	h.server.Close()
}

func TestCustomPurpose(t *testing.T) {

	h := newHarness(t, NewDefaultConfig().WithAuthenticator(auth.New(secret).WithPurpose("relay")))

	c, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token="+token(t, "A", "ws"), nil)
	require.NoError(t, err)
	defer c.Close()
	expectClose(t, c, CloseUnauthorized)

	ok, _, err := websocket.DefaultDialer.Dial(h.wsURL()+"/?token="+token(t, "A", "relay"), nil)
	require.NoError(t, err)
	defer ok.Close()
	h.waitConnections(t, 1)
}
