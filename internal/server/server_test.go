package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/handshake"
	"github.com/koltyakov/duplex/internal/hubproto"
	"github.com/koltyakov/duplex/internal/log"
	"github.com/koltyakov/duplex/internal/metrics"
	"github.com/koltyakov/duplex/internal/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type echoHub struct {
	route        string
	mu           sync.Mutex
	sessions     *session.Store
	clients      *Clients
	connected    chan *Conn
	disconnected chan error
}

func newEchoHub(route string) *echoHub {
	return &echoHub{
		route:        route,
		connected:    make(chan *Conn, 8),
		disconnected: make(chan error, 8),
	}
}

func (h *echoHub) Route() string { return h.route }

func (h *echoHub) Bind(b *Binder) error {
	h.clients = b.Clients()
	if err := b.On("Replay", func(ctx context.Context, inv *dispatch.Invocation) error {
		c, ok := Caller(inv)
		if !ok {
			return errors.New("no caller")
		}
		msg, err := dispatch.Arg[string](inv.Args, 0)
		if err != nil {
			return err
		}
		return c.Send(ctx, "Replay", msg)
	}, dispatch.Param[string]()); err != nil {
		return err
	}
	if err := b.On("Fail", func(context.Context, *dispatch.Invocation) error {
		return errors.New("handler refused")
	}); err != nil {
		return err
	}
	return b.Stream("Counter", func(ctx context.Context, inv *dispatch.Invocation, emit func(any) error) error {
		n, err := dispatch.Arg[int](inv.Args, 0)
		if err != nil {
			return err
		}
		for i := 1; i <= n; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	}, dispatch.Param[int]())
}

func (h *echoHub) AttachSessions(s *session.Store) {
	h.mu.Lock()
	h.sessions = s
	h.mu.Unlock()
}

func (h *echoHub) OnConnected(c *Conn) { h.connected <- c }

func (h *echoHub) OnDisconnected(_ *Conn, err error) { h.disconnected <- err }

type secureHub struct {
	*echoHub
	params *auth.ValidationParameters
}

func newSecureHub(t *testing.T) *secureHub {
	t.Helper()
	params, err := auth.NewValidationParameters(secureTokenOptions(""))
	if err != nil {
		t.Fatal(err)
	}
	return &secureHub{echoHub: newEchoHub("/SecureHub"), params: params}
}

func secureTokenOptions(subject string) auth.TokenOptions {
	return auth.TokenOptions{
		Algorithm: auth.HS256,
		Keys:      auth.Keys{Secret: testSecret},
		Issuer:    "duplex",
		Audience:  "duplex-hubs",
		Subject:   subject,
		Expires:   time.Now().Add(time.Hour),
	}
}

func (h *secureHub) AuthRoute() string { return "/AuthHub" }

func (h *secureHub) ValidationParameters() *auth.ValidationParameters { return h.params }

func (h *secureHub) Authorize(_ context.Context, credential jsoniter.RawMessage, _ handshake.Caller) (auth.Result, any, error) {
	var secret string
	if err := jsoniter.Unmarshal(credential, &secret); err != nil || secret != "secret-X" {
		return auth.Reject("Incorrect Authorize Data!"), nil, nil
	}
	res, err := auth.Issue(secureTokenOptions("alice"))
	return res, map[string]string{"welcome": "alice"}, err
}

func newTestServer(t *testing.T, opts []Option, hubs ...Hub) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(config.ServerConfig{}, log.Discard(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hubs {
		if err := srv.Mount(h); err != nil {
			t.Fatalf("mount %s: %v", h.Route(), err)
		}
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, route string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + route
}

func dial(t *testing.T, ts *httptest.Server, route string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, route), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", route, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, c *websocket.Conn, msg hubproto.Message) {
	t.Helper()
	data, err := hubproto.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func invocation(t *testing.T, id, target string, args ...any) hubproto.Message {
	t.Helper()
	msg, err := hubproto.Invocation(id, target, args...)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func read(t *testing.T, c *websocket.Conn) hubproto.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := hubproto.ReadMessage(c)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func stringArg(t *testing.T, msg hubproto.Message, i int) string {
	t.Helper()
	if i >= len(msg.Arguments) {
		t.Fatalf("message %+v has no argument %d", msg, i)
	}
	var s string
	if err := jsoniter.Unmarshal(msg.Arguments[i], &s); err != nil {
		t.Fatal(err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func TestReplayRoundTrip(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil, newEchoHub("/EchoHub"))
	c := dial(t, ts, "/EchoHub", nil)

	send(t, c, invocation(t, "", "Replay", "5"))
	got := read(t, c)
	if got.Kind != hubproto.KindInvocation || got.Target != "Replay" || got.ID != "" {
		t.Fatalf("unexpected reply %+v", got)
	}
	if s := stringArg(t, got, 0); s != "5" {
		t.Fatalf("expected 5, got %q", s)
	}
}

func TestIdentifiedInvocationCompletes(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil, newEchoHub("/EchoHub"))
	c := dial(t, ts, "/EchoHub", nil)

	send(t, c, invocation(t, "1", "Replay", "x"))
	first := read(t, c)
	second := read(t, c)
	if first.Kind != hubproto.KindInvocation || first.Target != "Replay" {
		t.Fatalf("expected Replay before completion, got %+v", first)
	}
	if second.Kind != hubproto.KindCompletion || second.ID != "1" || second.Error != "" {
		t.Fatalf("unexpected completion %+v", second)
	}

	send(t, c, invocation(t, "2", "Fail"))
	failed := read(t, c)
	if failed.Kind != hubproto.KindCompletion || failed.ID != "2" || !strings.Contains(failed.Error, "handler refused") {
		t.Fatalf("unexpected failure completion %+v", failed)
	}
}

func TestUnboundInvocationIsDroppedAndConnectionSurvives(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	_, ts := newTestServer(t, []Option{WithMetrics(m)}, newEchoHub("/EchoHub"))
	c := dial(t, ts, "/EchoHub", nil)

	send(t, c, invocation(t, "", "Missing"))
	send(t, c, invocation(t, "9", "Missing"))
	got := read(t, c)
	if got.Kind != hubproto.KindCompletion || got.ID != "9" || !strings.Contains(got.Error, dispatch.ErrNoBinding.Error()) {
		t.Fatalf("unexpected completion %+v", got)
	}

	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	send(t, c, hubproto.Message{Kind: hubproto.KindPing})
	if pong := read(t, c); pong.Kind != hubproto.KindPong {
		t.Fatalf("expected pong, got %+v", pong)
	}

	body := scrape(t, ts, "/metrics")
	if !strings.Contains(body, `duplex_dropped_invocations_total{route="/EchoHub"} 2`) {
		t.Fatalf("dropped counter missing from metrics:\n%s", body)
	}
}

func TestStreamProducesItemsThenCompletes(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil, newEchoHub("/EchoHub"))
	c := dial(t, ts, "/EchoHub", nil)

	start, err := hubproto.StreamInvocation("s1", "Counter", 3)
	if err != nil {
		t.Fatal(err)
	}
	send(t, c, start)
	for want := 1; want <= 3; want++ {
		item := read(t, c)
		var n int
		if item.Kind != hubproto.KindStreamItem || item.ID != "s1" || jsoniter.Unmarshal(item.Item, &n) != nil || n != want {
			t.Fatalf("unexpected item %+v, want %d", item, want)
		}
	}
	done := read(t, c)
	if done.Kind != hubproto.KindStreamComplete || done.ID != "s1" || done.Error != "" {
		t.Fatalf("unexpected stream completion %+v", done)
	}
}

func TestProtectedRouteRequiresBearerToken(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil, newSecureHub(t))

	for _, header := range []http.Header{nil, bearer("not-a-token")} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/SecureHub"), header)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %+v", resp)
		}
		_ = resp.Body.Close()
	}
}

func TestAuthorizeIssuesTokenForProtectedRoute(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	srv, ts := newTestServer(t, []Option{WithMetrics(m)}, newSecureHub(t))

	anon := dial(t, ts, "/AuthHub", nil)
	send(t, anon, invocation(t, "", domain.MethodAuthorize, "secret-X"))
	reply := read(t, anon)
	if reply.Target != domain.MethodAuthorizeResult || len(reply.Arguments) != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	var result domain.AuthorizeResult
	if err := jsoniter.Unmarshal(reply.Arguments[0], &result); err != nil {
		t.Fatal(err)
	}
	if !result.Accepted || result.Token == "" || string(result.ExtraData) != `{"welcome":"alice"}` {
		t.Fatalf("unexpected result %+v", result)
	}

	c := dial(t, ts, "/SecureHub", bearer(result.Token))
	send(t, c, invocation(t, "", "Replay", "5"))
	if got := read(t, c); stringArg(t, got, 0) != "5" {
		t.Fatalf("unexpected reply %+v", got)
	}

	clients, ok := srv.Clients("/SecureHub")
	if !ok {
		t.Fatal("clients missing")
	}
	waitFor(t, func() bool { return len(clients.User("alice")) == 1 })

	q := url.Values{"access_token": {result.Token}}
	byQuery := dial(t, ts, "/SecureHub?"+q.Encode(), nil)
	send(t, byQuery, hubproto.Message{Kind: hubproto.KindPing})
	if pong := read(t, byQuery); pong.Kind != hubproto.KindPong {
		t.Fatalf("expected pong, got %+v", pong)
	}

	body := scrape(t, ts, "/metrics")
	if !strings.Contains(body, `duplex_authorize_total{outcome="accepted",route="/AuthHub"} 1`) {
		t.Fatalf("authorize counter missing:\n%s", body)
	}
}

func TestAuthorizeRejectsWrongCredential(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil, newSecureHub(t))
	anon := dial(t, ts, "/AuthHub", nil)

	send(t, anon, invocation(t, "", domain.MethodAuthorize, "wrong"))
	reply := read(t, anon)
	var result domain.AuthorizeResult
	if err := jsoniter.Unmarshal(reply.Arguments[0], &result); err != nil {
		t.Fatal(err)
	}
	if result.Accepted || result.Token != "" || result.RejectionReason != "Incorrect Authorize Data!" {
		t.Fatalf("unexpected result %+v", result)
	}

	send(t, anon, invocation(t, "", "Replay", "5"))
	send(t, anon, hubproto.Message{Kind: hubproto.KindPing})
	if got := read(t, anon); got.Kind != hubproto.KindPong {
		t.Fatalf("auth route must only bind Authorize, got %+v", got)
	}
}

func TestSessionsFollowConnections(t *testing.T) {
	t.Parallel()

	hub := newSecureHub(t)
	srv, ts := newTestServer(t, nil, hub)
	res, err := auth.Issue(secureTokenOptions("bob"))
	if err != nil {
		t.Fatal(err)
	}
	token := res.Token().Raw

	c1 := dial(t, ts, "/SecureHub", bearer(token))
	c2 := dial(t, ts, "/SecureHub", bearer(token))
	<-hub.connected
	<-hub.connected

	store, ok := srv.Sessions("/SecureHub")
	if !ok {
		t.Fatal("sessions missing")
	}
	hub.mu.Lock()
	attached := hub.sessions
	hub.mu.Unlock()
	if attached != store {
		t.Fatal("hub did not receive the route session store")
	}
	sess, ok := store.Get("bob")
	if !ok || sess.ConnectionCount != 2 {
		t.Fatalf("unexpected session %+v", sess)
	}

	_ = c1.Close()
	<-hub.disconnected
	waitFor(t, func() bool {
		s, ok := store.Get("bob")
		return ok && s.ConnectionCount == 1
	})

	_ = c2.Close()
	<-hub.disconnected
	waitFor(t, func() bool { return !store.IsConnected("bob") })
}

func TestServerInvokeWaitsForClientCompletion(t *testing.T) {
	t.Parallel()

	hub := newEchoHub("/EchoHub")
	_, ts := newTestServer(t, nil, hub)
	c := dial(t, ts, "/EchoHub", nil)
	conn := <-hub.connected

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Invoke(context.Background(), "Notify", "hello")
	}()
	msg := read(t, c)
	if msg.Target != "Notify" || msg.ID == "" {
		t.Fatalf("unexpected invocation %+v", msg)
	}
	send(t, c, hubproto.Completion(msg.ID, errors.New("client says no")))
	err := <-errCh
	var re *hubproto.RemoteError
	if !errors.As(err, &re) || re.Message != "client says no" {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestInvokeFailsWhenClientDisconnects(t *testing.T) {
	t.Parallel()

	hub := newEchoHub("/EchoHub")
	_, ts := newTestServer(t, nil, hub)
	c := dial(t, ts, "/EchoHub", nil)
	conn := <-hub.connected

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Invoke(context.Background(), "Notify")
	}()
	_ = read(t, c)
	_ = c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Invoke did not return after disconnect")
	}
}

func TestClientsSelection(t *testing.T) {
	t.Parallel()

	hub := newEchoHub("/EchoHub")
	_, ts := newTestServer(t, nil, hub)
	a := dial(t, ts, "/EchoHub", nil)
	b := dial(t, ts, "/EchoHub", nil)
	connA := <-hub.connected
	<-hub.connected

	if n := hub.clients.Len(); n != 2 {
		t.Fatalf("expected 2 clients, got %d", n)
	}
	others := hub.clients.Except(connA.ID())
	if len(others) != 1 || others[0].ID() == connA.ID() {
		t.Fatalf("unexpected Except result %v", others.IDs())
	}
	if err := hub.clients.All().Send(context.Background(), "Broadcast", "hi"); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		if got := read(t, c); got.Target != "Broadcast" || stringArg(t, got, 0) != "hi" {
			t.Fatalf("unexpected broadcast %+v", got)
		}
	}
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	t.Parallel()

	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	hub := newEchoHub("/EchoHub")
	srv, ts := newTestServer(t, []Option{WithClock(clock)}, hub)
	c := dial(t, ts, "/EchoHub", nil)
	<-hub.connected

	srv.expireStaleConns()
	send(t, c, hubproto.Message{Kind: hubproto.KindPing})
	if got := read(t, c); got.Kind != hubproto.KindPong {
		t.Fatalf("fresh connection must survive, got %+v", got)
	}

	offset.Store(int64(2 * time.Minute))
	srv.expireStaleConns()
	got := read(t, c)
	if got.Kind != hubproto.KindClose || got.Error != "heartbeat timeout" {
		t.Fatalf("expected close notice, got %+v", got)
	}
	<-hub.disconnected
}

func TestSweepSessionsEvictsIdle(t *testing.T) {
	t.Parallel()

	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	hub := newEchoHub("/EchoHub")
	srv, ts := newTestServer(t, []Option{WithClock(clock)}, hub)
	_ = dial(t, ts, "/EchoHub", nil)
	conn := <-hub.connected

	store, _ := srv.Sessions("/EchoHub")
	if _, ok := store.Get(conn.Identity()); !ok {
		t.Fatal("expected live session")
	}
	offset.Store(int64(time.Hour))
	srv.sweepSessions()
	if _, ok := store.Get(conn.Identity()); ok {
		t.Fatal("expected idle session to be swept")
	}
	if _, ok := conn.Session(); ok {
		t.Fatal("connection must not see a swept session")
	}
}

func TestMountRejectsConflicts(t *testing.T) {
	t.Parallel()

	srv, err := New(config.ServerConfig{}, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	if err := srv.Mount(newEchoHub("/EchoHub")); err != nil {
		t.Fatal(err)
	}
	if err := srv.Mount(newEchoHub("EchoHub/")); err == nil {
		t.Fatal("expected duplicate route error")
	}
	noParams := &secureHub{echoHub: newEchoHub("/Other")}
	if err := srv.Mount(noParams); err == nil {
		t.Fatal("expected error for auth hub without validation parameters")
	}
	if _, ok := srv.Clients("/Missing"); ok {
		t.Fatal("unexpected clients for unknown route")
	}

	if err := srv.Mount(newSecureHub(t)); err != nil {
		t.Fatal(err)
	}
	sameRoutes := &rejectingHub{secureHub: newSecureHub(t)}
	if err := srv.Mount(sameRoutes); err == nil {
		t.Fatal("expected duplicate route error for second secure hub")
	}
	sharedAuth := &rejectingHub{secureHub: newSecureHub(t)}
	sharedAuth.route = "/OtherSecureHub"
	if err := srv.Mount(sharedAuth); err == nil {
		t.Fatal("expected duplicate auth route error")
	}
	res := srv.Registry().Authorize(context.Background(), "/AuthHub", jsoniter.RawMessage(`"secret-X"`), nil)
	if !res.Accepted || res.Token == "" {
		t.Fatalf("failed mount replaced the mounted validator: %+v", res)
	}
	if _, ok := srv.Clients("/OtherSecureHub"); ok {
		t.Fatal("failed mount left its route behind")
	}
}

type rejectingHub struct {
	*secureHub
}

func (h *rejectingHub) Authorize(context.Context, jsoniter.RawMessage, handshake.Caller) (auth.Result, any, error) {
	return auth.Reject("rejected by second hub"), nil, nil
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil, newEchoHub("/EchoHub"))
	if body := scrape(t, ts, "/healthz"); body != "ok" {
		t.Fatalf("unexpected healthz body %q", body)
	}

	resp, err := http.Get(ts.URL + "/EchoHub")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("plain GET on hub route should be rejected, got %d", resp.StatusCode)
	}
}

func scrape(t *testing.T, ts *httptest.Server, path string) string {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestStatsReportsRoutesConnectionsAndSessions(t *testing.T) {
	t.Parallel()

	echo := newEchoHub("/EchoHub")
	srv, ts := newTestServer(t, nil, echo, newSecureHub(t))
	dial(t, ts, "/EchoHub", nil)
	<-echo.connected

	stats := srv.Stats()
	if len(stats) != 3 {
		t.Fatalf("expected 3 routes, got %+v", stats)
	}
	byRoute := map[string]int{}
	for i, st := range stats {
		byRoute[st.Route] = i
	}
	echoStats := stats[byRoute["/EchoHub"]]
	if echoStats.Auth || echoStats.Connections != 1 || len(echoStats.Sessions) != 1 {
		t.Fatalf("unexpected echo stats %+v", echoStats)
	}
	if !stats[byRoute["/AuthHub"]].Auth || stats[byRoute["/SecureHub"]].Auth {
		t.Fatalf("unexpected auth flags %+v", stats)
	}
}
