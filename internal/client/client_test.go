package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/correlate"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/handshake"
	"github.com/koltyakov/duplex/internal/hubproto"
	"github.com/koltyakov/duplex/internal/log"
	"github.com/koltyakov/duplex/internal/server"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const manyItems = 200

type testHub struct {
	route string
	mu    sync.Mutex
	conns []*server.Conn
	seen  chan *server.Conn
}

func newTestHub(route string) *testHub {
	return &testHub{route: route, seen: make(chan *server.Conn, 8)}
}

func (h *testHub) Route() string { return h.route }

func (h *testHub) Bind(b *server.Binder) error {
	if err := b.On("Replay", func(ctx context.Context, inv *dispatch.Invocation) error {
		c, _ := server.Caller(inv)
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
	if err := b.On("Ping", func(context.Context, *dispatch.Invocation) error { return nil }); err != nil {
		return err
	}
	if err := b.Stream("Many", func(ctx context.Context, _ *dispatch.Invocation, emit func(any) error) error {
		for i := 1; i <= manyItems; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := b.Stream("Ticks", func(ctx context.Context, _ *dispatch.Invocation, emit func(any) error) error {
		for i := 1; i <= 3; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
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

func (h *testHub) OnConnected(c *server.Conn) {
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
	h.seen <- c
}

type testSecureHub struct {
	*testHub
	params *auth.ValidationParameters
}

func tokenOptions(subject string) auth.TokenOptions {
	return auth.TokenOptions{
		Algorithm: auth.HS256,
		Keys:      auth.Keys{Secret: testSecret},
		Issuer:    "duplex",
		Audience:  "duplex-hubs",
		Subject:   subject,
		Expires:   time.Now().Add(time.Hour),
	}
}

func (h *testSecureHub) AuthRoute() string { return "/AuthHub" }

func (h *testSecureHub) ValidationParameters() *auth.ValidationParameters { return h.params }

func (h *testSecureHub) Authorize(_ context.Context, credential jsoniter.RawMessage, _ handshake.Caller) (auth.Result, any, error) {
	var secret string
	if err := jsoniter.Unmarshal(credential, &secret); err != nil || secret != "secret-X" {
		return auth.Reject("Incorrect Authorize Data!"), nil, nil
	}
	res, err := auth.Issue(tokenOptions("alice"))
	return res, nil, err
}

func startServer(t *testing.T, hub server.Hub) *httptest.Server {
	t.Helper()
	srv, err := server.New(config.ServerConfig{}, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Mount(hub); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts
}

func clientConfig(ts *httptest.Server, route string) config.ClientConfig {
	return config.ClientConfig{
		ServerURL:    ts.URL,
		Route:        route,
		AuthRoute:    "/AuthHub",
		Timeout:      5 * time.Second,
		AwaitTimeout: 5 * time.Second,
	}
}

func startClient(t *testing.T, cfg config.ClientConfig, opts ...Option) *Client {
	t.Helper()
	c := New(cfg, log.Discard(), opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestReplayRoundTrip(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestHub("/EchoHub"))
	c := New(clientConfig(ts, "/EchoHub"), log.Discard(), Anonymous())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	reply, err := c.SendThenAwaitOnce(context.Background(), "Replay", []dispatch.ParamType{dispatch.Param[string]()}, "Replay", "5")
	if err != nil {
		t.Fatal(err)
	}
	got, err := correlate.One[string](reply)
	if err != nil || got != "5" {
		t.Fatalf("expected 5, got %q (%v)", got, err)
	}
}

func TestInvokeReportsHandlerOutcome(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestHub("/EchoHub"))
	c := startClient(t, clientConfig(ts, "/EchoHub"), Anonymous())
	ctx := context.Background()

	if err := c.Invoke(ctx, "Replay", "x"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	err := c.Invoke(ctx, "Fail")
	var re *hubproto.RemoteError
	if !errors.As(err, &re) || re.Message == "" {
		t.Fatalf("expected remote error, got %v", err)
	}
	if err := c.Invoke(ctx, "Missing"); err == nil {
		t.Fatal("expected error for unbound server method")
	}
}

func TestStreamDeliversItemsInOrder(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestHub("/EchoHub"))
	c := startClient(t, clientConfig(ts, "/EchoHub"), Anonymous())

	items, errs := c.Stream(context.Background(), "Counter", 4)
	var got []int
	for raw := range items {
		var n int
		if err := jsoniter.Unmarshal(raw, &n); err != nil {
			t.Fatal(err)
		}
		got = append(got, n)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("unexpected items %v", got)
	}
}

func TestStreamOfUnknownTargetFails(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestHub("/EchoHub"))
	c := startClient(t, clientConfig(ts, "/EchoHub"), Anonymous())

	items, errs := c.Stream(context.Background(), "Nope")
	for range items {
		t.Fatal("unexpected item")
	}
	if err := <-errs; err == nil {
		t.Fatal("expected stream error")
	}
}

func TestServerInvokesClientMethod(t *testing.T) {
	t.Parallel()

	hub := newTestHub("/EchoHub")
	ts := startServer(t, hub)
	c := New(clientConfig(ts, "/EchoHub"), log.Discard(), Anonymous())
	got := make(chan string, 1)
	if err := c.On("Notify", func(_ context.Context, inv *dispatch.Invocation) error {
		s, err := dispatch.Arg[string](inv.Args, 0)
		got <- s
		return err
	}, dispatch.Param[string]()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	conn := <-hub.seen
	if err := conn.Invoke(context.Background(), "Notify", "hi"); err != nil {
		t.Fatalf("server invoke: %v", err)
	}
	if s := <-got; s != "hi" {
		t.Fatalf("unexpected argument %q", s)
	}
	if !c.Remove("Notify") {
		t.Fatal("expected binding to be removed")
	}
}

func TestBoundContractStreamIsOpenedOnConnect(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestHub("/EchoHub"))
	c := New(clientConfig(ts, "/EchoHub"), log.Discard(), Anonymous())
	ticks := make(chan int, 3)
	contract := dispatch.NewContract("Listener").
		Method("Replay", dispatch.Param[string]()).
		Stream("Ticks", dispatch.Param[int]())
	report, err := c.Bind(contract, dispatch.Impl{
		"Ticks": func(_ context.Context, inv *dispatch.Invocation) error {
			n, err := dispatch.Arg[int](inv.Args, 0)
			ticks <- n
			return err
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Streams) != 1 || len(report.Skipped) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	for want := 1; want <= 3; want++ {
		select {
		case n := <-ticks:
			if n != want {
				t.Fatalf("expected %d, got %d", want, n)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("stream element not delivered")
		}
	}
}

func TestStreamHandlerCanInvokeWhileElementsQueue(t *testing.T) {
	t.Parallel()

	ts := startServer(t, newTestHub("/EchoHub"))
	c := New(clientConfig(ts, "/EchoHub"), log.Discard(), Anonymous())
	results := make(chan error, manyItems)
	contract := dispatch.NewContract("Listener").Stream("Many", dispatch.Param[int]())
	if _, err := c.Bind(contract, dispatch.Impl{
		"Many": func(ctx context.Context, _ *dispatch.Invocation) error {
			callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			err := c.Invoke(callCtx, "Ping")
			results <- err
			return err
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	deadline := time.After(30 * time.Second)
	for i := 0; i < manyItems; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("invoke from stream handler failed after %d calls: %v", i, err)
			}
		case <-deadline:
			t.Fatalf("only %d of %d stream handlers completed", i, manyItems)
		}
	}
}

func TestClientStreamQueueNeverBlocksProducer(t *testing.T) {
	t.Parallel()

	st := newClientStream()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10*streamBufferSize; i++ {
			st.push(hubproto.RawMessage(`1`))
		}
		st.end(nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push blocked without a consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.forward(ctx, func() {})
	count := 0
	for range st.items {
		count++
	}
	if count != 10*streamBufferSize {
		t.Fatalf("expected %d elements, got %d", 10*streamBufferSize, count)
	}
	if err := <-st.errs; err != nil {
		t.Fatalf("unexpected stream error %v", err)
	}
}

func TestCallsFailWhenNotConnected(t *testing.T) {
	t.Parallel()

	c := New(config.ClientConfig{ServerURL: "http://127.0.0.1:1", Route: "/EchoHub"}, log.Discard())
	if err := c.Send(context.Background(), "Replay", "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Invoke(context.Background(), "Replay", "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	_, errs := c.Stream(context.Background(), "Counter", 1)
	if err := <-errs; !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestAuthorizeThenConnectToProtectedRoute(t *testing.T) {
	t.Parallel()

	params, err := auth.NewValidationParameters(tokenOptions(""))
	if err != nil {
		t.Fatal(err)
	}
	hub := &testSecureHub{testHub: newTestHub("/SecureHub"), params: params}
	ts := startServer(t, hub)
	c := New(clientConfig(ts, "/SecureHub"), log.Discard())
	ctx := context.Background()

	rejected, err := c.Authorize(ctx, "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Accepted || rejected.RejectionReason != "Incorrect Authorize Data!" || c.Token() != "" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	accepted, err := c.Authorize(ctx, "secret-X")
	if err != nil {
		t.Fatal(err)
	}
	if !accepted.Accepted || accepted.Token == "" || c.Token() != accepted.Token {
		t.Fatalf("unexpected acceptance %+v", accepted)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start with token: %v", err)
	}
	defer c.Stop()

	reply, err := c.SendThenAwaitOnce(ctx, "Replay", []dispatch.ParamType{dispatch.Param[string]()}, "Replay", "5")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := correlate.One[string](reply); s != "5" {
		t.Fatalf("expected 5, got %q", s)
	}
	conn := <-hub.seen
	if conn.Identity() != "alice" {
		t.Fatalf("expected identity alice, got %q", conn.Identity())
	}
}

func TestProtectedRouteRejectsBadToken(t *testing.T) {
	t.Parallel()

	params, err := auth.NewValidationParameters(tokenOptions(""))
	if err != nil {
		t.Fatal(err)
	}
	ts := startServer(t, &testSecureHub{testHub: newTestHub("/SecureHub"), params: params})
	cfg := clientConfig(ts, "/SecureHub")
	cfg.Token = "forged"
	c := New(cfg, log.Discard())
	if err := c.Start(context.Background()); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestReconnectsAfterServerClose(t *testing.T) {
	t.Parallel()

	hub := newTestHub("/EchoHub")
	ts := startServer(t, hub)
	c := New(clientConfig(ts, "/EchoHub"), log.Discard(), Anonymous())

	connected := make(chan struct{}, 4)
	disconnected := make(chan error, 4)
	c.OnConnected(func() { connected <- struct{}{} })
	c.OnDisconnected(func(err error) { disconnected <- err })
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-connected
	first := <-hub.seen

	first.Close("maintenance")
	select {
	case err := <-disconnected:
		if !errors.Is(err, ErrServerClosed) {
			t.Fatalf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("client did not reconnect")
	}
	second := <-hub.seen
	if second.ID() == first.ID() {
		t.Fatal("expected a new server connection")
	}
	if !c.Connected() {
		t.Fatal("expected client to be connected")
	}

	c.Stop()
	if err := <-disconnected; err != nil {
		t.Fatalf("stop should report a clean disconnect, got %v", err)
	}
	if c.Connected() {
		t.Fatal("expected client to be disconnected after Stop")
	}
}

func TestHubURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, route, want string
		ok                bool
	}{
		{"http://localhost:8080", "/SecureHub", "ws://localhost:8080/SecureHub", true},
		{"https://hubs.example.com/api/", "/AuthHub", "wss://hubs.example.com/api/AuthHub", true},
		{"wss://hubs.example.com", "/SecureHub", "wss://hubs.example.com/SecureHub", true},
		{"ftp://hubs.example.com", "/SecureHub", "", false},
		{"http://", "/SecureHub", "", false},
	}
	for _, tt := range tests {
		got, err := hubURL(tt.base, tt.route)
		if tt.ok && (err != nil || got != tt.want) {
			t.Fatalf("hubURL(%q, %q) = %q, %v; want %q", tt.base, tt.route, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Fatalf("hubURL(%q, %q) expected error", tt.base, tt.route)
		}
	}
}
