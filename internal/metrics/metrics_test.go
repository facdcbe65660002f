package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *Collectors) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestCollectorsRecord(t *testing.T) {
	t.Parallel()

	c := New()
	c.ConnectionOpened("/SecureHub")
	c.ConnectionOpened("/SecureHub")
	c.ConnectionClosed("/SecureHub")
	c.Dropped("/SecureHub")
	c.Authorized("/AuthHub", true)
	c.Authorized("/AuthHub", false)
	c.Authorized("/AuthHub", false)
	c.AwaitTimedOut()

	out := scrape(t, c)
	for _, want := range []string{
		`duplex_connections{route="/SecureHub"} 1`,
		`duplex_authorize_total{outcome="rejected",route="/AuthHub"} 2`,
		`duplex_authorize_total{outcome="accepted",route="/AuthHub"} 1`,
		`duplex_dropped_invocations_total{route="/SecureHub"} 1`,
		`duplex_await_timeouts_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestNilCollectorsAreNoop(t *testing.T) {
	t.Parallel()

	var c *Collectors
	c.ConnectionOpened("/x")
	c.Invoked("/x", Inbound)
	c.AwaitTimedOut()
	c.SetSessions("/x", 3)
	c.Authorized("/x", true)
}
