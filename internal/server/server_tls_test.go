package server

import (
	"bytes"
	"strings"
	"testing"

	"github.com/koltyakov/duplex/internal/log"
)

func TestHTTPSErrorLogForwardsToLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	errLog := httpsErrorLog(log.NewTo(&buf, "debug", "text"), false)
	errLog.Print("http: Accept error: boom")

	out := buf.String()
	if !strings.Contains(out, "https server error") || !strings.Contains(out, "boom") {
		t.Fatalf("expected error line in logger output, got %q", out)
	}

	buf.Reset()
	errLog.Print("")
	if buf.Len() != 0 {
		t.Fatalf("expected empty line to be skipped, got %q", buf.String())
	}
}

func TestNormalizeTLSMode(t *testing.T) {
	t.Parallel()

	if got := normalizeTLSMode(""); got != tlsModeOff {
		t.Fatalf("expected off for empty mode, got %q", got)
	}
	if got := normalizeTLSMode(" AUTO "); got != tlsModeAuto {
		t.Fatalf("expected auto, got %q", got)
	}
}
