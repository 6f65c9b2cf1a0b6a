package wsstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/relaykit/internal/otel"
)

func TestConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverDone := make(chan struct{})

	tracerCfg := &otel.Config{
		Enabled:      true,
		ServiceName:  "wsstream-test",
		ExporterType: otel.ExporterStdout,
		SampleRate:   1.0,
	}
	tracer, err := otel.NewTracer(context.Background(), tracerCfg)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	var gotTraceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		gotTraceparent = r.Header.Get("traceparent")

		conn, _, err := Upgrade(w, r, &upgrader, tracer)
		if err != nil {
			t.Errorf("server Upgrade: %v", err)
			return
		}
		defer conn.Close()

		buf := make([]byte, 64)
		n, err := io.ReadFull(conn, buf[:5])
		if err != nil {
			t.Errorf("server Read: %v", err)
			return
		}
		if string(buf[:n]) != "hello" {
			t.Errorf("server got %q, want hello", string(buf[:n]))
		}
		if _, err := conn.Write([]byte("world")); err != nil {
			t.Errorf("server Write: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := NewSafeDialer(2*time.Second, []string{"127.0.0.0/8", "::1/128"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	spanCtx, span := tracer.StartSpan(ctx, "dial-test")
	client, err := Dial(spanCtx, wsURL, dialer, tracer)
	span.End()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client Read: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("client got %q, want world", string(buf))
	}

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler did not complete")
	}

	if gotTraceparent == "" {
		t.Error("expected Dial to inject a traceparent header the server could see")
	}
}

func TestSafeDialerBlocksLoopback(t *testing.T) {
	d := NewSafeDialer(time.Second, nil)
	ip := parseIP(t, "127.0.0.1")
	if !d.isIPBlocked(ip) {
		t.Error("expected loopback to be blocked by default")
	}
}

func TestSafeDialerAllowsExplicitException(t *testing.T) {
	d := NewSafeDialer(time.Second, []string{"127.0.0.0/8"})
	ip := parseIP(t, "127.0.0.1")
	if d.isIPBlocked(ip) {
		t.Error("expected loopback to be allowed when explicitly listed")
	}
}

func parseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("failed to parse IP %q", s)
	}
	return ip
}
