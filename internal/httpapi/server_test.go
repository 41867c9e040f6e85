package httpapi

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	logx "notiflow/pkg/logx"
)

func TestServerLifecycle(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server did not bind")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d body=%s", resp.StatusCode, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server still running after Stop")
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup := s.Supervisor(); sup != nil && sup.Err() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the serve loop to publish an insecure bind error")
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:80":     false,
		"10.0.0.1:80":    false,
		"bogus":          false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
