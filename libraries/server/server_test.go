package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSocketListenTCP(t *testing.T) {
	l, err := SocketListen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("SocketListen failed: %v", err)
	}
	defer l.Close()
	if l.Addr().Network() != "tcp" {
		t.Errorf("network = %s, want tcp", l.Addr().Network())
	}
}

func TestSocketListenUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.sock")
	l, err := SocketListen(path)
	if err != nil {
		t.Fatalf("SocketListen failed: %v", err)
	}
	defer l.Close()
	if l.Addr().Network() != "unix" {
		t.Errorf("network = %s, want unix", l.Addr().Network())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("socket file missing: %v", err)
	}
}

func TestDisabled(t *testing.T) {
	for _, s := range []string{"", "none"} {
		if !Disabled(s) {
			t.Errorf("Disabled(%q) = false", s)
		}
	}
	if Disabled(":9410") {
		t.Error("Disabled(:9410) = true")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	l, err := SocketListen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("SocketListen failed: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]int{"height": 9})
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, l, mux, "metrics") }()

	resp, err := http.Get("http://" + l.Addr().String() + "/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"height": 9`) {
		t.Errorf("body = %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
	if _, err := net.Dial("tcp", l.Addr().String()); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusServiceUnavailable, "not connected")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not connected") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
