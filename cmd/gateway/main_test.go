package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

var serviceURLEnv = map[string]string{
	"USER_SERVICE_URL":         "user",
	"PROFILE_SERVICE_URL":      "profile",
	"SUBSCRIPTION_SERVICE_URL": "subscription",
	"CONTENT_SERVICE_URL":      "content",
	"VIDEO_SERVICE_URL":        "video",
	"AUTH_SERVICE_URL":         "authentication",
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// fastBootstrapEnv keeps every wait in the millisecond range.
func fastBootstrapEnv(t *testing.T) int {
	t.Helper()
	port := freePort(t)
	t.Setenv("GATEWAY_CONFIG_FILE", "/nonexistent.yaml")
	t.Setenv("STARTUP_DELAY_MS", "1")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "3")
	t.Setenv("GATEWAY_RETRY_BASE_DELAY_MS", "1")
	t.Setenv("GATEWAY_RETRY_MAX_DELAY_MS", "2")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("PORT", strconv.Itoa(port))
	return port
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want int
	}{
		{
			name: "every attempt fails",
			want: 1,
		},
		{
			name: "malformed subgraph url",
			env:  map[string]string{"PROFILE_SERVICE_URL": "not a url"},
			want: 1,
		},
		{
			name: "non-numeric port",
			env:  map[string]string{"PORT": "http"},
			want: 1,
		},
		{
			name: "zero attempts",
			env:  map[string]string{"GATEWAY_MAX_ATTEMPTS": "0"},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fastBootstrapEnv(t)
			for key := range serviceURLEnv {
				t.Setenv(key, "http://127.0.0.1:1/graphql")
			}
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			if got := run(); got != tt.want {
				t.Errorf("run() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_GracefulStopExitsZero(t *testing.T) {
	fleet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"_service": map[string]any{
				"sdl": fmt.Sprintf("type Query { %sVersion: String }", name),
			}},
		})
	}))
	defer fleet.Close()

	port := fastBootstrapEnv(t)
	for key, name := range serviceURLEnv {
		t.Setenv(key, fleet.URL+"/"+name)
	}

	done := make(chan int, 1)
	go func() { done <- run() }()

	health := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(health)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		select {
		case code := <-done:
			t.Fatalf("run() returned %d before serving", code)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("gateway never became healthy")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// run has its signal handler installed once /health answers.
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("run() = %d, want 0", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after SIGTERM")
	}
}
