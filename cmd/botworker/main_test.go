package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vinayprograms/botfleet/config"
	"github.com/vinayprograms/botfleet/credentials"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/procs"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func quiet() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func memoryConfig(botURL string) config.Config {
	cfg := config.Default()
	cfg.Bus.Kind = "memory"
	cfg.State.Kind = "memory"
	cfg.Probe.BaseURL = botURL
	cfg.Heartbeat.Interval = config.Duration{Duration: 10 * time.Millisecond}
	return cfg
}

// --- Unit Tests ---

func TestReadEnv(t *testing.T) {
	env, err := readEnv(envOf(map[string]string{
		procs.EnvToken:            "123:abc",
		procs.EnvUsername:         "bot_a",
		procs.EnvFallbackUsername: "bot_b",
	}))
	if err != nil {
		t.Fatalf("readEnv: %v", err)
	}
	if env.role != string(procs.RoleMain) || env.username != "bot_a" || env.fallback != "bot_b" {
		t.Errorf("env = %+v", env)
	}

	if _, err := readEnv(envOf(nil)); err == nil {
		t.Error("missing token should fail")
	}
}

func TestRun_IdentityUnresolvable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	err := run(context.Background(), memoryConfig(srv.URL), &credentials.Credentials{},
		envOf(map[string]string{procs.EnvToken: "123:abc"}), quiet())
	if err == nil {
		t.Error("run should fail without an identity")
	}
}

// --- Integration Tests ---

func TestRun_ServesUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"A","username":"bot_a"}}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, memoryConfig(srv.URL), &credentials.Credentials{},
			envOf(map[string]string{procs.EnvToken: "123:abc"}), quiet())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return")
	}
}
