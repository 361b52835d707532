package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/loopsync/internal/config"
	"github.com/goodtune/loopsync/internal/gateway/api"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/presence"
	"github.com/goodtune/loopsync/internal/stats"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/goodtune/loopsync/internal/storage/redis"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type testEnv struct {
	store  *redis.Store
	clock  *playback.TestClock
	server *Server
	http   *httptest.Server
}

func setupTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     10,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}, "test")
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := playback.NewTestClock(100_000)
	reaper := presence.NewReaper(store.Presence(), presence.NewDepartedLog(16, time.Minute), presence.Config{}, clock, zerolog.Nop())
	poller := stats.NewPoller(store.Presence(), time.Minute, clock, zerolog.Nop())

	srv, err := NewServer(cfg, store, reaper, poller, clock, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(srv.rateLimiter.Stop)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{store: store, clock: clock, server: srv, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, Config{})

	resp, body := env.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %v, want ok", out["status"])
	}
}

func TestClock_GetBeforeRestart(t *testing.T) {
	env := setupTestServer(t, Config{ClipDuration: 60})

	resp, body := env.do(t, http.MethodGet, "/api/clock", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var clock api.ClockResponse
	if err := json.Unmarshal(body, &clock); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if clock.GlobalTimestamp != nil || clock.OffsetSeconds != nil {
		t.Errorf("expected no reference yet, got %s", body)
	}
	if clock.LoopEnabled || clock.Expired {
		t.Errorf("absent clock should read loop=false expired=false, got %s", body)
	}
}

func TestClock_RestartAndOffset(t *testing.T) {
	env := setupTestServer(t, Config{ClipDuration: 60})

	resp, body := env.do(t, http.MethodPost, "/api/clock/restart", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d: %s", resp.StatusCode, body)
	}

	env.clock.Advance(76 * time.Second)

	resp, body = env.do(t, http.MethodGet, "/api/clock", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var clock api.ClockResponse
	if err := json.Unmarshal(body, &clock); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if clock.GlobalTimestamp == nil || *clock.GlobalTimestamp != 100_000 {
		t.Fatalf("globalTimestamp = %v, want 100000", clock.GlobalTimestamp)
	}
	if clock.OffsetSeconds == nil || *clock.OffsetSeconds != 16 {
		t.Errorf("offset = %v, want 16", clock.OffsetSeconds)
	}
	if !clock.Expired {
		t.Error("clip should have played through with loop disabled")
	}

	resp, body = env.do(t, http.MethodGet, "/api/clock?clip=80", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &clock); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if *clock.OffsetSeconds != 76 || clock.Expired {
		t.Errorf("clip=80: offset = %v expired = %v", *clock.OffsetSeconds, clock.Expired)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/clock?clip=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid clip status = %d, want 400", resp.StatusCode)
	}
}

func TestClock_LoopToggle(t *testing.T) {
	env := setupTestServer(t, Config{})
	ctx := context.Background()

	resp, body := env.do(t, http.MethodPost, "/api/clock/loop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d: %s", resp.StatusCode, body)
	}
	gc, err := env.store.Clock().Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !gc.LoopEnabled {
		t.Error("toggle from absent flag should enable looping")
	}

	// A stale known value wins over the stored one.
	resp, _ = env.do(t, http.MethodPost, "/api/clock/loop", `{"known": false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	gc, _ = env.store.Clock().Get(ctx)
	if !gc.LoopEnabled {
		t.Error("toggle from known=false should write true")
	}

	resp, _ = env.do(t, http.MethodPut, "/api/clock/loop", `{"enabled": false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}
	gc, _ = env.store.Clock().Get(ctx)
	if gc.LoopEnabled {
		t.Error("loop should be disabled")
	}

	resp, _ = env.do(t, http.MethodPut, "/api/clock/loop", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing enabled status = %d, want 400", resp.StatusCode)
	}
}

func TestUsers_Lifecycle(t *testing.T) {
	env := setupTestServer(t, Config{})

	record := `{"id":"user_a","instrument":"piano","playing":true,"joinedAt":90000,"activationRecords":[{"start":95000,"end":97000},{"start":99000}]}`
	resp, body := env.do(t, http.MethodPut, "/api/users/user_a", record)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d: %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/users/user_a", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", resp.StatusCode, body)
	}
	var user storage.UserSession
	if err := json.Unmarshal(body, &user); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if user.Instrument != storage.InstrumentPiano || len(user.ActivationRecords) != 2 {
		t.Errorf("unexpected record: %+v", user)
	}

	resp, body = env.do(t, http.MethodGet, "/api/users", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Users []storage.UserSession `json:"users"`
		Count int                   `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/users/user_a/heartbeat", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("heartbeat status = %d, want 204", resp.StatusCode)
	}

	env.clock.Set(101_000)
	resp, body = env.do(t, http.MethodDelete, "/api/users/user_a", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d: %s", resp.StatusCode, body)
	}
	var departure presence.Departure
	if err := json.Unmarshal(body, &departure); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	last := departure.Session.ActivationRecords[1]
	if last.End == nil || *last.End != 101_000 {
		t.Errorf("open interval should close at departure, got %+v", last)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/users/user_a", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/users/user_a/heartbeat", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("heartbeat after delete status = %d, want 404", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/api/users/user_a", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/users/departed", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("departed status = %d", resp.StatusCode)
	}
	var departed struct {
		Departed []presence.Departure `json:"departed"`
		Count    int                  `json:"count"`
	}
	if err := json.Unmarshal(body, &departed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if departed.Count != 1 || departed.Departed[0].Reason != presence.ReasonLeft {
		t.Errorf("unexpected departed log: %s", body)
	}
}

func TestUsers_PutValidation(t *testing.T) {
	env := setupTestServer(t, Config{})

	tests := []struct {
		name string
		path string
		body string
	}{
		{"id mismatch", "/api/users/a", `{"id":"b"}`},
		{"unknown instrument", "/api/users/a", `{"instrument":"kazoo"}`},
		{"open interval not last", "/api/users/a", `{"playing":false,"activationRecords":[{"start":1},{"start":2,"end":3}]}`},
		{"playing without open interval", "/api/users/a", `{"playing":true,"activationRecords":[{"start":1,"end":2}]}`},
		{"unknown field", "/api/users/a", `{"volume":1}`},
		{"malformed", "/api/users/a", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPut, tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", resp.StatusCode, body)
			}
		})
	}
}

func TestStats(t *testing.T) {
	env := setupTestServer(t, Config{})

	_, _ = env.do(t, http.MethodPut, "/api/users/a",
		`{"instrument":"dnb","activationRecords":[{"start":90000,"end":93000}]}`)
	_, _ = env.do(t, http.MethodPut, "/api/users/b",
		`{"instrument":"dnb","playing":true,"activationRecords":[{"start":98000}]}`)

	resp, body := env.do(t, http.MethodGet, "/api/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Snapshot stats.Snapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	dnb := out.Snapshot.Stats[storage.InstrumentDnB]
	if dnb.Count != 2 || dnb.ActiveNow != 1 {
		t.Errorf("dnb = %+v, want count 2 active 1", dnb)
	}
	if dnb.TotalSeconds != 5 {
		t.Errorf("dnb seconds = %v, want 5", dnb.TotalSeconds)
	}
}

func TestCORS(t *testing.T) {
	t.Run("any origin", func(t *testing.T) {
		env := setupTestServer(t, Config{})

		req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/clock", nil)
		req.Header.Set("Origin", "https://stage.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()

		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
		}
	})

	t.Run("restricted origins", func(t *testing.T) {
		env := setupTestServer(t, Config{AllowedOrigins: []string{"https://stage.example.com"}})

		for origin, want := range map[string]string{
			"https://stage.example.com": "https://stage.example.com",
			"https://evil.example.com":  "",
		} {
			req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/clock", nil)
			req.Header.Set("Origin", origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()

			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != want {
				t.Errorf("origin %s: Access-Control-Allow-Origin = %q, want %q", origin, got, want)
			}
		}
	})

	t.Run("invalid origin", func(t *testing.T) {
		if _, err := newCORS([]string{"not a url"}); err == nil {
			t.Error("expected error for malformed origin")
		}
	})
}

func TestEventStream(t *testing.T) {
	env := setupTestServer(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	resp, body := env.do(t, http.MethodPost, "/api/clock/restart", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d: %s", resp.StatusCode, body)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var e storage.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if e.Path != storage.PathGlobalTimestamp {
		t.Fatalf("path = %q, want %q", e.Path, storage.PathGlobalTimestamp)
	}
	if ts, err := e.Timestamp(); err != nil || ts != 100_000 {
		t.Errorf("timestamp = %d, %v", ts, err)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("other clients are limited separately")
	}
}

func TestWriteRoutesAreRateLimited(t *testing.T) {
	env := setupTestServer(t, Config{RateLimit: 1})

	resp, _ := env.do(t, http.MethodPost, "/api/clock/restart", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first restart status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/clock/restart", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second restart status = %d, want 429", resp.StatusCode)
	}

	// Reads are not limited.
	for i := 0; i < 3; i++ {
		resp, _ = env.do(t, http.MethodGet, "/api/clock", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("read %d status = %d", i, resp.StatusCode)
		}
	}
}
