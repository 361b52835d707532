package metrics

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	s := NewServer(ln.Addr().String(), zerolog.Nop())
	s.SetListener(ln)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = s.Stop() }()

	ClockRestarts.Inc()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if !strings.Contains(string(body), "loopsync_clock_restarts_total") {
		t.Error("metrics output should include loopsync_clock_restarts_total")
	}

	resp, err = http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestInstrumentGauges(t *testing.T) {
	UsersConnected.WithLabelValues("dnb").Set(3)
	if got := testutil.ToFloat64(UsersConnected.WithLabelValues("dnb")); got != 3 {
		t.Errorf("loopsync_users{dnb} = %v, want 3", got)
	}
}
