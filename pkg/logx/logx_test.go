package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop() should not be zero")
	}
}

func TestFormatAlertSortsFields(t *testing.T) {
	line := `{"level":"warn","message":"tick failed","time":"x","event_id":7,"comp":"lifecycle"}`
	got := formatAlert([]byte(line))
	want := "[WARN] tick failed\n- comp=lifecycle\n- event_id=7"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
}

func TestFormatAlertRawFallback(t *testing.T) {
	got := formatAlert([]byte("  not json \n"))
	if got != "not json" {
		t.Fatalf("formatAlert raw = %q", got)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) Alert(_ context.Context, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func TestAlertSinkReceivesWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()
	sink := &recordingSink{}
	svc.SetAlertSink(sink)

	log.Info("not forwarded")
	log.Warn("forwarded", Component("test"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("alerts = %d, want 1", sink.count())
	}
	if !strings.Contains(sink.lines[0], "forwarded") {
		t.Fatalf("unexpected alert text %q", sink.lines[0])
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if ParseLevel("warning", zerolog.InfoLevel) != zerolog.WarnLevel {
		t.Fatalf("warning should map to warn")
	}
	if ParseLevel("bogus", zerolog.ErrorLevel) != zerolog.ErrorLevel {
		t.Fatalf("unknown level should fall back to default")
	}
}
