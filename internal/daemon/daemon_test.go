package daemon

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rjlee/actual-monzo-pots/internal/events"
	potsync "github.com/rjlee/actual-monzo-pots/internal/sync"
)

type fakeRunner struct {
	count int
	err   error
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, trigger string) (int, error) {
	f.calls++
	return f.count, f.err
}

// chanSink forwards published events to a channel for test assertions.
type chanSink struct {
	ch chan events.Event
}

func (s *chanSink) Publish(ev events.Event) {
	select {
	case s.ch <- ev:
	default:
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Cron:             "0 * * * *",
		MappingFile:      filepath.Join(t.TempDir(), "mapping.json"),
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(os.Stderr, "", 0),
	}
}

func TestNewRejectsInvalidCron(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron = "not a schedule"

	if _, err := New(cfg, &fakeRunner{}, nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNewSkipsCronValidationWhenDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron = "not a schedule"
	cfg.Disabled = true

	if _, err := New(cfg, &fakeRunner{}, nil); err != nil {
		t.Fatalf("disabled daemon should not validate cron: %v", err)
	}
}

func TestNewRejectsInvalidTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timezone = "Mars/Olympus_Mons"

	if _, err := New(cfg, &fakeRunner{}, nil); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestRunScheduledSkipsWhenInProgress(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(t)
	cfg.Logger = log.New(&buf, "", 0)
	runner := &fakeRunner{err: potsync.ErrRunInProgress}

	d, err := New(cfg, runner, nil)
	if err != nil {
		t.Fatal(err)
	}

	d.runScheduled()

	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls)
	}
	if !strings.Contains(buf.String(), "Skipping scheduled sync") {
		t.Errorf("expected skip log, got: %s", buf.String())
	}
}

func TestRunScheduledLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(t)
	cfg.Logger = log.New(&buf, "", 0)
	runner := &fakeRunner{err: errors.New("boom")}

	d, err := New(cfg, runner, nil)
	if err != nil {
		t.Fatal(err)
	}

	d.runScheduled()

	if !strings.Contains(buf.String(), "Scheduled sync failed") {
		t.Errorf("expected failure log, got: %s", buf.String())
	}
}

func startDaemon(t *testing.T, d *Daemon) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("daemon exited with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	// Give the watcher a moment to establish its watch.
	time.Sleep(50 * time.Millisecond)
	return cancel
}

func TestMappingChangePublishesEvent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Disabled = true
	sink := &chanSink{ch: make(chan events.Event, 10)}

	d, err := New(cfg, &fakeRunner{}, sink)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)

	if err := os.WriteFile(cfg.MappingFile, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sink.ch:
		if ev.Type != events.TypeMappingUpdate {
			t.Errorf("event type = %s, want %s", ev.Type, events.TypeMappingUpdate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no mapping_update event published")
	}
}

func TestUnrelatedFileIgnored(t *testing.T) {
	cfg := testConfig(t)
	cfg.Disabled = true
	sink := &chanSink{ch: make(chan events.Event, 10)}

	d, err := New(cfg, &fakeRunner{}, sink)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)

	other := filepath.Join(filepath.Dir(cfg.MappingFile), "notes.txt")
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sink.ch:
		t.Errorf("unexpected event for unrelated file: %s", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRapidWritesDebounced(t *testing.T) {
	cfg := testConfig(t)
	cfg.Disabled = true
	cfg.DebounceInterval = 100 * time.Millisecond
	sink := &chanSink{ch: make(chan events.Event, 10)}

	d, err := New(cfg, &fakeRunner{}, sink)
	if err != nil {
		t.Fatal(err)
	}
	startDaemon(t, d)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(cfg.MappingFile, []byte("[]"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// One settled notification for the burst.
	select {
	case <-sink.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no event after write burst")
	}
	select {
	case ev := <-sink.ch:
		t.Errorf("expected a single debounced event, got extra %s", ev.Type)
	case <-time.After(300 * time.Millisecond):
	}
}
