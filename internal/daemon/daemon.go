// Package daemon runs scheduled syncs and watches the mapping file.
//
// The daemon:
// 1. Triggers a sync run on a cron schedule
// 2. Skips a scheduled run when the previous one is still in flight
// 3. Watches the mapping file and notifies console clients of edits
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/rjlee/actual-monzo-pots/internal/events"
	potsync "github.com/rjlee/actual-monzo-pots/internal/sync"
)

// SyncRunner triggers sync runs. *sync.Runner implements it.
type SyncRunner interface {
	Run(ctx context.Context, trigger string) (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Cron is the schedule expression for sync runs (standard five-field).
	Cron string

	// Timezone resolves the cron schedule. Empty means local time.
	Timezone string

	// Disabled turns off scheduled runs; the watcher still runs.
	Disabled bool

	// MappingFile is the mapping file to watch for out-of-band edits.
	MappingFile string

	// DebounceInterval batches rapid file events together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// Daemon orchestrates scheduled syncs and mapping file watching.
type Daemon struct {
	config *Config
	runner SyncRunner
	sink   events.Sink

	scheduler *cron.Cron
	watcher   *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   time.Time // zero when no mapping change is queued

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The cron expression and timezone are validated here
// so a bad schedule fails at startup rather than at the first tick.
func New(config *Config, runner SyncRunner, sink events.Sink) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if sink == nil {
		sink = events.Nop()
	}

	if !config.Disabled {
		if _, err := cron.ParseStandard(config.Cron); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", config.Cron, err)
		}
	}

	location := time.Local
	if config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
		}
		location = loc
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:    config,
		runner:    runner,
		sink:      sink,
		scheduler: cron.New(cron.WithLocation(location)),
		watcher:   watcher,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins the daemon's operation and blocks until ctx is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.Disabled {
		d.config.Logger.Println("Scheduled syncs disabled")
	} else {
		if _, err := d.scheduler.AddFunc(d.config.Cron, d.runScheduled); err != nil {
			return fmt.Errorf("failed to schedule sync: %w", err)
		}
		d.scheduler.Start()
		d.config.Logger.Printf("Sync scheduled: %s", d.config.Cron)
	}

	// Watch the directory rather than the file itself: saves replace the
	// file by rename, which drops a watch placed on the old inode.
	dir := filepath.Dir(d.config.MappingFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mapping directory: %w", err)
	}
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch mapping directory %s: %w", dir, err)
	}
	d.config.Logger.Printf("Watching: %s", d.config.MappingFile)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processPending()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A sync run already in flight is
// left to finish on its own context.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	stopCtx := d.scheduler.Stop()
	<-stopCtx.Done()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// runScheduled executes one scheduled sync run.
func (d *Daemon) runScheduled() {
	count, err := d.runner.Run(d.ctx, "schedule")
	if errors.Is(err, potsync.ErrRunInProgress) {
		d.config.Logger.Println("Skipping scheduled sync: previous run still in progress")
		return
	}
	if err != nil {
		d.config.Logger.Printf("Scheduled sync failed: %v", err)
		return
	}
	d.config.Logger.Printf("Scheduled sync complete: %d transaction(s) applied", count)
}

// watchFileEvents monitors filesystem events and queues mapping changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	target := filepath.Clean(d.config.MappingFile)

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			d.queueChange()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records a mapping change for debounced publication.
func (d *Daemon) queueChange() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	d.pending = time.Now()
}

// processPending publishes queued mapping changes once they settle.
func (d *Daemon) processPending() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.publishIfSettled()
		}
	}
}

func (d *Daemon) publishIfSettled() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if d.pending.IsZero() || time.Since(d.pending) < d.config.DebounceInterval {
		return
	}
	d.pending = time.Time{}

	d.config.Logger.Printf("Mapping file changed: %s", d.config.MappingFile)
	d.sink.Publish(events.New(events.TypeMappingUpdate, events.MappingUpdateData{
		Path: d.config.MappingFile,
	}))
}
