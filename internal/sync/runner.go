// Package sync orchestrates one full reconciliation run.
//
// A run acquires the Monzo session, opens the budget session, gathers pot
// snapshots and ledger accounts, hands them to the reconciliation engine, and
// tears the sessions down whatever happens in between. Runs are single-flight
// at the process level: scheduled and console-triggered syncs share one
// Runner, and a trigger arriving while a run is in flight is refused rather
// than queued.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/rjlee/actual-monzo-pots/internal/engine"
	"github.com/rjlee/actual-monzo-pots/internal/events"
	"github.com/rjlee/actual-monzo-pots/internal/history"
	"github.com/rjlee/actual-monzo-pots/internal/ledger"
	"github.com/rjlee/actual-monzo-pots/internal/mapping"
	"github.com/rjlee/actual-monzo-pots/internal/monzo"
)

// ErrRunInProgress is returned when a run is triggered while another is
// still in flight.
var ErrRunInProgress = errors.New("sync: run already in progress")

// PotSource supplies pot balances. *monzo.Client implements it.
type PotSource interface {
	Init(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]monzo.Account, error)
	ListPots(ctx context.Context, accountID string) ([]monzo.Pot, error)
}

// LedgerSession is the budget session lifecycle plus the accessor the engine
// reconciles against. *ledger.Client implements it.
type LedgerSession interface {
	ledger.Accessor
	Open(ctx context.Context) error
	Sync(ctx context.Context) error
	Close() error
}

// Runner executes sync runs.
type Runner struct {
	store   *mapping.Store
	pots    PotSource
	ledger  LedgerSession
	history *history.DB // optional
	logger  *log.Logger
	sink    events.Sink

	inFlight atomic.Bool
}

// NewRunner creates a Runner. history may be nil to skip run recording; if
// logger is nil a default stderr logger is used; if sink is nil events are
// discarded.
func NewRunner(store *mapping.Store, pots PotSource, session LedgerSession, hist *history.DB, logger *log.Logger, sink events.Sink) *Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if sink == nil {
		sink = events.Nop()
	}
	return &Runner{
		store:   store,
		pots:    pots,
		ledger:  session,
		history: hist,
		logger:  logger,
		sink:    sink,
	}
}

// SetSink replaces the event sink. Call before the first Run; the runner is
// constructed before the console that consumes its events.
func (r *Runner) SetSink(sink events.Sink) {
	if sink == nil {
		sink = events.Nop()
	}
	r.sink = sink
}

// Run performs one sync and returns the number of applied pot changes.
//
// trigger names what started the run ("schedule", "console", "cli") and is
// recorded in the run history. External-service failures abort the run with
// zero applied changes and a descriptive error; they never panic. A second
// concurrent Run returns ErrRunInProgress immediately.
func (r *Runner) Run(ctx context.Context, trigger string) (int, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return 0, ErrRunInProgress
	}
	defer r.inFlight.Store(false)

	started := time.Now()
	r.logger.Printf("Sync run started (trigger=%s)", trigger)
	r.sink.Publish(events.New(events.TypeRunStarted, events.RunStartedData{Trigger: trigger}))

	res, err := r.run(ctx)

	r.record(ctx, started, trigger, res, err)
	r.publishComplete(started, res, err)

	if err != nil {
		r.logger.Printf("Sync run failed: %v", err)
		return res.Applied, err
	}
	r.logger.Printf("Sync run complete: %d applied, %d failed, %d skipped", res.Applied, res.Failed, res.Skipped)
	return res.Applied, nil
}

// InFlight reports whether a run is currently executing.
func (r *Runner) InFlight() bool {
	return r.inFlight.Load()
}

func (r *Runner) run(ctx context.Context) (engine.Result, error) {
	entries := r.store.Load()
	r.logger.Printf("Loaded %d mapping entries from %s", len(entries), r.store.Path())

	if err := r.pots.Init(ctx); err != nil {
		return engine.Result{}, fmt.Errorf("initializing Monzo session: %w", err)
	}

	if err := r.ledger.Open(ctx); err != nil {
		return engine.Result{}, fmt.Errorf("opening budget: %w", err)
	}
	defer func() {
		// Push local changes upstream before releasing the session.
		// Both steps are best-effort: a teardown failure must not mask
		// the run's outcome.
		if err := r.ledger.Sync(ctx); err != nil {
			r.logger.Printf("WARNING: failed to push budget changes: %v", err)
		}
		if err := r.ledger.Close(); err != nil {
			r.logger.Printf("WARNING: failed to close budget session: %v", err)
		}
	}()

	accounts, err := r.ledger.Accounts(ctx)
	if err != nil {
		return engine.Result{}, fmt.Errorf("fetching ledger accounts: %w", err)
	}
	accountIDs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		accountIDs = append(accountIDs, a.ID)
	}

	pots, err := r.fetchPots(ctx)
	if err != nil {
		return engine.Result{}, err
	}

	eng := engine.New(r.store, r.ledger, r.logger, r.sink)
	res, err := eng.Reconcile(ctx, entries, pots, accountIDs)
	if err != nil {
		// Watermark advances that weren't saved are simply redone next
		// run; the applied transactions themselves are already durable.
		r.logger.Printf("ERROR: failed to persist mapping: %v", err)
	}
	return res, nil
}

// fetchPots gathers pots across every pot-bearing account, dropping pots
// flagged as deleted.
func (r *Runner) fetchPots(ctx context.Context) ([]monzo.Pot, error) {
	accounts, err := r.pots.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching Monzo accounts: %w", err)
	}

	var pots []monzo.Pot
	for _, acct := range accounts {
		acctPots, err := r.pots.ListPots(ctx, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching pots for account %s: %w", acct.ID, err)
		}
		for _, p := range acctPots {
			if p.Deleted {
				continue
			}
			pots = append(pots, p)
		}
	}
	return pots, nil
}

func (r *Runner) record(ctx context.Context, started time.Time, trigger string, res engine.Result, runErr error) {
	if r.history == nil {
		return
	}
	run := history.Run{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Trigger:    trigger,
		Applied:    res.Applied,
		Failed:     res.Failed,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if _, err := r.history.RecordRun(ctx, run); err != nil {
		r.logger.Printf("WARNING: failed to record run history: %v", err)
	}
}

func (r *Runner) publishComplete(started time.Time, res engine.Result, runErr error) {
	data := events.RunCompleteData{
		Applied:  res.Applied,
		Failed:   res.Failed,
		Duration: time.Since(started).Round(time.Millisecond).String(),
	}
	if runErr != nil {
		data.Error = runErr.Error()
	}
	r.sink.Publish(events.New(events.TypeRunComplete, data))
}
