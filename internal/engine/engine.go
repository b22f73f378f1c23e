// Package engine implements pot-to-ledger reconciliation.
//
// For each mapped pot the engine compares the current pot balance against a
// baseline and turns the difference into exactly one ledger transaction. The
// baseline is the ledger's own reported balance where available (guarding
// against a stale or hand-edited mapping file), falling back to the stored
// watermark. A pot's watermark advances only after the ledger has accepted
// the transaction, so a failed or interrupted run never loses a delta: the
// unchanged watermark makes the next run redo it.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rjlee/actual-monzo-pots/internal/events"
	"github.com/rjlee/actual-monzo-pots/internal/ledger"
	"github.com/rjlee/actual-monzo-pots/internal/mapping"
	"github.com/rjlee/actual-monzo-pots/internal/monzo"
)

// Result summarizes one reconciliation pass.
type Result struct {
	// Entries is the full mapping collection after the pass, including
	// entries that were skipped or failed unmodified.
	Entries []mapping.Entry

	// Applied counts entries for which a transaction was accepted.
	Applied int

	// Failed counts entries whose transaction submission failed.
	Failed int

	// Skipped counts entries with no matching pot or no valid account.
	Skipped int
}

// Engine reconciles mapping entries against pot snapshots.
type Engine struct {
	store  *mapping.Store
	ledger ledger.Accessor
	logger *log.Logger
	sink   events.Sink
	now    func() time.Time
}

// New creates an Engine. If logger is nil, a default stderr logger is used;
// if sink is nil, events are discarded.
func New(store *mapping.Store, accessor ledger.Accessor, logger *log.Logger, sink events.Sink) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if sink == nil {
		sink = events.Nop()
	}
	return &Engine{
		store:  store,
		ledger: accessor,
		logger: logger,
		sink:   sink,
		now:    time.Now,
	}
}

// Reconcile processes every mapping entry in stored order, submits a
// transaction for each nonzero delta, and persists the updated collection.
//
// Failures are isolated per entry: a pot that cannot be reconciled is logged
// and left with its previous watermark, and processing continues. The
// returned error reports only a failure to persist the collection afterward;
// per-entry outcomes are in the Result. Partial progress is always saved so
// that failed entries retry naturally on the next run.
func (e *Engine) Reconcile(ctx context.Context, entries []mapping.Entry, pots []monzo.Pot, accountIDs []string) (Result, error) {
	potsByID := make(map[string]monzo.Pot, len(pots))
	for _, p := range pots {
		potsByID[p.ID] = p
	}
	validAccounts := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		validAccounts[id] = true
	}

	res := Result{Entries: entries}
	for i := range res.Entries {
		entry := &res.Entries[i]

		pot, ok := potsByID[entry.PotID]
		if !ok {
			e.logger.Printf("WARNING: pot %s not found, skipping", entry.PotID)
			res.Skipped++
			continue
		}
		if entry.AccountID == "" || !validAccounts[entry.AccountID] {
			e.logger.Printf("WARNING: pot %s has no valid target account (%q), skipping", entry.PotID, entry.AccountID)
			res.Skipped++
			continue
		}

		// Prefer the ledger's view of the account as the baseline; the
		// stored watermark may be stale or hand-edited.
		last := entry.LastBalance
		if balance, err := e.ledger.AccountBalance(ctx, entry.AccountID, e.now()); err != nil {
			e.logger.Printf("WARNING: cannot fetch balance for account %s, using stored watermark: %v", entry.AccountID, err)
		} else {
			last = balance
		}

		delta := pot.Balance - last
		if delta == 0 {
			// The watermark is deliberately not rewritten on a no-op
			// pass, even when the ledger reported a different baseline.
			continue
		}

		tx := ledger.Transaction{
			ID:     fmt.Sprintf("%s-%d", pot.ID, e.now().UnixMilli()),
			Date:   e.now().Format("2006-01-02"),
			Amount: delta,
			Payee:  pot.Name,
		}
		e.logger.Printf("Syncing pot %s (%s): delta %d", pot.Name, pot.ID, delta)

		if err := e.ledger.ImportTransaction(ctx, entry.AccountID, tx); err != nil {
			// Watermark stays put; this delta is redone next run.
			e.logger.Printf("ERROR: failed to import transaction for pot %s: %v", pot.ID, err)
			res.Failed++
			continue
		}

		entry.LastBalance = pot.Balance
		res.Applied++
		e.sink.Publish(events.New(events.TypePotSynced, events.PotSyncedData{
			PotID:      pot.ID,
			PotName:    pot.Name,
			AccountID:  entry.AccountID,
			Delta:      delta,
			NewBalance: pot.Balance,
		}))
	}

	// Persist whatever progress was made, even if every entry failed.
	if err := e.store.Save(res.Entries); err != nil {
		return res, fmt.Errorf("saving mapping: %w", err)
	}
	return res, nil
}
