package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjlee/actual-monzo-pots/internal/history"
	"github.com/rjlee/actual-monzo-pots/internal/ledger"
	"github.com/rjlee/actual-monzo-pots/internal/mapping"
	"github.com/rjlee/actual-monzo-pots/internal/monzo"
)

type fakePotSource struct {
	initErr  error
	accounts []monzo.Account
	pots     map[string][]monzo.Pot
	listErr  error
	block    chan struct{} // when set, Init blocks until closed
}

func (f *fakePotSource) Init(ctx context.Context) error {
	if f.block != nil {
		<-f.block
	}
	return f.initErr
}

func (f *fakePotSource) ListAccounts(ctx context.Context) ([]monzo.Account, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.accounts, nil
}

func (f *fakePotSource) ListPots(ctx context.Context, accountID string) ([]monzo.Pot, error) {
	return f.pots[accountID], nil
}

type fakeSession struct {
	openErr     error
	accountsErr error
	accounts    []ledger.Account
	balances    map[string]int64
	imported    []ledger.Transaction
	opened      bool
	synced      int
	closed      int
}

func (f *fakeSession) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeSession) Sync(ctx context.Context) error {
	f.synced++
	return nil
}

func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

func (f *fakeSession) Accounts(ctx context.Context) ([]ledger.Account, error) {
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	return f.accounts, nil
}

func (f *fakeSession) AccountBalance(ctx context.Context, accountID string, asOf time.Time) (int64, error) {
	balance, ok := f.balances[accountID]
	if !ok {
		return 0, errors.New("no balance")
	}
	return balance, nil
}

func (f *fakeSession) ImportTransaction(ctx context.Context, accountID string, tx ledger.Transaction) error {
	f.imported = append(f.imported, tx)
	return nil
}

func newTestRunner(t *testing.T, pots *fakePotSource, session *fakeSession) (*Runner, *mapping.Store) {
	t.Helper()
	store := mapping.NewStore(filepath.Join(t.TempDir(), "mapping.json"), log.New(io.Discard, "", 0))
	return NewRunner(store, pots, session, nil, log.New(io.Discard, "", 0), nil), store
}

func TestRunAppliesChanges(t *testing.T) {
	pots := &fakePotSource{
		accounts: []monzo.Account{{ID: "acc_1"}, {ID: "acc_2"}},
		pots: map[string][]monzo.Pot{
			"acc_1": {
				{ID: "pot_1", Name: "Savings", Balance: 300},
				{ID: "pot_dead", Name: "Closed", Balance: 50, Deleted: true},
			},
			"acc_2": {
				{ID: "pot_2", Name: "Holiday", Balance: 80},
			},
		},
	}
	session := &fakeSession{
		accounts: []ledger.Account{{ID: "a1"}, {ID: "a2"}},
		balances: map[string]int64{"a1": 100, "a2": 80},
	}
	runner, store := newTestRunner(t, pots, session)
	if err := store.Save([]mapping.Entry{
		{PotID: "pot_1", AccountID: "a1", LastBalance: 100},
		{PotID: "pot_2", AccountID: "a2", LastBalance: 80},
		{PotID: "pot_dead", AccountID: "a1", LastBalance: 50},
	}); err != nil {
		t.Fatalf("seeding mapping failed: %v", err)
	}

	applied, err := runner.Run(context.Background(), "cli")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// pot_1 moved 100 -> 300; pot_2 unchanged; pot_dead filtered out as
	// deleted and therefore skipped with its watermark intact.
	if applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}
	if len(session.imported) != 1 || session.imported[0].Amount != 200 {
		t.Errorf("unexpected imports: %+v", session.imported)
	}

	saved := store.Load()
	if saved[0].LastBalance != 300 {
		t.Errorf("expected pot_1 watermark 300, got %d", saved[0].LastBalance)
	}
	if saved[2].LastBalance != 50 {
		t.Errorf("deleted pot watermark should be untouched, got %d", saved[2].LastBalance)
	}

	if session.synced != 1 || session.closed != 1 {
		t.Errorf("expected push and close on teardown, got synced=%d closed=%d", session.synced, session.closed)
	}
}

func TestMonzoInitFailureAbortsBeforeLedger(t *testing.T) {
	pots := &fakePotSource{initErr: errors.New("token expired")}
	session := &fakeSession{}
	runner, _ := newTestRunner(t, pots, session)

	applied, err := runner.Run(context.Background(), "schedule")
	if err == nil {
		t.Fatal("expected error when Monzo init fails")
	}
	if applied != 0 {
		t.Errorf("expected 0 applied, got %d", applied)
	}
	if session.opened {
		t.Error("ledger session must not be opened when Monzo init fails")
	}
}

func TestLedgerOpenFailureAborts(t *testing.T) {
	pots := &fakePotSource{}
	session := &fakeSession{openErr: errors.New("connection refused")}
	runner, _ := newTestRunner(t, pots, session)

	applied, err := runner.Run(context.Background(), "schedule")
	if err == nil {
		t.Fatal("expected error when ledger open fails")
	}
	if applied != 0 {
		t.Errorf("expected 0 applied, got %d", applied)
	}
	if session.closed != 0 {
		t.Error("a session that never opened must not be torn down")
	}
}

func TestTeardownRunsOnFetchFailure(t *testing.T) {
	pots := &fakePotSource{}
	session := &fakeSession{accountsErr: errors.New("server error")}
	runner, _ := newTestRunner(t, pots, session)

	_, err := runner.Run(context.Background(), "schedule")
	if err == nil {
		t.Fatal("expected error when account fetch fails")
	}
	if session.synced != 1 || session.closed != 1 {
		t.Errorf("expected teardown despite fetch failure, got synced=%d closed=%d", session.synced, session.closed)
	}
}

func TestSingleFlight(t *testing.T) {
	block := make(chan struct{})
	pots := &fakePotSource{block: block}
	session := &fakeSession{}
	runner, _ := newTestRunner(t, pots, session)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = runner.Run(context.Background(), "schedule")
	}()

	// Wait until the first run is inside Init.
	for !runner.InFlight() {
		time.Sleep(time.Millisecond)
	}

	if _, err := runner.Run(context.Background(), "console"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	close(block)
	<-done

	// The flag resets when the run settles, so a new run is accepted.
	if _, err := runner.Run(context.Background(), "console"); errors.Is(err, ErrRunInProgress) {
		t.Fatal("run-in-progress flag was not reset")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	pots := &fakePotSource{
		accounts: []monzo.Account{{ID: "acc_1"}},
		pots: map[string][]monzo.Pot{
			"acc_1": {{ID: "pot_1", Name: "Savings", Balance: 500}},
		},
	}
	session := &fakeSession{
		accounts: []ledger.Account{{ID: "a1"}},
		balances: map[string]int64{"a1": 0},
	}

	store := mapping.NewStore(filepath.Join(t.TempDir(), "mapping.json"), log.New(io.Discard, "", 0))
	if err := store.Save([]mapping.Entry{{PotID: "pot_1", AccountID: "a1"}}); err != nil {
		t.Fatalf("seeding mapping failed: %v", err)
	}

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("opening history failed: %v", err)
	}
	defer hist.Close()

	runner := NewRunner(store, pots, session, hist, log.New(io.Discard, "", 0), nil)
	applied, err := runner.Run(context.Background(), "console")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}

	runs, err := hist.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(runs))
	}
	if runs[0].Trigger != "console" || runs[0].Applied != 1 {
		t.Errorf("unexpected run record: %+v", runs[0])
	}
}
