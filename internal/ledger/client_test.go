package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rjlee/actual-monzo-pots/internal/config"
)

type fakeBudgetServer struct {
	token        string
	syncCalls    int
	importedTxns []Transaction
}

func (f *fakeBudgetServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.token = "session-token"
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"token": f.token},
		})
	})
	mux.HandleFunc("POST /budgets/budget-1/sync", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.syncCalls++
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /budgets/budget-1/accounts", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []Account{{ID: "acct_a", Name: "Savings Pot"}, {ID: "acct_b", Name: "Holiday Pot"}},
		})
	})
	mux.HandleFunc("GET /budgets/budget-1/accounts/acct_a/balance", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("cutoff") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int64{"data": 4250})
	})
	mux.HandleFunc("POST /budgets/budget-1/accounts/acct_a/transactions/import", func(w http.ResponseWriter, r *http.Request) {
		if !f.authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Transaction Transaction `json:"transaction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.importedTxns = append(f.importedTxns, req.Transaction)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeBudgetServer) authed(r *http.Request) bool {
	return f.token != "" && r.Header.Get("X-Actual-Token") == f.token
}

func newTestLedger(t *testing.T) (*Client, *fakeBudgetServer, func()) {
	t.Helper()
	f := &fakeBudgetServer{}
	srv := httptest.NewServer(f.handler())

	c, err := NewClient(config.LedgerSettings{
		ServerURL: srv.URL,
		Password:  "hunter2",
		SyncID:    "budget-1",
	}, log.New(io.Discard, "", 0))
	if err != nil {
		srv.Close()
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, f, srv.Close
}

func TestNewClientRequiresSettings(t *testing.T) {
	_, err := NewClient(config.LedgerSettings{ServerURL: "http://x"}, log.New(io.Discard, "", 0))
	if err == nil {
		t.Fatal("expected error for missing password and sync id")
	}
}

func TestOpenPullsRemoteState(t *testing.T) {
	c, f, done := newTestLedger(t)
	defer done()

	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if f.syncCalls != 1 {
		t.Errorf("expected one sync (pull) during Open, got %d", f.syncCalls)
	}
}

func TestOpenBadPassword(t *testing.T) {
	f := &fakeBudgetServer{}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	c, err := NewClient(config.LedgerSettings{
		ServerURL: srv.URL,
		Password:  "wrong",
		SyncID:    "budget-1",
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := c.Open(context.Background()); err == nil {
		t.Fatal("expected Open to fail with a bad password")
	}
}

func TestOperationsRequireOpenSession(t *testing.T) {
	c, _, done := newTestLedger(t)
	defer done()

	_, err := c.Accounts(context.Background())
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestAccountsAndBalance(t *testing.T) {
	c, _, done := newTestLedger(t)
	defer done()
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	accounts, err := c.Accounts(context.Background())
	if err != nil {
		t.Fatalf("Accounts failed: %v", err)
	}
	if len(accounts) != 2 || accounts[0].ID != "acct_a" {
		t.Errorf("unexpected accounts: %+v", accounts)
	}

	balance, err := c.AccountBalance(context.Background(), "acct_a", time.Now())
	if err != nil {
		t.Fatalf("AccountBalance failed: %v", err)
	}
	if balance != 4250 {
		t.Errorf("expected balance 4250, got %d", balance)
	}
}

func TestImportTransaction(t *testing.T) {
	c, f, done := newTestLedger(t)
	defer done()
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tx := Transaction{ID: "pot_1-1700000000000", Date: "2026-08-31", Amount: -350, Payee: "Savings"}
	if err := c.ImportTransaction(context.Background(), "acct_a", tx); err != nil {
		t.Fatalf("ImportTransaction failed: %v", err)
	}
	if len(f.importedTxns) != 1 {
		t.Fatalf("expected 1 imported transaction, got %d", len(f.importedTxns))
	}
	if f.importedTxns[0] != tx {
		t.Errorf("transaction was altered in flight: %+v", f.importedTxns[0])
	}
}

func TestCloseThenReuseFails(t *testing.T) {
	c, _, done := newTestLedger(t)
	defer done()
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := c.Accounts(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after Close, got %v", err)
	}
}
