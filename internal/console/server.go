// Package console serves the web UI for managing the pot-to-account mapping
// and triggering manual syncs.
//
// All routes except login and health sit behind a session cookie; the login
// password is the budget server password. Sync progress is streamed to
// clients over a WebSocket at /ws.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"github.com/shopspring/decimal"

	"github.com/rjlee/actual-monzo-pots/internal/events"
	"github.com/rjlee/actual-monzo-pots/internal/history"
	"github.com/rjlee/actual-monzo-pots/internal/ledger"
	"github.com/rjlee/actual-monzo-pots/internal/mapping"
	"github.com/rjlee/actual-monzo-pots/internal/monzo"
	potsync "github.com/rjlee/actual-monzo-pots/internal/sync"
)

const sessionName = "monzo-pots"

// SyncRunner triggers sync runs. *sync.Runner implements it.
type SyncRunner interface {
	Run(ctx context.Context, trigger string) (int, error)
}

// PotProvider is the Monzo surface the console needs. *monzo.Client
// implements it.
type PotProvider interface {
	IsAuthenticated() bool
	HasStoredToken() bool
	AuthorizeURL() string
	HandleCallback(ctx context.Context, code, state string) error
	ListAccounts(ctx context.Context) ([]monzo.Account, error)
	ListPots(ctx context.Context, accountID string) ([]monzo.Pot, error)
}

// AccountLister opens a short-lived budget session to list accounts.
// *ledger.Client implements it.
type AccountLister interface {
	Open(ctx context.Context) error
	Accounts(ctx context.Context) ([]ledger.Account, error)
	Close() error
}

// Config holds console server configuration.
type Config struct {
	Port        int
	AuthEnabled bool
	Password    string
	TLSCert     string
	TLSKey      string
	Logger      *log.Logger
}

// Server is the console HTTP server.
type Server struct {
	cfg      *Config
	store    *mapping.Store
	runner   SyncRunner
	pots     PotProvider
	accounts AccountLister
	history  *history.DB // optional

	hub      *hub
	sessions *sessions.CookieStore
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	logger   *log.Logger
}

// NewServer builds a console server. history may be nil.
func NewServer(cfg *Config, store *mapping.Store, runner SyncRunner, pots PotProvider, accounts AccountLister, hist *history.DB) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[console] ", log.LstdFlags)
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		pots:     pots,
		accounts: accounts,
		history:  hist,
		hub:      newHub(logger),
		sessions: sessions.NewCookieStore([]byte(cfg.Password)),
		logger:   logger,
	}
	s.sessions.Options.HttpOnly = true
	s.sessions.Options.SameSite = http.SameSiteLaxMode

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /login", s.handleLoginForm)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /auth", s.requireAuth(s.handleAuthorize))
	mux.HandleFunc("GET /auth/callback", s.requireAuth(s.handleAuthCallback))
	mux.HandleFunc("GET /api/data", s.requireAuth(s.handleData))
	mux.HandleFunc("POST /api/mappings", s.requireAuth(s.handleMappings))
	mux.HandleFunc("POST /api/sync", s.requireAuth(s.handleSync))
	mux.HandleFunc("GET /api/runs", s.requireAuth(s.handleRuns))
	mux.HandleFunc("GET /ws", s.requireAuth(s.hub.handleWebSocket))
	mux.HandleFunc("GET /{$}", s.requireAuth(s.handleRoot))
	s.mux = mux

	return s
}

// Sink returns the event sink feeding connected WebSocket clients.
func (s *Server) Sink() events.Sink {
	return s.hub
}

// Handler exposes the route table. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("console listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.hub.start()

	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			s.logger.Printf("Console listening on https://%s", ln.Addr())
			err = s.server.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			s.logger.Printf("Console listening on http://%s", ln.Addr())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Console server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.hub.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("console shutdown: %w", err)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.cfg.Port)
}

// requireAuth gates a handler behind the session cookie. API routes answer
// 401; page routes get the login form.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled || s.authenticated(r) {
			next(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		s.renderLogin(w, "")
	}
}

func (s *Server) authenticated(r *http.Request) bool {
	session, err := s.sessions.Get(r, sessionName)
	if err != nil {
		return false
	}
	authed, _ := session.Values["authenticated"].(bool)
	return authed
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.renderLogin(w, "")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	if r.PostFormValue("password") != s.cfg.Password {
		w.WriteHeader(http.StatusUnauthorized)
		s.renderLogin(w, "Invalid password")
		return
	}

	session, _ := s.sessions.Get(r, sessionName)
	session.Values["authenticated"] = true
	if err := session.Save(r, w); err != nil {
		s.logger.Printf("ERROR: saving session: %v", err)
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.pots.AuthorizeURL(), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if err := s.pots.HandleCallback(r.Context(), code, state); err != nil {
		s.logger.Printf("ERROR: OAuth callback failed: %v", err)
		http.Redirect(w, r, "/?auth=error&message="+url.QueryEscape(err.Error()), http.StatusFound)
		return
	}
	http.Redirect(w, r, "/?auth=success", http.StatusFound)
}

// potView is a pot decorated with a display amount in major units.
type potView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if !s.pots.IsAuthenticated() {
		writeError(w, http.StatusUnauthorized, "monzo authentication required")
		return
	}

	// Pot and account fetches are best-effort: the page renders what it
	// can and shows the rest as empty.
	var pots []potView
	monzoAccounts, err := s.pots.ListAccounts(r.Context())
	if err != nil {
		s.logger.Printf("ERROR: fetching Monzo accounts: %v", err)
	}
	for _, acct := range monzoAccounts {
		acctPots, err := s.pots.ListPots(r.Context(), acct.ID)
		if err != nil {
			s.logger.Printf("ERROR: fetching pots for %s: %v", acct.ID, err)
			continue
		}
		for _, p := range acctPots {
			if p.Deleted {
				continue
			}
			pots = append(pots, potView{
				ID:             p.ID,
				Name:           p.Name,
				Balance:        p.Balance,
				BalanceDisplay: formatMinor(p.Balance),
			})
		}
	}

	var accounts []ledger.Account
	if err := s.accounts.Open(r.Context()); err != nil {
		s.logger.Printf("ERROR: opening budget for account list: %v", err)
	} else {
		if accounts, err = s.accounts.Accounts(r.Context()); err != nil {
			s.logger.Printf("ERROR: fetching budget accounts: %v", err)
		}
		if err := s.accounts.Close(); err != nil {
			s.logger.Printf("WARNING: closing budget session: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"monzoAccounts": monzoAccounts,
		"pots":          pots,
		"accounts":      accounts,
		"mapping":       s.store.Load(),
		"authenticated": len(monzoAccounts) > 0,
	})
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	var entries []mapping.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, http.StatusBadRequest, "invalid mapping payload")
		return
	}
	if err := s.store.Save(entries); err != nil {
		s.logger.Printf("ERROR: saving mapping: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	count, err := s.runner.Run(r.Context(), "console")
	if errors.Is(err, potsync.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []history.Run{})
		return
	}
	runs, err := s.history.RecentRuns(r.Context(), 50)
	if err != nil {
		s.logger.Printf("ERROR: reading run history: %v", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.clientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, indexPage)
}

// formatMinor renders minor currency units as a fixed two-decimal amount.
func formatMinor(v int64) string {
	return decimal.New(v, -2).StringFixed(2)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
