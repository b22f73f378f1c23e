package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rjlee/actual-monzo-pots/internal/config"
)

// ErrNotOpen indicates a budget operation was attempted before Open.
var ErrNotOpen = errors.New("ledger: session not open")

// APIError is returned for non-2xx budget server responses.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("budget server %s returned %d", e.URL, e.StatusCode)
}

// Client talks to an Actual Budget server over HTTP. It implements Accessor.
//
// Lifecycle: Open authenticates and pulls remote state, Sync pushes local
// changes upstream, Close releases the session. A Client is built once from
// resolved settings; missing connection settings fail construction.
type Client struct {
	cfg        config.LedgerSettings
	httpClient *http.Client
	logger     *log.Logger

	mu    sync.Mutex
	token string
}

// NewClient validates the connection settings and builds a client.
func NewClient(cfg config.LedgerSettings, logger *log.Logger) (*Client, error) {
	if cfg.ServerURL == "" || cfg.Password == "" || cfg.SyncID == "" {
		return nil, fmt.Errorf("ledger: server URL, password, and sync id are required")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}, nil
}

// Open authenticates with the server and pulls the remote budget state so
// that balances reflect changes made elsewhere.
func (c *Client) Open(ctx context.Context) error {
	c.logger.Printf("Connecting to budget server at %s", c.cfg.ServerURL)

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	err := c.post(ctx, "/login", map[string]string{"password": c.cfg.Password}, &resp)
	if err != nil {
		return fmt.Errorf("budget login: %w", err)
	}

	c.mu.Lock()
	c.token = resp.Data.Token
	c.mu.Unlock()

	if err := c.syncBudget(ctx); err != nil {
		return fmt.Errorf("pulling remote budget state: %w", err)
	}
	c.logger.Printf("Budget session open")
	return nil
}

// Sync pushes local budget changes upstream. Callers treat failures here as
// non-fatal; the changes are retried by the server-side sync on the next run.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.syncBudget(ctx); err != nil {
		return fmt.Errorf("pushing budget changes: %w", err)
	}
	return nil
}

// Close releases the session. Safe to call when the session never opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	return nil
}

// Accounts implements Accessor.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Data []Account `json:"data"`
	}
	if err := c.get(ctx, c.budgetPath("/accounts"), &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// AccountBalance implements Accessor.
func (c *Client) AccountBalance(ctx context.Context, accountID string, asOf time.Time) (int64, error) {
	var resp struct {
		Data int64 `json:"data"`
	}
	path := c.budgetPath("/accounts/"+url.PathEscape(accountID)+"/balance") +
		"?cutoff=" + asOf.Format("2006-01-02")
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Data, nil
}

// ImportTransaction implements Accessor.
func (c *Client) ImportTransaction(ctx context.Context, accountID string, tx Transaction) error {
	path := c.budgetPath("/accounts/" + url.PathEscape(accountID) + "/transactions/import")
	body := map[string]interface{}{"transaction": tx}
	if err := c.post(ctx, path, body, nil); err != nil {
		return fmt.Errorf("importing transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (c *Client) syncBudget(ctx context.Context) error {
	return c.post(ctx, c.budgetPath("/sync"), nil, nil)
}

func (c *Client) budgetPath(suffix string) string {
	return "/budgets/" + url.PathEscape(c.cfg.SyncID) + suffix
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" && path != "/login" {
		return ErrNotOpen
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Actual-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("budget server %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, URL: path, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}
