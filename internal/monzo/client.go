// Package monzo implements the Monzo API client used as the pot source.
//
// A Client is an explicit session object constructed once per process (or per
// test) from resolved settings; there is no package-level singleton. The
// client holds the OAuth tokens, persists the refresh token to disk so that
// restarts do not require a new browser authorization, and transparently
// refreshes the access token once when the API answers 401 or 403.
package monzo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rjlee/actual-monzo-pots/internal/config"
)

// ErrNotAuthenticated indicates no access token is loaded; the operator must
// complete the OAuth flow via the console first.
var ErrNotAuthenticated = errors.New("monzo: not authenticated")

// ErrStateMismatch indicates the OAuth callback state did not match the one
// issued by AuthorizeURL.
var ErrStateMismatch = errors.New("monzo: oauth state mismatch")

// Account is a Monzo current account that may carry pots.
type Account struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Closed      bool   `json:"closed,omitempty"`
}

// Pot is a Monzo pot snapshot. Balance is in minor currency units.
type Pot struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
	Deleted bool   `json:"deleted"`
}

// APIError is returned for non-2xx Monzo API responses.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("monzo API %s returned %d", e.URL, e.StatusCode)
}

// Client is a Monzo API session.
type Client struct {
	cfg        config.MonzoSettings
	httpClient *http.Client
	logger     *log.Logger

	mu           sync.Mutex
	state        string
	accessToken  string
	refreshToken string
}

// NewClient creates a Monzo client from resolved settings.
// If logger is nil, a default stderr logger is used.
func NewClient(cfg config.MonzoSettings, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[monzo] ", log.LstdFlags)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Init loads a previously stored refresh token and uses it to obtain a fresh
// access token. A missing token file is not an error; the client simply
// starts unauthenticated.
func (c *Client) Init(ctx context.Context) error {
	path := c.tokenFilePath()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading stored refresh token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil
	}

	c.mu.Lock()
	c.refreshToken = token
	c.mu.Unlock()

	c.logger.Printf("Loaded stored refresh token, refreshing access token")
	return c.RefreshAccessToken(ctx)
}

// IsAuthenticated reports whether an access token is currently loaded.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken != ""
}

// HasStoredToken reports whether a refresh token file exists on disk.
func (c *Client) HasStoredToken() bool {
	path := c.tokenFilePath()
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// AuthorizeURL returns the Monzo authorization URL to redirect the operator
// to. Each call issues a fresh state value that HandleCallback verifies.
func (c *Client) AuthorizeURL() string {
	c.mu.Lock()
	c.state = uuid.NewString()
	state := c.state
	c.mu.Unlock()

	params := url.Values{
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURI},
		"response_type": {"code"},
		"state":         {state},
	}
	if c.cfg.Scopes != "" {
		params.Set("scope", c.cfg.Scopes)
	}

	sep := "?"
	if c.cfg.AuthPath == "" {
		sep = "/?"
	}
	return c.cfg.AuthEndpoint + c.cfg.AuthPath + sep + params.Encode()
}

// HandleCallback completes the OAuth flow: it verifies the state, exchanges
// the code for tokens, persists the refresh token, and validates the new
// access token against the whoami endpoint.
func (c *Client) HandleCallback(ctx context.Context, code, state string) error {
	c.mu.Lock()
	expected := c.state
	c.mu.Unlock()
	if state == "" || state != expected {
		return ErrStateMismatch
	}

	c.logger.Printf("OAuth callback received, exchanging code for tokens")
	if err := c.exchangeToken(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"redirect_uri":  {c.cfg.RedirectURI},
		"code":          {code},
	}); err != nil {
		return err
	}

	if _, err := c.WhoAmI(ctx); err != nil {
		return fmt.Errorf("validating access token: %w", err)
	}
	c.logger.Printf("Access token validated via whoami")
	return nil
}

// RefreshAccessToken exchanges the stored refresh token for a new token pair.
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return ErrNotAuthenticated
	}

	c.logger.Printf("Refreshing access token")
	return c.exchangeToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refresh},
	})
}

// ListAccounts returns the accounts visible to the authenticated user.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.get(ctx, "/accounts", &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// ListPots returns the pots belonging to the given current account,
// including pots flagged as deleted; callers filter those.
func (c *Client) ListPots(ctx context.Context, accountID string) ([]Pot, error) {
	var resp struct {
		Pots []Pot `json:"pots"`
	}
	path := "/pots?current_account_id=" + url.QueryEscape(accountID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Pots, nil
}

// WhoAmI validates the current access token and returns the user id.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := c.get(ctx, "/ping/whoami", &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// get performs an authenticated GET with a single transparent
// refresh-and-retry on 401/403. The retry is bounded: one refresh, one
// re-issue, then the failure propagates.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	err := c.doGet(ctx, path, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		c.mu.Lock()
		hasRefresh := c.refreshToken != ""
		c.mu.Unlock()
		if hasRefresh {
			c.logger.Printf("Request %s unauthorized, attempting token refresh", path)
			if refreshErr := c.RefreshAccessToken(ctx); refreshErr != nil {
				return fmt.Errorf("refreshing after %d: %w", apiErr.StatusCode, refreshErr)
			}
			return c.doGet(ctx, path, out)
		}
	}
	return err
}

func (c *Client) doGet(ctx context.Context, path string, out interface{}) error {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	if token == "" {
		return ErrNotAuthenticated
	}

	u := c.cfg.APIEndpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("monzo API %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, URL: path, Body: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}

// exchangeToken posts to the token endpoint and stores the resulting pair.
func (c *Client) exchangeToken(ctx context.Context, form url.Values) error {
	u := c.cfg.APIEndpoint + c.cfg.TokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, URL: c.cfg.TokenPath, Body: string(body)}
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &tokens); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	return c.storeTokens(tokens.AccessToken, tokens.RefreshToken)
}

// storeTokens updates the in-memory tokens and persists the refresh token.
func (c *Client) storeTokens(access, refresh string) error {
	c.mu.Lock()
	c.accessToken = access
	c.refreshToken = refresh
	c.mu.Unlock()

	path := c.tokenFilePath()
	if path == "" || refresh == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(refresh), 0600); err != nil {
		return fmt.Errorf("persisting refresh token: %w", err)
	}
	c.logger.Printf("Refresh token persisted")
	return nil
}

func (c *Client) tokenFilePath() string {
	if c.cfg.TokenDir == "" || c.cfg.TokenFile == "" {
		return ""
	}
	return filepath.Join(c.cfg.TokenDir, c.cfg.TokenFile)
}
