// Package config resolves all runtime settings once at startup.
//
// Settings come from three layers, highest precedence first:
//  1. Environment variables (CLIENT_ID, ACTUAL_SERVER_URL, ...)
//  2. A config.yaml / config.json file in the working directory
//  3. Built-in defaults
//
// The result is a fully-resolved, immutable Settings value. Components never
// consult the environment or the config file directly; they receive Settings
// (or a sub-struct of it) at construction time.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the fully-resolved process configuration.
type Settings struct {
	// MappingFile is the path of the persisted pot-to-account mapping.
	MappingFile string

	// HistoryFile is the path of the sync run history database.
	HistoryFile string

	Monzo  MonzoSettings
	Ledger LedgerSettings
	Sync   SyncSettings
	HTTP   HTTPSettings
	Log    LogSettings
}

// MonzoSettings configures the Monzo API client.
type MonzoSettings struct {
	ClientID     string
	ClientSecret string
	AuthEndpoint string
	AuthPath     string
	TokenPath    string
	APIEndpoint  string
	RedirectURI  string
	TokenDir     string
	TokenFile    string
	Scopes       string
}

// LedgerSettings configures the Actual Budget server connection.
type LedgerSettings struct {
	ServerURL string
	Password  string
	SyncID    string
	CacheDir  string
}

// SyncSettings configures the scheduled sync daemon.
type SyncSettings struct {
	Cron     string
	Timezone string
	Disabled bool
}

// HTTPSettings configures the web console.
type HTTPSettings struct {
	Port        int
	AuthEnabled bool
	TLSCert     string
	TLSKey      string
}

// LogSettings configures process logging.
type LogSettings struct {
	Level string
	File  string
}

// keys maps viper keys to the environment variables that override them.
// The env names are kept flat (no prefix) for compatibility with existing
// deployments driven by .env files.
var keys = map[string]string{
	"mapping_file":        "MAPPING_FILE",
	"history_file":        "HISTORY_FILE",
	"client_id":           "CLIENT_ID",
	"client_secret":       "CLIENT_SECRET",
	"monzo_auth_endpoint": "MONZO_AUTH_ENDPOINT",
	"monzo_auth_path":     "MONZO_AUTH_PATH",
	"monzo_token_path":    "MONZO_TOKEN_PATH",
	"monzo_api_endpoint":  "MONZO_API_ENDPOINT",
	"monzo_scopes":        "MONZO_SCOPES",
	"redirect_uri":        "REDIRECT_URI",
	"token_directory":     "TOKEN_DIRECTORY",
	"token_file":          "TOKEN_FILE",
	"actual_server_url":   "ACTUAL_SERVER_URL",
	"actual_password":     "ACTUAL_PASSWORD",
	"actual_sync_id":      "ACTUAL_SYNC_ID",
	"budget_cache_dir":    "BUDGET_CACHE_DIR",
	"sync_cron":           "SYNC_CRON",
	"sync_cron_timezone":  "SYNC_CRON_TIMEZONE",
	"disable_cron":        "DISABLE_CRON_SCHEDULING",
	"http_port":           "HTTP_PORT",
	"ui_auth_enabled":     "UI_AUTH_ENABLED",
	"ssl_cert":            "SSL_CERT",
	"ssl_key":             "SSL_KEY",
	"log_level":           "LOG_LEVEL",
	"log_file":            "LOG_FILE",
}

// Load resolves Settings from the config file (if any) under dir plus the
// environment. A missing config file is not an error; a malformed one is.
func Load(dir string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(dir)

	v.SetDefault("mapping_file", "data/mapping.json")
	v.SetDefault("history_file", "data/history.db")
	v.SetDefault("monzo_api_endpoint", "https://api.monzo.com")
	v.SetDefault("monzo_auth_endpoint", "https://auth.monzo.com")
	v.SetDefault("monzo_token_path", "/oauth2/token")
	v.SetDefault("budget_cache_dir", "budget")
	v.SetDefault("sync_cron", "0 * * * *")
	v.SetDefault("sync_cron_timezone", "UTC")
	v.SetDefault("http_port", 3000)
	v.SetDefault("ui_auth_enabled", true)
	v.SetDefault("log_level", "info")

	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	s := &Settings{
		MappingFile: v.GetString("mapping_file"),
		HistoryFile: v.GetString("history_file"),
		Monzo: MonzoSettings{
			ClientID:     v.GetString("client_id"),
			ClientSecret: v.GetString("client_secret"),
			AuthEndpoint: v.GetString("monzo_auth_endpoint"),
			AuthPath:     v.GetString("monzo_auth_path"),
			TokenPath:    v.GetString("monzo_token_path"),
			APIEndpoint:  v.GetString("monzo_api_endpoint"),
			RedirectURI:  v.GetString("redirect_uri"),
			TokenDir:     v.GetString("token_directory"),
			TokenFile:    v.GetString("token_file"),
			Scopes:       v.GetString("monzo_scopes"),
		},
		Ledger: LedgerSettings{
			ServerURL: v.GetString("actual_server_url"),
			Password:  v.GetString("actual_password"),
			SyncID:    v.GetString("actual_sync_id"),
			CacheDir:  v.GetString("budget_cache_dir"),
		},
		Sync: SyncSettings{
			Cron:     v.GetString("sync_cron"),
			Timezone: v.GetString("sync_cron_timezone"),
			Disabled: v.GetBool("disable_cron"),
		},
		HTTP: HTTPSettings{
			Port:        v.GetInt("http_port"),
			AuthEnabled: v.GetBool("ui_auth_enabled"),
			TLSCert:     v.GetString("ssl_cert"),
			TLSKey:      v.GetString("ssl_key"),
		},
		Log: LogSettings{
			Level: strings.ToLower(v.GetString("log_level")),
			File:  v.GetString("log_file"),
		},
	}

	return s, nil
}

// ValidateLedger reports the configuration errors that make a sync run
// impossible. These are fatal at startup, never silently defaulted.
func (s *Settings) ValidateLedger() error {
	var missing []string
	if s.Ledger.ServerURL == "" {
		missing = append(missing, "ACTUAL_SERVER_URL")
	}
	if s.Ledger.Password == "" {
		missing = append(missing, "ACTUAL_PASSWORD")
	}
	if s.Ledger.SyncID == "" {
		missing = append(missing, "ACTUAL_SYNC_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateMonzo reports the configuration errors that make the Monzo OAuth
// flow impossible. Required only when the console's auth endpoints are used.
func (s *Settings) ValidateMonzo() error {
	var missing []string
	if s.Monzo.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if s.Monzo.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if s.Monzo.RedirectURI == "" {
		missing = append(missing, "REDIRECT_URI")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
