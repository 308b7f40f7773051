/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package miraapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mira-gis/mira/geocode"
	"github.com/mira-gis/mira/mira"
)

// Config describes the server configuration. It is loaded from a JSON
// file, then overridden by MIRA_* environment variables (which may come
// from a .env file).
type Config struct {
	// The listen address to bind the socket to.
	Listen string `json:"listen,omitempty" env:"LISTEN"`

	// Extra origins (besides the loopback ones) allowed to call the API.
	AllowedOrigins []string `json:"allowed_origins,omitempty" env:"ORIGIN" envSeparator:","`

	// Where preview blobs are kept while the server runs.
	CacheDir string `json:"cache_dir,omitempty" env:"CACHE_DIR"`

	// The geocoding service.
	NominatimURL      string   `json:"nominatim_url,omitempty" env:"NOMINATIM_URL"`
	UserAgent         string   `json:"user_agent,omitempty" env:"USER_AGENT"`
	GeocoderTimeout   Duration `json:"geocoder_timeout,omitempty" env:"GEOCODER_TIMEOUT"`
	GeocoderRateLimit float64  `json:"geocoder_rps,omitempty" env:"GEOCODER_RPS"`

	// Pause before each upload batch; "0s" disables it.
	BatchDelay Duration `json:"batch_delay" env:"BATCH_DELAY"`

	// If true, API calls need a session token from the login command.
	RequireLogin bool   `json:"require_login,omitempty" env:"REQUIRE_LOGIN"`
	JWTSecret    string `json:"jwt_secret,omitempty" env:"JWT_SECRET"`

	// The admin account created at startup.
	AdminName     string `json:"admin_name,omitempty" env:"ADMIN_NAME"`
	AdminBadge    string `json:"admin_badge,omitempty" env:"ADMIN_USER"`
	AdminPassword string `json:"admin_password,omitempty" env:"ADMIN_PASSWORD"`

	// The session token the command line client sends to a server that
	// requires login.
	SessionToken string `json:"-" env:"TOKEN"`

	// How many fake records to show at startup, for demonstrations.
	DemoRecords int `json:"demo_records,omitempty" env:"DEMO_RECORDS"`
}

// LoadConfig reads the config file at path (a missing file is fine if it
// is the default path), loads a .env file from the working directory if
// there is one, and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{BatchDelay: Duration(mira.DefaultBatchDelay)}

	cfgBytes, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigFilePath():
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := json.Unmarshal(cfgBytes, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "MIRA_"}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	return cfg, nil
}

func (cfg *Config) listenAddr() string {
	if cfg.Listen != "" {
		return cfg.Listen
	}
	return defaultAdminAddr
}

func (cfg *Config) cacheDir() string {
	if cfg.CacheDir != "" {
		return cfg.CacheDir
	}
	return DefaultCacheDir()
}

func (cfg *Config) dashboardOptions() mira.Options {
	return mira.Options{
		CacheDir: cfg.cacheDir(),
		Geocoder: geocode.Options{
			BaseURL:           cfg.NominatimURL,
			UserAgent:         cfg.UserAgent,
			Timeout:           time.Duration(cfg.GeocoderTimeout),
			RequestsPerSecond: cfg.GeocoderRateLimit,
		},
		BatchDelay:    time.Duration(cfg.BatchDelay),
		AdminName:     cfg.AdminName,
		AdminBadge:    cfg.AdminBadge,
		AdminPassword: cfg.AdminPassword,
		DemoRecords:   cfg.DemoRecords,
	}
}

// Duration is a time.Duration written as a string like "200ms" in config
// files and environment variables.
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalText formats d as a duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultConfigFilePath returns the file path where
// configuration is read from by default.
func DefaultConfigFilePath() string {
	cfgDir, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(cfgDir, "mira", "config.json")
	}
	cfgDir, err = os.UserHomeDir()
	if err == nil {
		return filepath.Join(cfgDir, ".mira", "config.json")
	}
	return filepath.Join(".mira", "config.json")
}

// DefaultCacheDir returns the directory where
// preview blobs are kept by default.
func DefaultCacheDir() string {
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		return filepath.Join(cacheDir, "mira", "previews")
	}
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(homeDir, ".mira", "cache", "previews")
	}
	return filepath.Join(".mira", "cache", "previews")
}

const defaultAdminAddr = "127.0.0.1:12010"
