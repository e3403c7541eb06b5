// Package config is the kernel's typed configuration surface, grounded
// on the teacher's package-level viper instance with validated
// typed getters and SetDefault-registered defaults
// (internal/config/sync.go, internal/config/decision.go).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config keys (spec §6 client/server wiring).
const (
	KeyDBPath      = "db.path"
	KeyServerURL   = "server.url"
	KeyAuthToken   = "server.auth-token"
	KeyDeviceID    = "server.device-id"
	KeyHTTPTimeout = "server.http-timeout"
	KeyLogLevel    = "log.level"
)

var v *viper.Viper

// Initialize builds the package-level viper instance. Client bindings
// use the exact environment variable names §6 specifies (SERVER_URL,
// AUTH_TOKEN, DEVICE_ID, DB_PATH) rather than a SMARAGDA_-prefixed
// scheme, so BindEnv is used explicitly instead of AutomaticEnv.
func Initialize() {
	v = viper.New()
	_ = v.BindEnv(KeyServerURL, "SERVER_URL")
	_ = v.BindEnv(KeyAuthToken, "AUTH_TOKEN")
	_ = v.BindEnv(KeyDeviceID, "DEVICE_ID")
	_ = v.BindEnv(KeyDBPath, "DB_PATH")
	_ = v.BindEnv(KeyLogLevel, "LOG_LEVEL")

	v.SetDefault(KeyDBPath, defaultDBPath())
	v.SetDefault(KeyServerURL, "")
	v.SetDefault(KeyAuthToken, "")
	v.SetDefault(KeyDeviceID, "")
	v.SetDefault(KeyHTTPTimeout, "30s")
	v.SetDefault(KeyLogLevel, "info")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "smaragda.db"
	}
	return home + "/.smaragda/smaragda.db"
}

// GetString reads a string config value, nil-safe like the teacher's
// getters (internal/config/config_test.go exercises GetString against a
// nil viper instance deliberately).
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetDuration reads a duration config value, warning to stderr and
// falling back to zero on an unparseable value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	d := v.GetDuration(key)
	if d == 0 && v.GetString(key) != "" {
		fmt.Fprintf(os.Stderr, "warning: invalid duration %q for %s, using 0\n", v.GetString(key), key)
	}
	return d
}

// Settings is the resolved configuration snapshot a CLI command or
// server process acts on.
type Settings struct {
	DBPath      string
	ServerURL   string
	AuthToken   string
	DeviceID    string
	HTTPTimeout time.Duration
	LogLevel    string
}

// Load returns the resolved Settings, initializing the package-level
// viper instance on first use.
func Load() Settings {
	if v == nil {
		Initialize()
	}
	return Settings{
		DBPath:      GetString(KeyDBPath),
		ServerURL:   GetString(KeyServerURL),
		AuthToken:   GetString(KeyAuthToken),
		DeviceID:    GetString(KeyDeviceID),
		HTTPTimeout: GetDuration(KeyHTTPTimeout),
		LogLevel:    GetString(KeyLogLevel),
	}
}
