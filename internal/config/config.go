// Package config loads the agent's configuration from environment
// variables, with .env files honoured for local and container runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultKeywords is the search keyword set used when none is configured.
var DefaultKeywords = []string{"invoice", "invoices", "fatura", "faturas"}

// Config carries everything the pipeline and the two authorization flows
// need. Loaded once at startup and treated as read-only afterwards.
type Config struct {
	GmailClientID     string
	GmailClientSecret string
	DriveClientID     string
	DriveClientSecret string

	// DriveFolderPath is the base destination, e.g. "billing/all-expenses".
	DriveFolderPath string

	// FetchDay is the day of month scheduled runs fire on; 0 disables them.
	FetchDay int

	Keywords []string

	// LogDBPath is the activity-log database file; empty disables
	// persistence.
	LogDBPath string
}

// Load reads configuration from the environment. A .env file in the current
// directory, docker/.env or the parent directory is loaded first when
// present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("docker/.env"); err != nil {
			_ = godotenv.Load("../.env")
		}
	}

	cfg := &Config{
		GmailClientID:     os.Getenv("GOOGLE_GMAIL_CLIENT_ID"),
		GmailClientSecret: os.Getenv("GOOGLE_GMAIL_CLIENT_SECRET"),
		DriveClientID:     os.Getenv("GOOGLE_DRIVE_CLIENT_ID"),
		DriveClientSecret: os.Getenv("GOOGLE_DRIVE_CLIENT_SECRET"),
		DriveFolderPath:   os.Getenv("GOOGLE_DRIVE_FOLDER_LOCATION"),
		FetchDay:          getEnvInt("FETCH_INVOICES_DAY", 0),
		Keywords:          getEnvList("TARGET_KEYWORDS_TO_FETCH_AND_DOWNLOAD", DefaultKeywords),
		LogDBPath:         os.Getenv("ACTIVITY_LOG_DB_PATH"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BaseSegments splits the configured destination path into folder segments.
func (c *Config) BaseSegments() []string {
	var out []string
	for _, seg := range strings.Split(c.DriveFolderPath, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func (c *Config) validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%s not set in environment or .env", name)
	}
	if c.GmailClientID == "" {
		return missing("GOOGLE_GMAIL_CLIENT_ID")
	}
	if c.GmailClientSecret == "" {
		return missing("GOOGLE_GMAIL_CLIENT_SECRET")
	}
	if c.DriveClientID == "" {
		return missing("GOOGLE_DRIVE_CLIENT_ID")
	}
	if c.DriveClientSecret == "" {
		return missing("GOOGLE_DRIVE_CLIENT_SECRET")
	}
	if c.DriveFolderPath == "" {
		return missing("GOOGLE_DRIVE_FOLDER_LOCATION")
	}
	if c.FetchDay < 0 || c.FetchDay > 31 {
		return fmt.Errorf("FETCH_INVOICES_DAY must be between 1 and 31 when set")
	}
	if len(c.Keywords) == 0 {
		return fmt.Errorf("TARGET_KEYWORDS_TO_FETCH_AND_DOWNLOAD must contain at least one keyword")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
