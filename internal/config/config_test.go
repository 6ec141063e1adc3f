package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_GMAIL_CLIENT_ID", "gmail-id")
	t.Setenv("GOOGLE_GMAIL_CLIENT_SECRET", "gmail-secret")
	t.Setenv("GOOGLE_DRIVE_CLIENT_ID", "drive-id")
	t.Setenv("GOOGLE_DRIVE_CLIENT_SECRET", "drive-secret")
	t.Setenv("GOOGLE_DRIVE_FOLDER_LOCATION", "billing/all-expenses")
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FETCH_INVOICES_DAY", "15")
	t.Setenv("TARGET_KEYWORDS_TO_FETCH_AND_DOWNLOAD", "invoice, receipt ,fatura")
	t.Setenv("ACTIVITY_LOG_DB_PATH", "/tmp/activity.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gmail-id", cfg.GmailClientID)
	assert.Equal(t, "drive-secret", cfg.DriveClientSecret)
	assert.Equal(t, "billing/all-expenses", cfg.DriveFolderPath)
	assert.Equal(t, 15, cfg.FetchDay)
	assert.Equal(t, []string{"invoice", "receipt", "fatura"}, cfg.Keywords)
	assert.Equal(t, "/tmp/activity.db", cfg.LogDBPath)
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FETCH_INVOICES_DAY", "")
	t.Setenv("TARGET_KEYWORDS_TO_FETCH_AND_DOWNLOAD", "")
	t.Setenv("ACTIVITY_LOG_DB_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.FetchDay, "scheduling disabled by default")
	assert.Equal(t, DefaultKeywords, cfg.Keywords)
	assert.Empty(t, cfg.LogDBPath)
}

func TestLoadMissingCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GOOGLE_DRIVE_CLIENT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_DRIVE_CLIENT_SECRET")
}

func TestLoadMissingFolderPath(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GOOGLE_DRIVE_FOLDER_LOCATION", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_DRIVE_FOLDER_LOCATION")
}

func TestLoadInvalidFetchDay(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FETCH_INVOICES_DAY", "42")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FETCH_INVOICES_DAY")
}

func TestBaseSegments(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"billing", []string{"billing"}},
		{"billing/all-expenses", []string{"billing", "all-expenses"}},
		{"/billing//all-expenses/", []string{"billing", "all-expenses"}},
		{" billing / expenses ", []string{"billing", "expenses"}},
	}
	for _, tt := range tests {
		cfg := &Config{DriveFolderPath: tt.path}
		assert.Equal(t, tt.want, cfg.BaseSegments(), "path %q", tt.path)
	}
}
