package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flowSettings struct {
	Debounce   time.Duration `env:"TEST_PF_DEBOUNCE" envDefault:"300ms"`
	RetryLimit int           `env:"TEST_PF_RETRY_LIMIT" envDefault:"3"`
	Currency   string        `env:"TEST_PF_CURRENCY" envDefault:"usd"`
	CryptoOn   bool          `env:"TEST_PF_CRYPTO_ENABLED" envDefault:"false"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg flowSettings
	require.NoError(t, Load(&cfg))

	assert.Equal(t, 300*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 3, cfg.RetryLimit)
	assert.Equal(t, "usd", cfg.Currency)
	assert.False(t, cfg.CryptoOn)
}

func TestLoad_FromEnvVars(t *testing.T) {
	t.Setenv("TEST_PF_DEBOUNCE", "1s")
	t.Setenv("TEST_PF_RETRY_LIMIT", "5")
	t.Setenv("TEST_PF_CURRENCY", "eur")
	t.Setenv("TEST_PF_CRYPTO_ENABLED", "true")

	var cfg flowSettings
	require.NoError(t, Load(&cfg))

	assert.Equal(t, time.Second, cfg.Debounce)
	assert.Equal(t, 5, cfg.RetryLimit)
	assert.Equal(t, "eur", cfg.Currency)
	assert.True(t, cfg.CryptoOn)
}

type secretSettings struct {
	APIKey string `env:"TEST_PF_API_KEY,required"`
}

func TestLoad_RequiredFieldMissing(t *testing.T) {
	var cfg secretSettings
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("TEST_PF_DEBOUNCE", "soon")

	var cfg flowSettings
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

type providerSettings struct {
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost"`
	APIKey  string `env:"API_KEY"`
}

func TestLoadWithPrefix(t *testing.T) {
	t.Setenv("TEST_COMMERCE_BASE_URL", "https://api.example.test")
	t.Setenv("TEST_COMMERCE_API_KEY", "ck_123")

	var cfg providerSettings
	require.NoError(t, LoadWithPrefix(&cfg, "TEST_COMMERCE_"))

	assert.Equal(t, "https://api.example.test", cfg.BaseURL)
	assert.Equal(t, "ck_123", cfg.APIKey)
}

func TestLoadWithPrefix_Defaults(t *testing.T) {
	var cfg providerSettings
	require.NoError(t, LoadWithPrefix(&cfg, "TEST_UNSET_"))

	assert.Equal(t, "http://localhost", cfg.BaseURL)
	assert.Empty(t, cfg.APIKey)
}
