package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LICENSEHUB_AUTH_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 20, cfg.RateBurst)
	assert.Equal(t, 5*time.Minute, cfg.Policy().ReservationTTL)
	assert.Equal(t, 2*time.Hour, cfg.Policy().ActivationTTL)
	assert.Equal(t, 15*time.Minute, cfg.Policy().ExtendWindow)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LICENSEHUB_AUTH_SECRET", "s3cret")
	t.Setenv("LICENSEHUB_STORE", " Mongo ")
	t.Setenv("LICENSEHUB_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("LICENSEHUB_RESERVATION_TTL", "90s")
	t.Setenv("LICENSEHUB_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMongo, cfg.Store)
	assert.Equal(t, 90*time.Second, cfg.ReservationTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LICENSEHUB_STORE", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PG_DSN is required")
}

func TestAuthSecretRequiredOnlyForServer(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err, "batch tools run without a token secret")
	assert.ErrorContains(t, cfg.ValidateServer(), "AUTH_SECRET is required")

	cfg.AuthSecret = "s3cret"
	assert.NoError(t, cfg.ValidateServer())
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("LICENSEHUB_AUTH_SECRET", "s3cret")
	t.Setenv("LICENSEHUB_ACTIVATION_TTL", "two hours")

	_, err := Load()
	assert.Error(t, err)
}
