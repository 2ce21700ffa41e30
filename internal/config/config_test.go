package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":8081", cfg.HTTPAddr)
		assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, "postgres", cfg.StorageDriver)
		assert.Equal(t, 5*time.Minute, cfg.PaymentWindow)
		assert.Equal(t, time.Minute, cfg.SweepInterval)
		assert.Equal(t, 2*time.Minute, cfg.DeliveryGrace)
		assert.False(t, cfg.MigrateOnStart)
		assert.Equal(t, 4, cfg.MailerWorkers)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("HTTP_ADDR", ":9000")
		t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
		t.Setenv("PAYMENT_WINDOW", "90s")
		t.Setenv("STORAGE_DRIVER", "MEMORY")
		t.Setenv("MIGRATE_ON_START", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9000", cfg.HTTPAddr)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, 90*time.Second, cfg.PaymentWindow)
		assert.Equal(t, "memory", cfg.StorageDriver)
		assert.True(t, cfg.MigrateOnStart)
	})

	t.Run("rejects unknown storage driver", func(t *testing.T) {
		t.Setenv("STORAGE_DRIVER", "mongo")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage_driver")
	})

	t.Run("rejects non-positive payment window", func(t *testing.T) {
		t.Setenv("PAYMENT_WINDOW", "0s")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "payment_window")
	})
}
