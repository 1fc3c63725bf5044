package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupRetryDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return conn
}

func fastPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestRetryTxReplaysRetryableErrors(t *testing.T) {
	conn := setupRetryDB(t)

	calls := 0
	notified := 0
	policy := fastPolicy(5)
	policy.Notify = func(error, time.Duration) { notified++ }

	err := RetryTx(context.Background(), conn, policy, func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, notified)
}

func TestRetryTxStopsOnPermanentError(t *testing.T) {
	conn := setupRetryDB(t)
	sentinel := errors.New("insufficient_funds")

	calls := 0
	err := RetryTx(context.Background(), conn, fastPolicy(5), func(tx *gorm.DB) error {
		calls++
		return fmt.Errorf("apply: %w", sentinel)
	})

	require.ErrorIs(t, err, sentinel)
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 1, calls)
}

func TestRetryTxSurfacesConflictWhenExhausted(t *testing.T) {
	conn := setupRetryDB(t)

	calls := 0
	err := RetryTx(context.Background(), conn, fastPolicy(3), func(tx *gorm.DB) error {
		calls++
		return errors.New("deadlock detected")
	})

	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, calls)
}

func TestRetryTxRollsBackFailedAttempt(t *testing.T) {
	conn := setupRetryDB(t)
	require.NoError(t, conn.Exec("CREATE TABLE counters (id INTEGER PRIMARY KEY, value INTEGER)").Error)
	require.NoError(t, conn.Exec("INSERT INTO counters (id, value) VALUES (1, 0)").Error)

	calls := 0
	err := RetryTx(context.Background(), conn, fastPolicy(3), func(tx *gorm.DB) error {
		calls++
		if err := tx.Exec("UPDATE counters SET value = value + 1 WHERE id = 1").Error; err != nil {
			return err
		}
		if calls == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)

	var value int
	require.NoError(t, conn.Raw("SELECT value FROM counters WHERE id = 1").Scan(&value).Error)
	assert.Equal(t, 1, value)
}
